package progress

import (
	"context"

	"kitch-ingest/internal/events"
	utils "kitch-ingest/pkg/utils"
)

// Live states published for TypeLive events.
const (
	LiveStateLive            = "live"
	LiveStateEnded           = "ended"
	LiveStateRecording       = "recording"
	LiveStateRecorded        = "recorded"
	LiveStateRecordingFailed = "recording-failed"
)

// LiveBridge republishes live lifecycle events from the bus on the
// progress channel and notifies downstream when a stream ends.
type LiveBridge struct {
	bus         *events.Bus
	progress    Publisher
	notifier    Notifier
	unsubscribe func()
}

func NewLiveBridge(bus *events.Bus, pub Publisher, notifier Notifier) *LiveBridge {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &LiveBridge{bus: bus, progress: pub, notifier: notifier}
}

func (l *LiveBridge) Start() {
	l.unsubscribe = l.bus.Subscribe("progress", l.handle)
}

// Stop delivers anything already queued and detaches from the bus.
func (l *LiveBridge) Stop() {
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
}

func (l *LiveBridge) handle(ev events.Event) {
	ctx := context.Background()
	out := Event{ID: ev.SessionKey, Type: TypeLive, At: ev.At}

	switch ev.Kind {
	case events.PublishStarted:
		out.State = LiveStateLive
		out.Extra = map[string]interface{}{"channel_id": ev.ChannelID, "viewer_count": 0}
	case events.ViewerJoined, events.ViewerLeft:
		out.State = LiveStateLive
		out.Extra = map[string]interface{}{"viewer_count": ev.ViewerCount}
	case events.PublishStopped:
		out.State = LiveStateEnded
		out.Extra = map[string]interface{}{
			"channel_id":       ev.ChannelID,
			"duration_seconds": ev.Duration.Seconds(),
		}
		note := Notification{Kind: StreamEnded, ID: ev.SessionKey, OwnerID: ev.ChannelID, Source: "live", At: ev.At}
		if err := l.notifier.Notify(ctx, note); err != nil {
			utils.WithField("session_key", ev.SessionKey).Warnf("Failed to send stream-ended notification: %v", err)
		}
	case events.RecordingStarted:
		out.State = LiveStateRecording
	case events.RecordingFinished:
		out.State = LiveStateRecorded
		out.Extra = map[string]interface{}{"truncated": ev.Truncated}
	case events.RecordingFailed:
		out.State = LiveStateRecordingFailed
		if ev.Err != nil {
			out.Extra = map[string]interface{}{"error": ev.Err.Error()}
		}
	default:
		return
	}
	l.progress.Publish(ctx, out)
}
