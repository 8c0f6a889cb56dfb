package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitch-ingest/internal/events"
)

type captureNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *captureNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	n.notes = append(n.notes, note)
	n.mu.Unlock()
	return nil
}

func TestLiveBridgeMapsLifecycle(t *testing.T) {
	bus := events.NewBus()
	b := NewBroadcaster(16)
	sub := b.Subscribe("K")
	notes := &captureNotifier{}

	bridge := NewLiveBridge(bus, b, notes)
	bridge.Start()

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	bus.Publish(events.Event{Kind: events.PublishStarted, SessionKey: "K", ChannelID: "c1", At: at})
	bus.Publish(events.Event{Kind: events.ViewerJoined, SessionKey: "K", ViewerCount: 1})
	bus.Publish(events.Event{Kind: events.PublishStopped, SessionKey: "K", ChannelID: "c1", Duration: 90 * time.Second})
	bus.Publish(events.Event{Kind: events.RecordingFailed, SessionKey: "K", Err: errors.New("no bytes")})
	bridge.Stop()

	started := receive(t, sub)
	assert.Equal(t, TypeLive, started.Type)
	assert.Equal(t, LiveStateLive, started.State)
	assert.Equal(t, "c1", started.Extra["channel_id"])
	assert.True(t, started.At.Equal(at))

	joined := receive(t, sub)
	assert.Equal(t, 1, joined.Extra["viewer_count"])

	ended := receive(t, sub)
	assert.Equal(t, LiveStateEnded, ended.State)
	assert.Equal(t, 90.0, ended.Extra["duration_seconds"])

	failed := receive(t, sub)
	assert.Equal(t, LiveStateRecordingFailed, failed.State)
	assert.Equal(t, "no bytes", failed.Extra["error"])

	require.Len(t, notes.notes, 1)
	assert.Equal(t, StreamEnded, notes.notes[0].Kind)
	assert.Equal(t, "K", notes.notes[0].ID)
	assert.Equal(t, "c1", notes.notes[0].OwnerID)

	bus.Close()
}
