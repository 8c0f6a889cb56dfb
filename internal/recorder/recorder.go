// Package recorder captures live sessions to disk and hands finished
// recordings to the media processor.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kitch-ingest/internal/events"
	"kitch-ingest/internal/metrics"
	"kitch-ingest/internal/models"
	"kitch-ingest/internal/processor"
	"kitch-ingest/internal/session"
	"kitch-ingest/pkg/ffmpeg"
	utils "kitch-ingest/pkg/utils"
)

var ErrEmptyRecording = errors.New("capture produced no bytes")

// Capture is a running capture process.
type Capture interface {
	Stop() error
	Kill() error
	Done() <-chan struct{}
	Err() error
}

type Capturer interface {
	StartCapture(inputURL, outputPath string) (Capture, error)
}

// FFmpegCapturer adapts ffmpeg to Capturer.
type FFmpegCapturer struct {
	FFmpeg *ffmpeg.FFmpeg
}

func (c FFmpegCapturer) StartCapture(inputURL, outputPath string) (Capture, error) {
	capture, err := c.FFmpeg.StartCapture(inputURL, outputPath)
	if err != nil {
		return nil, err
	}
	return capture, nil
}

type Sink interface {
	Accept(ctx context.Context, src processor.Source) (*models.MediaAsset, error)
}

type Config struct {
	ScratchDir string
	// InputURL is the play URL for a session; "{key}" is replaced by the
	// session key.
	InputURL      string
	RecorderToken string
	GracePeriod   time.Duration
}

type Recorder struct {
	cfg      Config
	capturer Capturer
	sessions *session.Store
	sink     Sink
	bus      *events.Bus
	metrics  *metrics.Metrics
	now      func() time.Time

	mu          sync.Mutex
	active      map[string]*recording
	closed      bool
	wg          sync.WaitGroup
	unsubscribe func()
}

type recording struct {
	key       string
	channelID string
	path      string
	capture   Capture
	stop      chan struct{}
}

func New(cfg Config, capturer Capturer, sessions *session.Store, sink Sink, bus *events.Bus, m *metrics.Metrics) *Recorder {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	return &Recorder{
		cfg:      cfg,
		capturer: capturer,
		sessions: sessions,
		sink:     sink,
		bus:      bus,
		metrics:  m,
		now:      time.Now,
		active:   make(map[string]*recording),
	}
}

// Start subscribes the recorder to publish transitions.
func (r *Recorder) Start() {
	r.unsubscribe = r.bus.Subscribe("recorder", r.handle, events.PublishStarted, events.PublishStopped)
}

func (r *Recorder) handle(ev events.Event) {
	switch ev.Kind {
	case events.PublishStarted:
		r.begin(ev.SessionKey, ev.ChannelID)
	case events.PublishStopped:
		r.end(ev.SessionKey)
	}
}

// Active reports the number of running captures.
func (r *Recorder) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Recorder) begin(key, channelID string) {
	log := utils.WithField("session_key", key)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	previous := r.active[key]
	r.mu.Unlock()
	if previous != nil {
		log.Warn("Capture already running for key, finalizing it first")
		r.end(key)
	}

	dir := filepath.Join(r.cfg.ScratchDir, "recordings")
	if err := os.MkdirAll(dir, 0755); err != nil {
		r.failed(key, "", fmt.Errorf("create recordings directory: %w", err))
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.mkv", key, r.now().UnixNano()))

	capture, err := r.capturer.StartCapture(r.inputURL(key), path)
	if err != nil {
		r.failed(key, path, err)
		return
	}

	rec := &recording{key: key, channelID: channelID, path: path, capture: capture, stop: make(chan struct{})}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = capture.Kill()
		return
	}
	r.active[key] = rec
	r.wg.Add(1)
	r.mu.Unlock()

	if err := r.sessions.SetRecording(key, path); err != nil {
		log.Warnf("Failed to record capture path: %v", err)
	}
	log.WithField("path", path).Info("Recording started")
	r.bus.Publish(events.Event{
		Kind:       events.RecordingStarted,
		SessionKey: key,
		ChannelID:  channelID,
		Path:       path,
		At:         r.now().UTC(),
	})

	go r.run(rec)
}

func (r *Recorder) inputURL(key string) string {
	u := strings.ReplaceAll(r.cfg.InputURL, "{key}", url.PathEscape(key))
	if r.cfg.RecorderToken == "" {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "recorder=" + url.QueryEscape(r.cfg.RecorderToken)
}

func (r *Recorder) run(rec *recording) {
	defer r.wg.Done()

	truncated := false
	select {
	case <-rec.stop:
		truncated = r.stopCapture(rec)
	case <-rec.capture.Done():
		r.detach(rec)
	}
	r.handOff(rec, truncated)
}

// end asks the capture for key to stop. Finalization continues in the
// capture's goroutine.
func (r *Recorder) end(key string) {
	r.mu.Lock()
	rec := r.active[key]
	delete(r.active, key)
	r.mu.Unlock()
	if rec != nil {
		close(rec.stop)
	}
}

func (r *Recorder) detach(rec *recording) {
	r.mu.Lock()
	if r.active[rec.key] == rec {
		delete(r.active, rec.key)
	}
	r.mu.Unlock()
}

// stopCapture asks the process to flush and exit, killing it after the
// grace period. It reports whether the process had to be killed.
func (r *Recorder) stopCapture(rec *recording) bool {
	log := utils.WithField("session_key", rec.key)
	if err := rec.capture.Stop(); err != nil {
		log.Debugf("Graceful stop signal failed: %v", err)
	}

	timer := time.NewTimer(r.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-rec.capture.Done():
		return false
	case <-timer.C:
	}

	log.Warnf("Capture did not exit within %s, killing it", r.cfg.GracePeriod)
	if err := rec.capture.Kill(); err != nil {
		log.Errorf("Failed to kill capture: %v", err)
	}
	<-rec.capture.Done()
	return true
}

func (r *Recorder) handOff(rec *recording, truncated bool) {
	log := utils.WithFields(logrus.Fields{
		"session_key": rec.key,
		"path":        rec.path,
		"truncated":   truncated,
	})

	info, err := os.Stat(rec.path)
	if err != nil || info.Size() == 0 {
		cause := rec.capture.Err()
		if cause == nil {
			cause = ErrEmptyRecording
		} else {
			cause = fmt.Errorf("%w: %v", ErrEmptyRecording, cause)
		}
		_ = os.Remove(rec.path)
		r.failed(rec.key, rec.path, cause)
		return
	}
	if exitErr := rec.capture.Err(); exitErr != nil {
		log.Warnf("Capture exited with error, submitting partial file: %v", exitErr)
	}

	asset, err := r.sink.Accept(context.Background(), processor.Source{
		Kind:      models.SourceLiveRecording,
		OriginID:  rec.key,
		OwnerID:   rec.channelID,
		Path:      rec.path,
		SizeBytes: info.Size(),
		Truncated: truncated,
	})
	if err != nil {
		r.failed(rec.key, rec.path, fmt.Errorf("hand off recording: %w", err))
		return
	}

	outcome := "complete"
	if truncated {
		outcome = "truncated"
	}
	r.metrics.RecordingFinished(outcome)
	log.WithField("asset_id", asset.ID).Info("Recording handed to processor")
	r.bus.Publish(events.Event{
		Kind:       events.RecordingFinished,
		SessionKey: rec.key,
		ChannelID:  rec.channelID,
		Path:       rec.path,
		Truncated:  truncated,
		At:         r.now().UTC(),
	})
}

func (r *Recorder) failed(key, path string, cause error) {
	utils.WithField("session_key", key).Errorf("Recording failed: %v", cause)
	r.metrics.RecordingFinished("failed")
	r.bus.Publish(events.Event{
		Kind:       events.RecordingFailed,
		SessionKey: key,
		Path:       path,
		Err:        cause,
		At:         r.now().UTC(),
	})
}

// Shutdown stops listening for new sessions and finalizes every running
// capture.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}

	r.mu.Lock()
	r.closed = true
	keys := make([]string, 0, len(r.active))
	for key := range r.active {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	for _, key := range keys {
		r.end(key)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
