package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitch-ingest/internal/events"
	"kitch-ingest/internal/models"
	"kitch-ingest/internal/processor"
	"kitch-ingest/internal/session"
	utils "kitch-ingest/pkg/utils"
)

func init() {
	utils.Discard()
}

type fakeCapture struct {
	path       string
	ignoreStop bool
	exitErr    error

	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
	killed  bool
	mu      sync.Mutex
}

func (c *fakeCapture) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		if c.exitErr == nil {
			c.exitErr = err
		}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeCapture) Stop() error {
	close(c.stopped)
	if !c.ignoreStop {
		c.finish(nil)
	}
	return nil
}

func (c *fakeCapture) Kill() error {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	c.finish(errors.New("signal: killed"))
	return nil
}

func (c *fakeCapture) Done() <-chan struct{} { return c.done }

func (c *fakeCapture) Err() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

type fakeCapturer struct {
	mu       sync.Mutex
	urls     []string
	captures []*fakeCapture
	payload  []byte
	hang     bool
	err      error
}

func (f *fakeCapturer) StartCapture(inputURL, outputPath string) (Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.payload != nil {
		if err := os.WriteFile(outputPath, f.payload, 0644); err != nil {
			return nil, err
		}
	}
	c := &fakeCapture{
		path:       outputPath,
		ignoreStop: f.hang,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	f.urls = append(f.urls, inputURL)
	f.captures = append(f.captures, c)
	return c, nil
}

func (f *fakeCapturer) last() *fakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.captures) == 0 {
		return nil
	}
	return f.captures[len(f.captures)-1]
}

type fakeSink struct {
	mu      sync.Mutex
	sources []processor.Source
}

func (s *fakeSink) Accept(_ context.Context, src processor.Source) (*models.MediaAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
	return &models.MediaAsset{ID: "asset-1", SourceKind: src.Kind, OriginID: src.OriginID}, nil
}

func (s *fakeSink) all() []processor.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]processor.Source(nil), s.sources...)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(ev events.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) find(kind events.Kind) (events.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return events.Event{}, false
}

type fixture struct {
	rec      *Recorder
	capturer *fakeCapturer
	sink     *fakeSink
	sessions *session.Store
	bus      *events.Bus
	log      *eventLog
}

func newFixture(t *testing.T, capturer *fakeCapturer, grace time.Duration) *fixture {
	t.Helper()
	bus := events.NewBus()
	f := &fixture{
		capturer: capturer,
		sink:     &fakeSink{},
		sessions: session.NewStore(),
		bus:      bus,
		log:      &eventLog{},
	}
	bus.Subscribe("log", f.log.handle, events.RecordingStarted, events.RecordingFinished, events.RecordingFailed)
	f.rec = New(Config{
		ScratchDir:    t.TempDir(),
		InputURL:      "rtmp://127.0.0.1:1935/live/{key}",
		RecorderToken: "secret",
		GracePeriod:   grace,
	}, capturer, f.sessions, f.sink, bus, nil)
	f.rec.Start()
	t.Cleanup(func() {
		_ = f.rec.Shutdown(context.Background())
		bus.Close()
	})
	return f
}

func (f *fixture) goLive(t *testing.T, key string) {
	t.Helper()
	_, err := f.sessions.BeginLive(models.StreamSession{SessionKey: key, ChannelID: "chan-" + key}, session.RepublishAllow, time.Now())
	require.NoError(t, err)
	f.bus.Publish(events.Event{Kind: events.PublishStarted, SessionKey: key, ChannelID: "chan-" + key})
	require.Eventually(t, func() bool { return f.rec.Active() == 1 }, time.Second, 5*time.Millisecond)
}

func (f *fixture) endLive(key string) {
	f.bus.Publish(events.Event{Kind: events.PublishStopped, SessionKey: key})
}

func TestRecordingHandedOffAfterGracefulStop(t *testing.T) {
	f := newFixture(t, &fakeCapturer{payload: []byte("matroska")}, time.Second)
	f.goLive(t, "K")

	assert.Equal(t, []string{"rtmp://127.0.0.1:1935/live/K?recorder=secret"}, f.capturer.urls)
	current, ok := f.sessions.Stream("K")
	require.True(t, ok)
	assert.Equal(t, f.capturer.last().path, current.RecordingPath)

	f.endLive("K")
	require.Eventually(t, func() bool { return len(f.sink.all()) == 1 }, time.Second, 5*time.Millisecond)

	src := f.sink.all()[0]
	assert.Equal(t, models.SourceLiveRecording, src.Kind)
	assert.Equal(t, "K", src.OriginID)
	assert.Equal(t, "chan-K", src.OwnerID)
	assert.Equal(t, int64(len("matroska")), src.SizeBytes)
	assert.False(t, src.Truncated)
	assert.Equal(t, "recordings", filepath.Base(filepath.Dir(src.Path)))

	require.Eventually(t, func() bool {
		_, ok := f.log.find(events.RecordingFinished)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.rec.Active())
}

func TestHungCaptureIsKilledAndSubmittedTruncated(t *testing.T) {
	f := newFixture(t, &fakeCapturer{payload: []byte("partial"), hang: true}, 30*time.Millisecond)
	f.goLive(t, "K")

	f.endLive("K")
	require.Eventually(t, func() bool { return len(f.sink.all()) == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, f.sink.all()[0].Truncated)
	c := f.capturer.last()
	c.mu.Lock()
	assert.True(t, c.killed)
	c.mu.Unlock()

	require.Eventually(t, func() bool {
		ev, ok := f.log.find(events.RecordingFinished)
		return ok && ev.Truncated
	}, time.Second, 5*time.Millisecond)
}

func TestEmptyCaptureFailsWithoutAsset(t *testing.T) {
	f := newFixture(t, &fakeCapturer{}, time.Second)
	f.goLive(t, "K")

	f.capturer.last().finish(errors.New("exit status 1"))

	require.Eventually(t, func() bool {
		_, ok := f.log.find(events.RecordingFailed)
		return ok
	}, time.Second, 5*time.Millisecond)
	ev, _ := f.log.find(events.RecordingFailed)
	assert.ErrorIs(t, ev.Err, ErrEmptyRecording)
	assert.Empty(t, f.sink.all())
	assert.Zero(t, f.rec.Active())

	// The publisher ending afterwards finds nothing left to stop.
	f.endLive("K")
}

func TestCaptureStartFailureEmitsFailure(t *testing.T) {
	f := newFixture(t, &fakeCapturer{err: errors.New("no ffmpeg")}, time.Second)

	f.bus.Publish(events.Event{Kind: events.PublishStarted, SessionKey: "K"})
	require.Eventually(t, func() bool {
		_, ok := f.log.find(events.RecordingFailed)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.rec.Active())
	assert.Empty(t, f.sink.all())
}

func TestShutdownFinalizesActiveCaptures(t *testing.T) {
	f := newFixture(t, &fakeCapturer{payload: []byte("data")}, time.Second)
	f.goLive(t, "K")

	require.NoError(t, f.rec.Shutdown(context.Background()))
	assert.Len(t, f.sink.all(), 1)
	assert.Zero(t, f.rec.Active())

	f.bus.Publish(events.Event{Kind: events.PublishStarted, SessionKey: "other"})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.capturer.urls, 1)
}

func TestInputURLWithoutToken(t *testing.T) {
	r := New(Config{InputURL: "rtmp://host/live/{key}?app=1"}, nil, nil, nil, nil, nil)
	assert.Equal(t, "rtmp://host/live/a%20b?app=1", r.inputURL("a b"))

	r.cfg.RecorderToken = "t"
	assert.Equal(t, "rtmp://host/live/k?app=1&recorder=t", r.inputURL("k"))
}
