// Package events carries the live-stream lifecycle between components.
// Each transition has its own Kind; subscribers receive the events they
// asked for in publish order, and a slow subscriber never blocks the
// publisher or other subscribers.
package events

import (
	"sync"
	"time"
)

type Kind string

const (
	PublishStarted    Kind = "publish-started"
	PublishStopped    Kind = "publish-stopped"
	ViewerJoined      Kind = "viewer-joined"
	ViewerLeft        Kind = "viewer-left"
	RecordingStarted  Kind = "recording-started"
	RecordingFinished Kind = "recording-finished"
	RecordingFailed   Kind = "recording-failed"
)

// Event is one lifecycle transition for a session key.
type Event struct {
	Kind        Kind
	SessionKey  string
	ChannelID   string
	ViewerCount int
	// Duration of the live period, set on PublishStopped.
	Duration time.Duration
	// Path of the capture file, set on recording events.
	Path string
	// Truncated is set when the capture process had to be killed.
	Truncated bool
	Err       error
	At        time.Time
}

type Handler func(Event)

type subscriber struct {
	name    string
	kinds   map[Kind]bool
	handler Handler

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers handler for the given kinds (all kinds when none are
// given). The handler runs on a dedicated goroutine. The returned function
// unsubscribes after delivering everything already queued.
func (b *Bus) Subscribe(name string, handler Handler, kinds ...Kind) func() {
	sub := &subscriber{
		name:    name,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			sub.close()
			<-sub.done
		})
	}
}

// Publish queues ev for every interested subscriber. It never blocks on
// subscriber progress.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[ev.Kind] {
			continue
		}
		sub.enqueue(ev)
	}
}

// Close stops accepting events and waits until every subscriber has
// drained its queue.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*subscriber]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	for _, sub := range subs {
		<-sub.done
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, ev := range batch {
			s.handler(ev)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) > 0 {
			continue
		}
		<-s.wake
	}
}
