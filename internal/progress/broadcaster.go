// Package progress fans out upload, encode and live state changes to
// real-time consumers. Delivery is best effort: a subscriber that falls
// behind loses events instead of slowing the pipeline down, and is
// expected to re-read authoritative state when it reconnects.
package progress

import (
	"context"
	"sync"
	"time"

	utils "kitch-ingest/pkg/utils"
)

type Type string

const (
	TypeUpload Type = "upload"
	TypeEncode Type = "encode"
	TypeLive   Type = "live"
)

// AllTopics subscribes to every id.
const AllTopics = "*"

// Event is the payload published on the progress channel.
type Event struct {
	ID      string                 `json:"id"`
	Type    Type                   `json:"type"`
	State   string                 `json:"state"`
	Percent *float64               `json:"percent,omitempty"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
	At      time.Time              `json:"at"`
}

// Percent is a helper for building events with a percent value.
func Percent(p float64) *float64 {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return &p
}

// Publisher accepts progress events. Implementations must not block the
// caller on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Subscription receives events for one topic.
type Subscription struct {
	C     <-chan Event
	topic string
	ch    chan Event
	b     *Broadcaster
	once  sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.unsubscribe(s)
	})
}

// Broadcaster is the in-process fan-out. Events are also forwarded to any
// external sinks (for example Redis) given at construction.
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	sinks  []Publisher
	buffer int
}

func NewBroadcaster(buffer int, sinks ...Publisher) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		topics: make(map[string]map[*Subscription]struct{}),
		sinks:  sinks,
		buffer: buffer,
	}
}

// Subscribe registers interest in topic, an upload/asset/session id or
// AllTopics.
func (b *Broadcaster) Subscribe(topic string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, topic: topic, ch: ch, b: b}

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[sub.topic]; ok {
		if _, present := subs[sub]; present {
			delete(subs, sub)
			close(sub.ch)
		}
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}

// Publish delivers ev to subscribers of ev.ID and of AllTopics, then to the
// sinks. It never blocks on a full subscriber.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	dropped := 0
	for _, topic := range []string{ev.ID, AllTopics} {
		for sub := range b.topics[topic] {
			select {
			case sub.ch <- ev:
			default:
				dropped++
			}
		}
	}
	b.mu.RUnlock()

	if dropped > 0 {
		utils.WithField("id", ev.ID).Debugf("progress event %s/%s dropped for %d slow subscribers", ev.Type, ev.State, dropped)
	}

	for _, sink := range b.sinks {
		sink.Publish(ctx, ev)
	}
}

// SubscriberCount reports how many subscriptions are open.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.topics {
		n += len(subs)
	}
	return n
}
