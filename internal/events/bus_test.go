package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	var c collector
	bus.Subscribe("test", c.handle)

	for i := 0; i < 100; i++ {
		bus.Publish(Event{Kind: ViewerJoined, SessionKey: "K", ViewerCount: i})
	}
	bus.Close()

	got := c.snapshot()
	require.Len(t, got, 100)
	for i, ev := range got {
		assert.Equal(t, i, ev.ViewerCount)
		assert.False(t, ev.At.IsZero())
	}
}

func TestBusFiltersByKind(t *testing.T) {
	bus := NewBus()
	var c collector
	bus.Subscribe("recorder", c.handle, PublishStarted, PublishStopped)

	bus.Publish(Event{Kind: PublishStarted, SessionKey: "K"})
	bus.Publish(Event{Kind: ViewerJoined, SessionKey: "K"})
	bus.Publish(Event{Kind: PublishStopped, SessionKey: "K"})
	bus.Close()

	got := c.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, PublishStarted, got[0].Kind)
	assert.Equal(t, PublishStopped, got[1].Kind)
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})
	var fast collector
	bus.Subscribe("slow", func(Event) { <-release })
	bus.Subscribe("fast", fast.handle)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Kind: ViewerLeft, SessionKey: "K"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
	bus.Close()
	assert.Len(t, fast.snapshot(), 10)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	var c collector
	unsubscribe := bus.Subscribe("test", c.handle)

	bus.Publish(Event{Kind: PublishStarted, SessionKey: "K"})
	unsubscribe()
	bus.Publish(Event{Kind: PublishStopped, SessionKey: "K"})
	bus.Close()

	got := c.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, PublishStarted, got[0].Kind)
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	bus := NewBus()
	bus.Close()
	bus.Publish(Event{Kind: PublishStarted})
	unsubscribe := bus.Subscribe("late", func(Event) { t.Fatal("unexpected delivery") })
	unsubscribe()
}
