package progress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	utils "kitch-ingest/pkg/utils"
)

func init() {
	utils.Discard()
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestBroadcasterRoutesByTopic(t *testing.T) {
	b := NewBroadcaster(4)
	one := b.Subscribe("u1")
	all := b.Subscribe(AllTopics)
	other := b.Subscribe("u2")

	b.Publish(context.Background(), Event{ID: "u1", Type: TypeUpload, State: "receiving", Percent: Percent(50)})

	ev := receive(t, one)
	assert.Equal(t, "receiving", ev.State)
	require.NotNil(t, ev.Percent)
	assert.Equal(t, 50.0, *ev.Percent)
	assert.False(t, ev.At.IsZero())
	assert.Equal(t, "u1", receive(t, all).ID)

	select {
	case ev := <-other.C:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestBroadcasterDropsForSlowSubscribers(t *testing.T) {
	b := NewBroadcaster(1)
	sub := b.Subscribe("a1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(context.Background(), Event{ID: "a1", Type: TypeEncode, State: "encoding"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
	assert.Len(t, sub.C, 1)
}

func TestSubscriptionClose(t *testing.T) {
	b := NewBroadcaster(1)
	sub := b.Subscribe("a1")
	assert.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())
	_, ok := <-sub.C
	assert.False(t, ok)

	b.Publish(context.Background(), Event{ID: "a1"})
}

func TestPercentClamps(t *testing.T) {
	assert.Equal(t, 0.0, *Percent(-3))
	assert.Equal(t, 100.0, *Percent(140))
}

type fakeRedis struct {
	mu        sync.Mutex
	published map[string][]string
	pushed    map[string][]string
	err       error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{published: map[string][]string{}, pushed: map[string][]string{}}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "rpush", key)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	for _, v := range values {
		f.pushed[key] = append(f.pushed[key], string(v.([]byte)))
	}
	cmd.SetVal(int64(len(f.pushed[key])))
	return cmd
}

func TestRedisPublisherSink(t *testing.T) {
	fake := newFakeRedis()
	b := NewBroadcaster(1, NewRedisPublisher(fake, ""))

	b.Publish(context.Background(), Event{ID: "a1", Type: TypeEncode, State: "published"})

	msgs := fake.published["ingest:progress:a1"]
	require.Len(t, msgs, 1)
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &ev))
	assert.Equal(t, "published", ev.State)
	assert.Equal(t, TypeEncode, ev.Type)
}

func TestRedisPublisherSwallowsErrors(t *testing.T) {
	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	p := NewRedisPublisher(fake, "custom:")
	assert.Equal(t, "custom:x", p.Channel("x"))
	assert.NotPanics(t, func() { p.Publish(context.Background(), Event{ID: "x"}) })
}

func TestRedisNotifier(t *testing.T) {
	fake := newFakeRedis()
	n := NewRedisNotifier(fake, "")

	require.NoError(t, n.Notify(context.Background(), Notification{Kind: AssetPublished, ID: "a1"}))
	require.Len(t, fake.pushed[DefaultNotificationList], 1)
	assert.Contains(t, fake.pushed[DefaultNotificationList][0], `"kind":"asset-published"`)

	fake.err = errors.New("down")
	assert.Error(t, n.Notify(context.Background(), Notification{Kind: AssetFailed, ID: "a2"}))
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), Notification{Kind: StreamEnded, ID: "K"}))
}

func TestWebsocketStream(t *testing.T) {
	b := NewBroadcaster(8)
	e := echo.New()
	NewHandler(b).RegisterRoutes(e.Group("/api/v1"))
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/progress/a1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	b.Publish(context.Background(), Event{ID: "a1", Type: TypeEncode, State: "encoding", Percent: Percent(25)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, "a1", ev.ID)
	assert.Equal(t, 25.0, *ev.Percent)

	conn.Close()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
