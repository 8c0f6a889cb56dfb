package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	utils "kitch-ingest/pkg/utils"
)

const (
	DefaultChannelPrefix    = "ingest:progress:"
	DefaultNotificationList = "ingest:notifications"
)

// RedisClient is the subset of the go-redis client used here.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// NewRedisClient builds a client from host:port style settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   password,
		DB:         db,
		MaxRetries: 2,
	})
}

// RedisPublisher mirrors progress events to Redis pub/sub, one channel
// per id, so consumers in other processes can follow them.
type RedisPublisher struct {
	client RedisClient
	prefix string
}

func NewRedisPublisher(client RedisClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Channel(id string) string {
	return p.prefix + id
}

// Publish is fire and forget; failures are logged.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		utils.WithField("id", ev.ID).Errorf("marshal progress event: %v", err)
		return
	}
	if err := p.client.Publish(ctx, p.Channel(ev.ID), payload).Err(); err != nil {
		utils.WithField("id", ev.ID).Warnf("redis publish failed: %v", err)
	}
}

// RedisNotifier queues terminal notifications on a Redis list for the
// downstream notification service.
type RedisNotifier struct {
	client RedisClient
	list   string
}

func NewRedisNotifier(client RedisClient, list string) *RedisNotifier {
	if list == "" {
		list = DefaultNotificationList
	}
	return &RedisNotifier{client: client, list: list}
}

func (n *RedisNotifier) Notify(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.client.RPush(ctx, n.list, payload).Err(); err != nil {
		return fmt.Errorf("queue notification: %w", err)
	}
	return nil
}
