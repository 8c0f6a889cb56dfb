package rtmp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kitch-ingest/internal/events"
	"kitch-ingest/internal/metrics"
	"kitch-ingest/internal/models"
	"kitch-ingest/internal/session"
	utils "kitch-ingest/pkg/utils"
)

// Gateway applies the live-session lifecycle for publish and play
// connections and announces every transition on the event bus. It has no
// network code so the transport can be swapped or faked.
type Gateway struct {
	validator SessionValidator
	sessions  *session.Store
	bus       *events.Bus
	policy    session.RepublishPolicy
	metrics   *metrics.Metrics
	now       func() time.Time

	// keyed serializes the store mutation, the persisted write and the
	// event for one session key so they land in the same order.
	keyed keyLocks
}

type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func NewGateway(validator SessionValidator, sessions *session.Store, bus *events.Bus, policy session.RepublishPolicy, m *metrics.Metrics) *Gateway {
	return &Gateway{
		validator: validator,
		sessions:  sessions,
		bus:       bus,
		policy:    policy,
		metrics:   m,
		now:       time.Now,
	}
}

// OnPublishAttempt accepts or rejects a publisher for key. Unknown keys and
// keys that are already live are rejected without any state change.
func (g *Gateway) OnPublishAttempt(ctx context.Context, key string) (models.StreamSession, error) {
	unlock := g.keyed.lock(key)
	defer unlock()

	provisioned, err := lookupSession(ctx, g.validator, key)
	if err != nil {
		return models.StreamSession{}, err
	}

	live, err := g.sessions.BeginLive(*provisioned, g.policy, g.now().UTC())
	if err != nil {
		return live, err
	}

	if err := g.validator.UpdateSessionStatus(ctx, &live); err != nil {
		g.logger(key).Errorf("Failed to persist live state: %v", err)
	}
	g.metrics.LiveStarted()
	g.metrics.SetActiveLive(g.sessions.LiveCount())
	g.logger(key).WithField("channel_id", live.ChannelID).Info("Publish started")

	g.bus.Publish(events.Event{
		Kind:       events.PublishStarted,
		SessionKey: key,
		ChannelID:  live.ChannelID,
		At:         *live.StartedAt,
	})
	return live, nil
}

// OnPublishEnd ends the live period of key.
func (g *Gateway) OnPublishEnd(ctx context.Context, key string) (models.StreamSession, error) {
	unlock := g.keyed.lock(key)
	defer unlock()

	ended, err := g.sessions.EndLive(key, g.now().UTC())
	if err != nil {
		return ended, err
	}

	if err := g.validator.UpdateSessionStatus(context.WithoutCancel(ctx), &ended); err != nil {
		g.logger(key).Errorf("Failed to persist ended state: %v", err)
	}
	g.metrics.SetActiveLive(g.sessions.LiveCount())
	g.logger(key).WithField("duration", ended.Duration).Info("Publish stopped")

	g.bus.Publish(events.Event{
		Kind:       events.PublishStopped,
		SessionKey: key,
		ChannelID:  ended.ChannelID,
		Duration:   ended.Duration,
		At:         *ended.EndedAt,
	})
	return ended, nil
}

func (g *Gateway) OnViewerJoin(ctx context.Context, key string) (models.StreamSession, error) {
	return g.adjustViewers(ctx, key, 1, events.ViewerJoined)
}

func (g *Gateway) OnViewerLeave(ctx context.Context, key string) (models.StreamSession, error) {
	return g.adjustViewers(ctx, key, -1, events.ViewerLeft)
}

func (g *Gateway) adjustViewers(ctx context.Context, key string, delta int, kind events.Kind) (models.StreamSession, error) {
	unlock := g.keyed.lock(key)
	defer unlock()

	updated, err := g.sessions.AdjustViewers(key, delta)
	if err != nil {
		return updated, err
	}
	if err := g.validator.UpdateSessionStatus(context.WithoutCancel(ctx), &updated); err != nil {
		g.logger(key).Warnf("Failed to persist viewer count: %v", err)
	}
	g.bus.Publish(events.Event{
		Kind:        kind,
		SessionKey:  key,
		ChannelID:   updated.ChannelID,
		ViewerCount: updated.ViewerCount,
	})
	return updated, nil
}

// Session returns the in-memory view of key.
func (g *Gateway) Session(key string) (models.StreamSession, bool) {
	return g.sessions.Stream(key)
}

func (g *Gateway) Sessions() []models.StreamSession {
	return g.sessions.Streams()
}

// IsRejection reports whether err is a publish rejection rather than a
// failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrUnknownSessionKey) ||
		errors.Is(err, session.ErrAlreadyLive) ||
		errors.Is(err, session.ErrRepublishRejected)
}

func (g *Gateway) logger(key string) *logrus.Entry {
	return utils.WithField("session_key", key)
}
