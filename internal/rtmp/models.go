package rtmp

import (
	"context"
	"time"

	"kitch-ingest/internal/models"
	"kitch-ingest/internal/persistence"
)

// SessionValidator resolves provisioned session keys and records their
// state changes.
type SessionValidator interface {
	ValidateSessionKey(ctx context.Context, sessionKey string) (*models.StreamSession, error)
	UpdateSessionStatus(ctx context.Context, session *models.StreamSession) error
}

// DatabaseSessionValidator implements SessionValidator on the persistence
// gateway.
type DatabaseSessionValidator struct {
	Gateway persistence.Gateway
}

func (v *DatabaseSessionValidator) ValidateSessionKey(ctx context.Context, sessionKey string) (*models.StreamSession, error) {
	return v.Gateway.GetSession(ctx, sessionKey)
}

func (v *DatabaseSessionValidator) UpdateSessionStatus(ctx context.Context, session *models.StreamSession) error {
	return v.Gateway.UpdateSessionState(ctx, session)
}

type Config struct {
	Port             int
	HandshakeTimeout time.Duration
	// RecorderToken marks play connections opened by the recorder; they
	// receive packets but are not counted as viewers.
	RecorderToken string
	// ViewerBuffer is the number of packets queued per player before
	// packets are dropped for it.
	ViewerBuffer int
}

const (
	ConnPublisher = "publisher"
	ConnViewer    = "viewer"
	ConnRecorder  = "recorder"
)

// Connection describes one accepted RTMP connection.
type Connection struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	SessionKey string    `json:"session_key"`
	RemoteAddr string    `json:"remote_addr"`
	StartTime  time.Time `json:"start_time"`
	Packets    int64     `json:"packets"`
	Bytes      int64     `json:"bytes"`
	Dropped    int64     `json:"dropped"`
}
