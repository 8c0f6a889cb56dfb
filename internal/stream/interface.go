package stream

import (
	"context"

	"kitch-ingest/internal/models"
)

// SessionStore is the slice of the persistence gateway the stream service
// needs.
type SessionStore interface {
	GetSession(ctx context.Context, key string) (*models.StreamSession, error)
	CreateSession(ctx context.Context, session *models.StreamSession) error
}

// LiveView exposes the in-memory state of sessions that have gone live
// since startup.
type LiveView interface {
	Stream(key string) (models.StreamSession, bool)
}
