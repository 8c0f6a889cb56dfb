package rtmp

import (
	"context"
	"errors"
	"fmt"

	"kitch-ingest/internal/models"
)

var ErrUnknownSessionKey = errors.New("unknown session key")

// lookupSession returns the provisioned session for key or
// ErrUnknownSessionKey. Nothing is created for unknown keys.
func lookupSession(ctx context.Context, v SessionValidator, key string) (*models.StreamSession, error) {
	if key == "" {
		return nil, ErrUnknownSessionKey
	}
	s, err := v.ValidateSessionKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("error checking session key: %w", err)
	}
	if s == nil {
		return nil, ErrUnknownSessionKey
	}
	return s, nil
}
