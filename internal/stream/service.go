package stream

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"kitch-ingest/internal/models"
	"kitch-ingest/internal/persistence"
	utils "kitch-ingest/pkg/utils"
)

var (
	ErrInvalidChannel = errors.New("channel id is required")
	ErrNotFound       = errors.New("stream session not found")
)

const maxChannelIDLength = 255

type StreamService struct {
	store SessionStore
	live  LiveView
	// PublishURL is the RTMP base URL handed back with new keys.
	publishURL string
}

func NewStreamService(store SessionStore, live LiveView, publishURL string) *StreamService {
	return &StreamService{
		store:      store,
		live:       live,
		publishURL: strings.TrimRight(publishURL, "/"),
	}
}

// Provision creates an idle stream session with a fresh key for channelID.
func (ss *StreamService) Provision(ctx context.Context, channelID string) (*models.StreamSession, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" || len(channelID) > maxChannelIDLength {
		return nil, ErrInvalidChannel
	}

	for attempt := 0; attempt < 3; attempt++ {
		key, err := generateSecureKey()
		if err != nil {
			return nil, fmt.Errorf("generate session key: %w", err)
		}
		session := &models.StreamSession{
			SessionKey: key,
			ChannelID:  channelID,
			State:      models.StreamIdle,
		}
		err = ss.store.CreateSession(ctx, session)
		if errors.Is(err, persistence.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create stream session: %w", err)
		}
		utils.WithField("channel_id", channelID).Info("Provisioned stream session")
		return session, nil
	}
	return nil, fmt.Errorf("create stream session: %w", persistence.ErrDuplicate)
}

// Get returns the current view of a session: the in-memory state when the
// key has been live since startup, the stored record otherwise.
func (ss *StreamService) Get(ctx context.Context, key string) (*models.StreamSession, error) {
	if ss.live != nil {
		if s, ok := ss.live.Stream(key); ok {
			return &s, nil
		}
	}
	s, err := ss.store.GetSession(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get stream session: %w", err)
	}
	if s == nil {
		return nil, ErrNotFound
	}
	return s, nil
}

// PublishURL returns the URL a broadcaster pushes to for key.
func (ss *StreamService) PublishURL(key string) string {
	if ss.publishURL == "" {
		return ""
	}
	return ss.publishURL + "/" + key
}

// generateSecureKey generates a cryptographically secure random key
func generateSecureKey() (string, error) {
	bytes := make([]byte, 32) // 256 bits
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
