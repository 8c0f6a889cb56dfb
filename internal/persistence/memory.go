package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kitch-ingest/internal/models"
)

// MemoryGateway keeps records in process memory. It backs tests and
// DB_ENABLED=false deployments.
type MemoryGateway struct {
	mu       sync.RWMutex
	sessions map[string]models.StreamSession
	uploads  map[string]models.UploadSession
	assets   map[string]models.MediaAsset
	now      func() time.Time
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		sessions: make(map[string]models.StreamSession),
		uploads:  make(map[string]models.UploadSession),
		assets:   make(map[string]models.MediaAsset),
		now:      time.Now,
	}
}

func (g *MemoryGateway) GetSession(ctx context.Context, key string) (*models.StreamSession, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (g *MemoryGateway) CreateSession(ctx context.Context, session *models.StreamSession) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.sessions[session.SessionKey]; exists {
		return fmt.Errorf("stream session %s: %w", session.SessionKey, ErrDuplicate)
	}
	if session.State == "" {
		session.State = models.StreamIdle
	}
	g.sessions[session.SessionKey] = *session
	return nil
}

func (g *MemoryGateway) UpdateSessionState(ctx context.Context, session *models.StreamSession) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.sessions[session.SessionKey]; !exists {
		return ErrNotFound
	}
	g.sessions[session.SessionKey] = *session
	return nil
}

func (g *MemoryGateway) CreateUpload(ctx context.Context, upload *models.UploadSession) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.uploads[upload.ID]; exists {
		return fmt.Errorf("upload %s: %w", upload.ID, ErrDuplicate)
	}
	now := g.now()
	upload.CreatedAt = now
	upload.UpdatedAt = now
	g.uploads[upload.ID] = upload.Clone()
	return nil
}

func (g *MemoryGateway) GetUpload(ctx context.Context, id string) (*models.UploadSession, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.uploads[id]
	if !ok {
		return nil, nil
	}
	u = u.Clone()
	return &u, nil
}

func (g *MemoryGateway) UpdateUpload(ctx context.Context, upload *models.UploadSession) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.uploads[upload.ID]; !exists {
		return ErrNotFound
	}
	upload.UpdatedAt = g.now()
	g.uploads[upload.ID] = upload.Clone()
	return nil
}

func (g *MemoryGateway) CreateAsset(ctx context.Context, asset *models.MediaAsset) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.assets[asset.ID]; exists {
		return fmt.Errorf("asset %s: %w", asset.ID, ErrDuplicate)
	}
	now := g.now()
	asset.CreatedAt = now
	asset.UpdatedAt = now
	g.assets[asset.ID] = asset.Clone()
	return nil
}

func (g *MemoryGateway) GetAsset(ctx context.Context, id string) (*models.MediaAsset, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.assets[id]
	if !ok {
		return nil, nil
	}
	a = a.Clone()
	return &a, nil
}

func (g *MemoryGateway) UpdateAssetState(ctx context.Context, asset *models.MediaAsset) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.assets[asset.ID]; !exists {
		return ErrNotFound
	}
	asset.UpdatedAt = g.now()
	g.assets[asset.ID] = asset.Clone()
	return nil
}

func (g *MemoryGateway) ListAssetIDs(ctx context.Context, state models.AssetState) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var matched []models.MediaAsset
	for _, a := range g.assets {
		if a.State == state {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	ids := make([]string, 0, len(matched))
	for _, a := range matched {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (g *MemoryGateway) CheckConnection(ctx context.Context) error {
	return nil
}
