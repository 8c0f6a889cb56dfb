package persistence

import (
	"context"
	"testing"
	"time"

	"kitch-ingest/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGatewaySessions(t *testing.T) {
	ctx := context.Background()
	gw := NewMemoryGateway()

	s, err := gw.GetSession(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, s)

	require.NoError(t, gw.CreateSession(ctx, &models.StreamSession{SessionKey: "k", ChannelID: "c"}))
	assert.ErrorIs(t, gw.CreateSession(ctx, &models.StreamSession{SessionKey: "k"}), ErrDuplicate)

	s, err = gw.GetSession(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, models.StreamIdle, s.State)

	s.State = models.StreamLive
	require.NoError(t, gw.UpdateSessionState(ctx, s))
	got, _ := gw.GetSession(ctx, "k")
	assert.Equal(t, models.StreamLive, got.State)

	assert.ErrorIs(t, gw.UpdateSessionState(ctx, &models.StreamSession{SessionKey: "other"}), ErrNotFound)
}

func TestMemoryGatewayAssetsAreCopied(t *testing.T) {
	ctx := context.Background()
	gw := NewMemoryGateway()
	asset := &models.MediaAsset{ID: "a", Renditions: []models.Rendition{{Name: "360p", State: models.RenditionPending}}}
	require.NoError(t, gw.CreateAsset(ctx, asset))

	asset.Renditions[0].State = models.RenditionDone
	stored, err := gw.GetAsset(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.RenditionPending, stored.Renditions[0].State)

	require.NoError(t, gw.UpdateAssetState(ctx, asset))
	stored, _ = gw.GetAsset(ctx, "a")
	assert.Equal(t, models.RenditionDone, stored.Renditions[0].State)
}

func TestMemoryGatewayListAssetIDs(t *testing.T) {
	ctx := context.Background()
	gw := NewMemoryGateway()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gw.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	require.NoError(t, gw.CreateAsset(ctx, &models.MediaAsset{ID: "late", State: models.AssetProcessing}))
	require.NoError(t, gw.CreateAsset(ctx, &models.MediaAsset{ID: "done", State: models.AssetPublished}))
	require.NoError(t, gw.CreateAsset(ctx, &models.MediaAsset{ID: "later", State: models.AssetProcessing}))

	ids, err := gw.ListAssetIDs(ctx, models.AssetProcessing)
	require.NoError(t, err)
	assert.Equal(t, []string{"late", "later"}, ids)
}
