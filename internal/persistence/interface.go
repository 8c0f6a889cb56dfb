// Package persistence is the boundary to the relational store. Nothing else
// in the pipeline reads or writes stream, upload or asset records.
package persistence

import (
	"context"
	"errors"

	"kitch-ingest/internal/models"
)

// ErrNotFound is returned by updates that target a missing record.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a create collides with an existing key.
var ErrDuplicate = errors.New("record already exists")

// Gateway defines the narrow set of record operations the pipeline issues.
// Lookups return (nil, nil) when the record does not exist.
type Gateway interface {
	// Stream sessions
	GetSession(ctx context.Context, key string) (*models.StreamSession, error)
	CreateSession(ctx context.Context, session *models.StreamSession) error
	UpdateSessionState(ctx context.Context, session *models.StreamSession) error

	// Upload sessions
	CreateUpload(ctx context.Context, upload *models.UploadSession) error
	GetUpload(ctx context.Context, id string) (*models.UploadSession, error)
	UpdateUpload(ctx context.Context, upload *models.UploadSession) error

	// Media assets
	CreateAsset(ctx context.Context, asset *models.MediaAsset) error
	GetAsset(ctx context.Context, id string) (*models.MediaAsset, error)
	UpdateAssetState(ctx context.Context, asset *models.MediaAsset) error
	// ListAssetIDs returns the ids of assets in state, oldest first.
	ListAssetIDs(ctx context.Context, state models.AssetState) ([]string, error)

	CheckConnection(ctx context.Context) error
}
