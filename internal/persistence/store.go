package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kitch-ingest/internal/models"
	utils "kitch-ingest/pkg/utils"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

type SQLGateway struct {
	db *sql.DB
}

func NewSQLGateway(db *sql.DB) *SQLGateway {
	return &SQLGateway{db: db}
}

// Stream Session Management

func (g *SQLGateway) GetSession(ctx context.Context, key string) (*models.StreamSession, error) {
	query := `
		SELECT session_key, channel_id, state, viewer_count, started_at, ended_at, duration_ms, recording_path
		FROM stream_sessions WHERE session_key = $1
	`

	s := &models.StreamSession{}
	var durationMs int64
	var recording sql.NullString
	err := g.db.QueryRowContext(ctx, query, key).Scan(
		&s.SessionKey, &s.ChannelID, &s.State, &s.ViewerCount,
		&s.StartedAt, &s.EndedAt, &durationMs, &recording,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		utils.GetLogger().Errorf("Error scanning stream session %s: %v", key, err)
		return nil, fmt.Errorf("get stream session: %w", err)
	}
	s.Duration = time.Duration(durationMs) * time.Millisecond
	s.RecordingPath = recording.String
	return s, nil
}

func (g *SQLGateway) CreateSession(ctx context.Context, session *models.StreamSession) error {
	if session.State == "" {
		session.State = models.StreamIdle
	}
	query := `
		INSERT INTO stream_sessions (session_key, channel_id, state, viewer_count, duration_ms)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := g.db.ExecContext(ctx, query,
		session.SessionKey, session.ChannelID, session.State, session.ViewerCount,
		session.Duration.Milliseconds(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		utils.GetLogger().Errorf("Error creating stream session: %v", err)
		return fmt.Errorf("create stream session: %w", err)
	}
	return nil
}

func (g *SQLGateway) UpdateSessionState(ctx context.Context, session *models.StreamSession) error {
	query := `
		UPDATE stream_sessions
		SET state = $1, viewer_count = $2, started_at = $3, ended_at = $4,
			duration_ms = $5, recording_path = $6, updated_at = NOW()
		WHERE session_key = $7
	`
	result, err := g.db.ExecContext(ctx, query,
		session.State, session.ViewerCount, session.StartedAt, session.EndedAt,
		session.Duration.Milliseconds(), nullString(session.RecordingPath), session.SessionKey,
	)
	if err != nil {
		utils.GetLogger().Errorf("Error updating stream session %s: %v", session.SessionKey, err)
		return fmt.Errorf("update stream session: %w", err)
	}
	return requireRow(result)
}

// Upload Session Management

func (g *SQLGateway) CreateUpload(ctx context.Context, upload *models.UploadSession) error {
	tags, err := json.Marshal(upload.Tags)
	if err != nil {
		return fmt.Errorf("encode upload tags: %w", err)
	}
	now := time.Now().UTC()
	upload.CreatedAt = now
	upload.UpdatedAt = now

	query := `
		INSERT INTO upload_sessions
			(id, declared_size, received_size, state, filename, content_type, tags, storage_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = g.db.ExecContext(ctx, query,
		upload.ID, upload.DeclaredSize, upload.ReceivedSize, upload.State,
		upload.Filename, upload.ContentType, tags, upload.StoragePath,
		upload.CreatedAt, upload.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		utils.GetLogger().Errorf("Error creating upload session: %v", err)
		return fmt.Errorf("create upload session: %w", err)
	}
	return nil
}

func (g *SQLGateway) GetUpload(ctx context.Context, id string) (*models.UploadSession, error) {
	query := `
		SELECT id, declared_size, received_size, state, filename, content_type, tags,
			storage_path, asset_id, created_at, updated_at
		FROM upload_sessions WHERE id = $1
	`
	u := &models.UploadSession{}
	var tags []byte
	var assetID sql.NullString
	err := g.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.DeclaredSize, &u.ReceivedSize, &u.State, &u.Filename, &u.ContentType,
		&tags, &u.StoragePath, &assetID, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		utils.GetLogger().Errorf("Error scanning upload session %s: %v", id, err)
		return nil, fmt.Errorf("get upload session: %w", err)
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &u.Tags); err != nil {
			return nil, fmt.Errorf("decode upload tags: %w", err)
		}
	}
	u.AssetID = assetID.String
	return u, nil
}

func (g *SQLGateway) UpdateUpload(ctx context.Context, upload *models.UploadSession) error {
	upload.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE upload_sessions
		SET received_size = $1, state = $2, storage_path = $3, asset_id = $4, updated_at = $5
		WHERE id = $6
	`
	result, err := g.db.ExecContext(ctx, query,
		upload.ReceivedSize, upload.State, upload.StoragePath, nullString(upload.AssetID),
		upload.UpdatedAt, upload.ID,
	)
	if err != nil {
		utils.GetLogger().Errorf("Error updating upload session %s: %v", upload.ID, err)
		return fmt.Errorf("update upload session: %w", err)
	}
	return requireRow(result)
}

// Media Asset Management

func (g *SQLGateway) CreateAsset(ctx context.Context, asset *models.MediaAsset) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		utils.GetLogger().Errorf("Failed to begin transaction: %v", err)
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	asset.CreatedAt = now
	asset.UpdatedAt = now

	thumbnails, err := json.Marshal(asset.Thumbnails)
	if err != nil {
		return fmt.Errorf("encode thumbnails: %w", err)
	}

	query := `
		INSERT INTO media_assets
			(id, source_kind, origin_id, state, duration_ms, width, height, frame_rate, size_bytes,
			 hls_manifest, dash_manifest, thumbnails, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = tx.ExecContext(ctx, query,
		asset.ID, asset.SourceKind, asset.OriginID, asset.State, asset.Duration.Milliseconds(),
		asset.Width, asset.Height, asset.FrameRate, asset.SizeBytes,
		asset.HLSManifest, asset.DASHManifest, thumbnails, asset.Error,
		asset.CreatedAt, asset.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		utils.GetLogger().Errorf("Error creating media asset: %v", err)
		return fmt.Errorf("create media asset: %w", err)
	}

	if err := upsertRenditions(ctx, tx, asset.ID, asset.Renditions); err != nil {
		return err
	}
	return tx.Commit()
}

func (g *SQLGateway) GetAsset(ctx context.Context, id string) (*models.MediaAsset, error) {
	query := `
		SELECT id, source_kind, origin_id, state, duration_ms, width, height, frame_rate, size_bytes,
			hls_manifest, dash_manifest, thumbnails, error, created_at, updated_at
		FROM media_assets WHERE id = $1
	`
	a := &models.MediaAsset{}
	var durationMs int64
	var thumbnails []byte
	err := g.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.SourceKind, &a.OriginID, &a.State, &durationMs, &a.Width, &a.Height,
		&a.FrameRate, &a.SizeBytes, &a.HLSManifest, &a.DASHManifest, &thumbnails, &a.Error,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		utils.GetLogger().Errorf("Error scanning media asset %s: %v", id, err)
		return nil, fmt.Errorf("get media asset: %w", err)
	}
	a.Duration = time.Duration(durationMs) * time.Millisecond
	if len(thumbnails) > 0 {
		if err := json.Unmarshal(thumbnails, &a.Thumbnails); err != nil {
			return nil, fmt.Errorf("decode thumbnails: %w", err)
		}
	}

	rows, err := g.db.QueryContext(ctx, `
		SELECT name, width, height, video_kbps, audio_kbps, state, output_dir
		FROM asset_renditions WHERE asset_id = $1 ORDER BY position
	`, id)
	if err != nil {
		utils.GetLogger().Errorf("Error querying renditions for asset %s: %v", id, err)
		return nil, fmt.Errorf("get asset renditions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.Rendition
		if err := rows.Scan(&r.Name, &r.Width, &r.Height, &r.VideoBitrate, &r.AudioBitrate, &r.State, &r.OutputDir); err != nil {
			return nil, fmt.Errorf("scan rendition: %w", err)
		}
		a.Renditions = append(a.Renditions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate renditions: %w", err)
	}
	return a, nil
}

func (g *SQLGateway) UpdateAssetState(ctx context.Context, asset *models.MediaAsset) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		utils.GetLogger().Errorf("Failed to begin transaction: %v", err)
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	asset.UpdatedAt = time.Now().UTC()
	thumbnails, err := json.Marshal(asset.Thumbnails)
	if err != nil {
		return fmt.Errorf("encode thumbnails: %w", err)
	}

	query := `
		UPDATE media_assets
		SET state = $1, duration_ms = $2, width = $3, height = $4, frame_rate = $5, size_bytes = $6,
			hls_manifest = $7, dash_manifest = $8, thumbnails = $9, error = $10, updated_at = $11
		WHERE id = $12
	`
	result, err := tx.ExecContext(ctx, query,
		asset.State, asset.Duration.Milliseconds(), asset.Width, asset.Height, asset.FrameRate,
		asset.SizeBytes, asset.HLSManifest, asset.DASHManifest, thumbnails, asset.Error,
		asset.UpdatedAt, asset.ID,
	)
	if err != nil {
		utils.GetLogger().Errorf("Error updating media asset %s: %v", asset.ID, err)
		return fmt.Errorf("update media asset: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	if err := upsertRenditions(ctx, tx, asset.ID, asset.Renditions); err != nil {
		return err
	}
	return tx.Commit()
}

func (g *SQLGateway) ListAssetIDs(ctx context.Context, state models.AssetState) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id FROM media_assets WHERE state = $1 ORDER BY created_at, id
	`, state)
	if err != nil {
		utils.GetLogger().Errorf("Error listing %s assets: %v", state, err)
		return nil, fmt.Errorf("list media assets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan media asset id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media assets: %w", err)
	}
	return ids, nil
}

// Utility Methods

func (g *SQLGateway) CheckConnection(ctx context.Context) error {
	return g.db.PingContext(ctx)
}

func upsertRenditions(ctx context.Context, tx *sql.Tx, assetID string, renditions []models.Rendition) error {
	query := `
		INSERT INTO asset_renditions
			(asset_id, name, position, width, height, video_kbps, audio_kbps, state, output_dir)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (asset_id, name) DO UPDATE
		SET state = EXCLUDED.state, output_dir = EXCLUDED.output_dir
	`
	for i, r := range renditions {
		_, err := tx.ExecContext(ctx, query,
			assetID, r.Name, i, r.Width, r.Height, r.VideoBitrate, r.AudioBitrate, r.State, r.OutputDir,
		)
		if err != nil {
			utils.GetLogger().Errorf("Error writing rendition %s for asset %s: %v", r.Name, assetID, err)
			return fmt.Errorf("write rendition %s: %w", r.Name, err)
		}
	}
	return nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation recognises 23505 from either registered driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
