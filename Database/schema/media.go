package schema

import (
	"database/sql"
	"fmt"
	"strings"

	utils "kitch-ingest/pkg/utils"
)

// Statements are run one at a time so both the lib/pq and pgx drivers
// accept them.
var mediaStatements = []struct {
	name  string
	query string
}{
	{"update_updated_at_column", `
		CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = NOW();
			RETURN NEW;
		END;
		$$ language 'plpgsql'`},
	{"stream_sessions", `
		CREATE TABLE IF NOT EXISTS stream_sessions (
			session_key VARCHAR(255) PRIMARY KEY,
			channel_id VARCHAR(255) NOT NULL,
			state VARCHAR(16) NOT NULL DEFAULT 'idle',
			viewer_count INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP WITH TIME ZONE,
			ended_at TIMESTAMP WITH TIME ZONE,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			recording_path TEXT NOT NULL DEFAULT '',
			CONSTRAINT chk_stream_state CHECK (state IN ('idle', 'live', 'ended')),
			CONSTRAINT chk_viewer_count CHECK (viewer_count >= 0)
		)`},
	{"idx_stream_sessions_channel", `CREATE INDEX IF NOT EXISTS idx_stream_sessions_channel ON stream_sessions(channel_id)`},
	{"upload_sessions", `
		CREATE TABLE IF NOT EXISTS upload_sessions (
			id UUID PRIMARY KEY,
			declared_size BIGINT NOT NULL,
			received_size BIGINT NOT NULL DEFAULT 0,
			state VARCHAR(16) NOT NULL DEFAULT 'created',
			filename TEXT NOT NULL DEFAULT '',
			content_type VARCHAR(255) NOT NULL DEFAULT '',
			tags JSONB NOT NULL DEFAULT '{}',
			storage_path TEXT NOT NULL DEFAULT '',
			asset_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			CONSTRAINT chk_upload_received CHECK (received_size >= 0 AND received_size <= declared_size)
		)`},
	{"idx_upload_sessions_state", `CREATE INDEX IF NOT EXISTS idx_upload_sessions_state ON upload_sessions(state)`},
	{"media_assets", `
		CREATE TABLE IF NOT EXISTS media_assets (
			id UUID PRIMARY KEY,
			source_kind VARCHAR(32) NOT NULL,
			origin_id TEXT NOT NULL,
			state VARCHAR(16) NOT NULL DEFAULT 'processing',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			frame_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			hls_manifest TEXT NOT NULL DEFAULT '',
			dash_manifest TEXT NOT NULL DEFAULT '',
			thumbnails JSONB NOT NULL DEFAULT '[]',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`},
	{"idx_media_assets_origin", `CREATE INDEX IF NOT EXISTS idx_media_assets_origin ON media_assets(origin_id)`},
	{"idx_media_assets_state", `CREATE INDEX IF NOT EXISTS idx_media_assets_state ON media_assets(state)`},
	{"asset_renditions", `
		CREATE TABLE IF NOT EXISTS asset_renditions (
			asset_id UUID NOT NULL REFERENCES media_assets(id) ON DELETE CASCADE,
			name VARCHAR(64) NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			video_kbps INTEGER NOT NULL DEFAULT 0,
			audio_kbps INTEGER NOT NULL DEFAULT 0,
			state VARCHAR(16) NOT NULL DEFAULT 'pending',
			output_dir TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (asset_id, name)
		)`},
	{"update_upload_sessions_updated_at", `
		CREATE TRIGGER update_upload_sessions_updated_at
			BEFORE UPDATE ON upload_sessions
			FOR EACH ROW
			EXECUTE FUNCTION update_updated_at_column()`},
	{"update_media_assets_updated_at", `
		CREATE TRIGGER update_media_assets_updated_at
			BEFORE UPDATE ON media_assets
			FOR EACH ROW
			EXECUTE FUNCTION update_updated_at_column()`},
}

// CreateMediaTables creates the stream, upload and asset tables.
func CreateMediaTables(db *sql.DB) error {
	for _, stmt := range mediaStatements {
		if _, err := db.Exec(stmt.query); err != nil {
			dbErrStr := err.Error()
			// Triggers have no IF NOT EXISTS
			if strings.Contains(dbErrStr, "already exists") || strings.Contains(dbErrStr, "duplicate key value") {
				continue
			}
			utils.GetLogger().Errorf("Failed to create %s: %v", stmt.name, err)
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}

	utils.GetLogger().Info("Media tables created successfully")
	return nil
}
