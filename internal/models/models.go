// Package models holds the records the ingestion pipeline tracks: live
// stream sessions, resumable uploads, media assets and their renditions.
package models

import (
	"time"
)

type StreamState string

const (
	StreamIdle  StreamState = "idle"
	StreamLive  StreamState = "live"
	StreamEnded StreamState = "ended"
)

type UploadState string

const (
	UploadCreated    UploadState = "created"
	UploadReceiving  UploadState = "receiving"
	UploadFinalizing UploadState = "finalizing"
	UploadComplete   UploadState = "complete"
	UploadFailed     UploadState = "failed"
)

type AssetState string

const (
	AssetProcessing AssetState = "processing"
	AssetPublished  AssetState = "published"
	AssetFailed     AssetState = "failed"
)

type SourceKind string

const (
	SourceUpload        SourceKind = "upload"
	SourceLiveRecording SourceKind = "live-recording"
)

type RenditionState string

const (
	RenditionPending  RenditionState = "pending"
	RenditionEncoding RenditionState = "encoding"
	RenditionDone     RenditionState = "done"
	RenditionFailed   RenditionState = "failed"
)

// StreamSession is one provisioned live-push key and its current live period.
type StreamSession struct {
	SessionKey    string        `json:"session_key" db:"session_key"`
	ChannelID     string        `json:"channel_id" db:"channel_id"`
	State         StreamState   `json:"state" db:"state"`
	StartedAt     *time.Time    `json:"started_at,omitempty" db:"started_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
	Duration      time.Duration `json:"duration" db:"duration_ms"`
	ViewerCount   int           `json:"viewer_count" db:"viewer_count"`
	RecordingPath string        `json:"recording_path,omitempty" db:"recording_path"`
}

// UploadSession is one resumable transfer.
type UploadSession struct {
	ID           string            `json:"id" db:"id"`
	DeclaredSize int64             `json:"declared_size" db:"declared_size"`
	ReceivedSize int64             `json:"received_size" db:"received_size"`
	State        UploadState       `json:"state" db:"state"`
	Filename     string            `json:"filename" db:"filename"`
	ContentType  string            `json:"content_type" db:"content_type"`
	Tags         map[string]string `json:"tags,omitempty" db:"tags"`
	StoragePath  string            `json:"-" db:"storage_path"`
	AssetID      string            `json:"asset_id,omitempty" db:"asset_id"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// Percent reports received/declared as a value in [0, 100].
func (u UploadSession) Percent() float64 {
	if u.DeclaredSize <= 0 {
		return 0
	}
	return float64(u.ReceivedSize) * 100 / float64(u.DeclaredSize)
}

// Rendition is one bitrate/resolution variant owned by a single asset.
type Rendition struct {
	Name         string         `json:"name" db:"name"`
	Width        int            `json:"width" db:"width"`
	Height       int            `json:"height" db:"height"`
	VideoBitrate int            `json:"video_kbps" db:"video_kbps"`
	AudioBitrate int            `json:"audio_kbps" db:"audio_kbps"`
	State        RenditionState `json:"state" db:"state"`
	OutputDir    string         `json:"output_dir" db:"output_dir"`
}

// Bandwidth is the declared peak bandwidth in bits per second.
func (r Rendition) Bandwidth() uint32 {
	return uint32((r.VideoBitrate + r.AudioBitrate) * 1000)
}

// MediaAsset is the durable output unit.
type MediaAsset struct {
	ID           string        `json:"id" db:"id"`
	SourceKind   SourceKind    `json:"source_kind" db:"source_kind"`
	OriginID     string        `json:"origin_id" db:"origin_id"`
	State        AssetState    `json:"state" db:"state"`
	Duration     time.Duration `json:"duration" db:"duration_ms"`
	Width        int           `json:"width" db:"width"`
	Height       int           `json:"height" db:"height"`
	FrameRate    float64       `json:"frame_rate" db:"frame_rate"`
	SizeBytes    int64         `json:"size_bytes" db:"size_bytes"`
	Renditions   []Rendition   `json:"renditions"`
	HLSManifest  string        `json:"hls_manifest,omitempty" db:"hls_manifest"`
	DASHManifest string        `json:"dash_manifest,omitempty" db:"dash_manifest"`
	Thumbnails   []string      `json:"thumbnails,omitempty" db:"thumbnails"`
	Error        string        `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// PrimaryThumbnail returns the first generated thumbnail, if any.
func (a MediaAsset) PrimaryThumbnail() string {
	if len(a.Thumbnails) == 0 {
		return ""
	}
	return a.Thumbnails[0]
}

// Clone returns a deep copy so callers never share rendition slices.
func (a MediaAsset) Clone() MediaAsset {
	out := a
	if a.Renditions != nil {
		out.Renditions = append([]Rendition(nil), a.Renditions...)
	}
	if a.Thumbnails != nil {
		out.Thumbnails = append([]string(nil), a.Thumbnails...)
	}
	return out
}

// Clone returns a deep copy of the upload session.
func (u UploadSession) Clone() UploadSession {
	out := u
	if u.Tags != nil {
		out.Tags = make(map[string]string, len(u.Tags))
		for k, v := range u.Tags {
			out.Tags[k] = v
		}
	}
	return out
}
