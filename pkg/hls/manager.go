package hls

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/grafov/m3u8"
)

const (
	MasterPlaylistName  = "master.m3u8"
	RenditionIndexName  = "index.m3u8"
	SegmentPattern      = "segment_%05d.ts"
	ThumbnailsDirectory = "thumbnails"
)

// Variant is one finished rendition as referenced from the master playlist.
type Variant struct {
	Name      string
	Width     int
	Height    int
	Bandwidth uint32
}

// Manager owns the on-disk output layout:
//
//	<root>/<assetID>/master.m3u8
//	<root>/<assetID>/<rendition>/index.m3u8, segment_00000.ts, ...
//	<root>/<assetID>/thumbnails/
type Manager struct {
	basePath string
}

func NewManager(basePath string) *Manager {
	return &Manager{basePath: basePath}
}

func (m *Manager) BasePath() string {
	return m.basePath
}

func (m *Manager) AssetDir(assetID string) string {
	return filepath.Join(m.basePath, assetID)
}

func (m *Manager) RenditionDir(assetID, rendition string) string {
	return filepath.Join(m.basePath, assetID, rendition)
}

func (m *Manager) ThumbnailDir(assetID string) string {
	return filepath.Join(m.basePath, assetID, ThumbnailsDirectory)
}

// CreateAssetDirectory prepares the asset root, thumbnail directory and
// one directory per rendition.
func (m *Manager) CreateAssetDirectory(assetID string, renditions []string) error {
	paths := []string{m.AssetDir(assetID), m.ThumbnailDir(assetID)}
	for _, name := range renditions {
		paths = append(paths, m.RenditionDir(assetID, name))
	}

	for _, path := range paths {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// RenderMaster encodes the master playlist for variants. Variants are
// ordered by descending bandwidth, then name, so the same set always
// renders to the same bytes.
func RenderMaster(variants []Variant) ([]byte, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("master playlist needs at least one variant")
	}

	ordered := append([]Variant(nil), variants...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Bandwidth != ordered[j].Bandwidth {
			return ordered[i].Bandwidth > ordered[j].Bandwidth
		}
		return ordered[i].Name < ordered[j].Name
	})

	playlist := m3u8.NewMasterPlaylist()
	for _, v := range ordered {
		params := m3u8.VariantParams{Bandwidth: v.Bandwidth}
		if v.Width > 0 && v.Height > 0 {
			params.Resolution = fmt.Sprintf("%dx%d", v.Width, v.Height)
		}
		playlist.Append(v.Name+"/"+RenditionIndexName, nil, params)
	}

	var buf bytes.Buffer
	if _, err := playlist.Encode().WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteMasterPlaylist renders and atomically replaces the asset's master
// playlist. It returns the path relative to the output root. Re-running it
// for the same variants rewrites identical content.
func (m *Manager) WriteMasterPlaylist(assetID string, variants []Variant) (string, error) {
	content, err := RenderMaster(variants)
	if err != nil {
		return "", err
	}

	dir := m.AssetDir(assetID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".master-*.m3u8")
	if err != nil {
		return "", fmt.Errorf("create temp playlist: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write playlist: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync playlist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close playlist: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return "", fmt.Errorf("chmod playlist: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, MasterPlaylistName)); err != nil {
		return "", fmt.Errorf("publish playlist: %w", err)
	}

	return filepath.ToSlash(filepath.Join(assetID, MasterPlaylistName)), nil
}

// RemoveAsset deletes everything produced for an asset.
func (m *Manager) RemoveAsset(assetID string) error {
	return os.RemoveAll(m.AssetDir(assetID))
}
