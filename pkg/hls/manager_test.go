package hls

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleVariants = []Variant{
	{Name: "360p", Width: 640, Height: 360, Bandwidth: 896000},
	{Name: "original", Width: 1280, Height: 720, Bandwidth: 2928000},
	{Name: "720p", Width: 1280, Height: 720, Bandwidth: 2928000},
}

func TestRenderMasterOrdersVariants(t *testing.T) {
	content, err := RenderMaster(sampleVariants)
	require.NoError(t, err)

	text := string(content)
	assert.True(t, strings.HasPrefix(text, "#EXTM3U"))
	assert.Contains(t, text, "BANDWIDTH=896000")
	assert.Contains(t, text, "RESOLUTION=640x360")

	i720 := strings.Index(text, "720p/index.m3u8")
	iOrig := strings.Index(text, "original/index.m3u8")
	i360 := strings.Index(text, "360p/index.m3u8")
	require.True(t, i720 >= 0 && iOrig >= 0 && i360 >= 0)
	assert.Less(t, i720, iOrig)
	assert.Less(t, iOrig, i360)
}

func TestRenderMasterRequiresVariants(t *testing.T) {
	_, err := RenderMaster(nil)
	assert.Error(t, err)
}

func TestWriteMasterPlaylistIsIdempotent(t *testing.T) {
	m := NewManager(t.TempDir())

	rel, err := m.WriteMasterPlaylist("asset-1", sampleVariants)
	require.NoError(t, err)
	assert.Equal(t, "asset-1/master.m3u8", rel)

	path := filepath.Join(m.BasePath(), "asset-1", MasterPlaylistName)
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	reversed := []Variant{sampleVariants[2], sampleVariants[1], sampleVariants[0]}
	_, err = m.WriteMasterPlaylist("asset-1", reversed)
	require.NoError(t, err)
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	entries, err := os.ReadDir(m.AssetDir("asset-1"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".master-"), "temp file left behind: %s", e.Name())
	}
}

func TestCreateAssetDirectory(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.CreateAssetDirectory("a1", []string{"360p", "original"}))

	for _, dir := range []string{m.ThumbnailDir("a1"), m.RenditionDir("a1", "360p"), m.RenditionDir("a1", "original")} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	require.NoError(t, m.RemoveAsset("a1"))
	_, err := os.Stat(m.AssetDir("a1"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadLadder(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		tiers, err := LoadLadder("")
		require.NoError(t, err)
		require.Len(t, tiers, 4)
		assert.Equal(t, "1080p", tiers[0].Name)
		assert.Equal(t, "360p", tiers[3].Name)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ladder.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`tiers:
  - {name: 240p, height: 240, video_kbps: 400, audio_kbps: 64}
  - {name: 720p, height: 720, video_kbps: 2800, audio_kbps: 128}
`), 0644))

		tiers, err := LoadLadder(path)
		require.NoError(t, err)
		require.Len(t, tiers, 2)
		assert.Equal(t, Tier{Name: "720p", Height: 720, VideoKbps: 2800, AudioKbps: 128}, tiers[0])
		assert.Equal(t, "240p", tiers[1].Name)
	})

	t.Run("rejects reserved and duplicate names", func(t *testing.T) {
		dir := t.TempDir()
		reserved := filepath.Join(dir, "reserved.yaml")
		require.NoError(t, os.WriteFile(reserved, []byte("tiers:\n  - {name: original, height: 720, video_kbps: 1, audio_kbps: 1}\n"), 0644))
		_, err := LoadLadder(reserved)
		assert.Error(t, err)

		dup := filepath.Join(dir, "dup.yaml")
		require.NoError(t, os.WriteFile(dup, []byte("tiers:\n  - {name: a, height: 720, video_kbps: 1, audio_kbps: 1}\n  - {name: a, height: 360, video_kbps: 1, audio_kbps: 1}\n"), 0644))
		_, err = LoadLadder(dup)
		assert.Error(t, err)
	})
}
