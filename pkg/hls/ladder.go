package hls

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Tier is one row of the quality table.
type Tier struct {
	Name      string `yaml:"name"`
	Height    int    `yaml:"height"`
	VideoKbps int    `yaml:"video_kbps"`
	AudioKbps int    `yaml:"audio_kbps"`
}

// DefaultLadder is used when no ladder file is configured.
var DefaultLadder = []Tier{
	{Name: "1080p", Height: 1080, VideoKbps: 5000, AudioKbps: 128},
	{Name: "720p", Height: 720, VideoKbps: 2800, AudioKbps: 128},
	{Name: "480p", Height: 480, VideoKbps: 1400, AudioKbps: 96},
	{Name: "360p", Height: 360, VideoKbps: 800, AudioKbps: 96},
}

type ladderFile struct {
	Tiers []Tier `yaml:"tiers"`
}

// LoadLadder reads a YAML ladder of the form
//
//	tiers:
//	  - {name: 720p, height: 720, video_kbps: 2800, audio_kbps: 128}
//
// An empty path returns DefaultLadder. Tiers are returned highest first.
func LoadLadder(path string) ([]Tier, error) {
	if path == "" {
		return SortLadder(DefaultLadder), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ladder file: %w", err)
	}

	var file ladderFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse ladder file: %w", err)
	}
	if len(file.Tiers) == 0 {
		return nil, fmt.Errorf("ladder file %s defines no tiers", path)
	}

	seen := make(map[string]bool, len(file.Tiers))
	for _, tier := range file.Tiers {
		switch {
		case tier.Name == "" || tier.Name == OriginalTier:
			return nil, fmt.Errorf("ladder tier has invalid name %q", tier.Name)
		case seen[tier.Name]:
			return nil, fmt.Errorf("ladder tier %q is defined twice", tier.Name)
		case tier.Height <= 0 || tier.VideoKbps <= 0 || tier.AudioKbps < 0:
			return nil, fmt.Errorf("ladder tier %q has invalid dimensions or bitrate", tier.Name)
		}
		seen[tier.Name] = true
	}

	return SortLadder(file.Tiers), nil
}

// OriginalTier names the native-resolution rendition.
const OriginalTier = "original"

// SortLadder returns a copy ordered by descending height.
func SortLadder(tiers []Tier) []Tier {
	out := append([]Tier(nil), tiers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Height > out[j].Height })
	return out
}
