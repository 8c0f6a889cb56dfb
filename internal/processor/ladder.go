package processor

import (
	"math"

	"kitch-ingest/internal/models"
	"kitch-ingest/pkg/hls"
)

// SelectLadder picks the renditions for a source of the given native size.
//
// Every tier no taller than the source is kept, the lowest tier is always
// kept, and an "original" rendition at native size is always added. When
// the height is unknown only the lowest tier and the original are used.
func SelectLadder(tiers []hls.Tier, width, height int) []models.Rendition {
	if len(tiers) == 0 {
		tiers = hls.DefaultLadder
	}
	ordered := hls.SortLadder(tiers)
	lowest := ordered[len(ordered)-1]

	var out []models.Rendition
	for i, tier := range ordered {
		if height > 0 && tier.Height <= height || i == len(ordered)-1 {
			out = append(out, models.Rendition{
				Name:         tier.Name,
				Width:        scaledWidth(width, height, tier.Height),
				Height:       tier.Height,
				VideoBitrate: tier.VideoKbps,
				AudioBitrate: tier.AudioKbps,
				State:        models.RenditionPending,
			})
		}
	}

	original := lowest
	if height > 0 {
		original = nearestAtOrAbove(ordered, height)
	}
	out = append(out, models.Rendition{
		Name:         hls.OriginalTier,
		Width:        width,
		Height:       height,
		VideoBitrate: original.VideoKbps,
		AudioBitrate: original.AudioKbps,
		State:        models.RenditionPending,
	})
	return out
}

// nearestAtOrAbove returns the shortest tier at least as tall as height,
// or the tallest tier when the source exceeds them all. ordered is sorted
// tallest first.
func nearestAtOrAbove(ordered []hls.Tier, height int) hls.Tier {
	best := ordered[0]
	for _, tier := range ordered {
		if tier.Height >= height {
			best = tier
		}
	}
	return best
}

// scaledWidth keeps the source aspect ratio, assuming 16:9 when it is
// unknown, and rounds to an even number for the encoder.
func scaledWidth(width, height, target int) int {
	ratio := 16.0 / 9.0
	if width > 0 && height > 0 {
		ratio = float64(width) / float64(height)
	}
	w := int(math.Round(float64(target) * ratio))
	if w%2 != 0 {
		w++
	}
	return w
}
