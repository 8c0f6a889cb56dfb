package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUploadStateTransitions(t *testing.T) {
	cases := []struct {
		from, to UploadState
		ok       bool
	}{
		{UploadCreated, UploadReceiving, true},
		{UploadCreated, UploadFinalizing, false},
		{UploadReceiving, UploadReceiving, true},
		{UploadReceiving, UploadFinalizing, true},
		{UploadFinalizing, UploadComplete, true},
		{UploadFinalizing, UploadReceiving, false},
		{UploadComplete, UploadFailed, false},
		{UploadFailed, UploadReceiving, false},
		{UploadCreated, UploadFailed, true},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestUploadPercent(t *testing.T) {
	u := UploadSession{DeclaredSize: 300, ReceivedSize: 150}
	assert.InDelta(t, 50.0, u.Percent(), 0.001)
	assert.Zero(t, UploadSession{}.Percent())
}

func TestRenditionBandwidth(t *testing.T) {
	r := Rendition{VideoBitrate: 800, AudioBitrate: 96}
	assert.Equal(t, uint32(896000), r.Bandwidth())
}

func TestAssetCloneDoesNotShareRenditions(t *testing.T) {
	a := MediaAsset{Renditions: []Rendition{{Name: "360p"}}, Thumbnails: []string{"a.jpg"}}
	b := a.Clone()
	b.Renditions[0].State = RenditionDone
	b.Thumbnails[0] = "b.jpg"
	assert.Equal(t, RenditionState(""), a.Renditions[0].State)
	assert.Equal(t, "a.jpg", a.PrimaryThumbnail())
}
