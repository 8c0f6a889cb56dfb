package models

var uploadTransitions = map[UploadState][]UploadState{
	UploadCreated:    {UploadReceiving, UploadFailed},
	UploadReceiving:  {UploadReceiving, UploadFinalizing, UploadFailed},
	UploadFinalizing: {UploadComplete, UploadFailed},
}

// CanTransition reports whether an upload may move from s to next.
// complete and failed are terminal.
func (s UploadState) CanTransition(next UploadState) bool {
	for _, allowed := range uploadTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s UploadState) Terminal() bool {
	return s == UploadComplete || s == UploadFailed
}

// Terminal reports whether the asset reached published or failed.
func (s AssetState) Terminal() bool {
	return s == AssetPublished || s == AssetFailed
}

// Terminal reports whether the rendition reached done or failed.
func (s RenditionState) Terminal() bool {
	return s == RenditionDone || s == RenditionFailed
}
