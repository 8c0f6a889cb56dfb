// Package session is the in-memory registry of what is currently active:
// live stream sessions keyed by session key and uploads keyed by upload id.
// Every mutation is scoped to one key and applied under the store lock, so
// state checks and transitions are atomic.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"kitch-ingest/internal/models"
)

var (
	ErrAlreadyLive       = errors.New("stream session is already live")
	ErrNotLive           = errors.New("stream session is not live")
	ErrRepublishRejected = errors.New("stream session has ended and republish is disabled")
	ErrUnknownSession    = errors.New("unknown session")
	ErrUploadExists      = errors.New("upload already registered")
)

// RepublishPolicy decides what a publish attempt on an ended session does.
type RepublishPolicy int

const (
	// RepublishAllow starts a new live period on an ended session.
	RepublishAllow RepublishPolicy = iota
	// RepublishReject refuses publishing once a session has ended.
	RepublishReject
)

type Store struct {
	mu      sync.Mutex
	streams map[string]*models.StreamSession
	uploads map[string]*models.UploadSession
}

func NewStore() *Store {
	return &Store{
		streams: make(map[string]*models.StreamSession),
		uploads: make(map[string]*models.UploadSession),
	}
}

// Stream Sessions

// BeginLive moves the session for key into live. The provisioned record is
// used to seed the entry the first time a key is seen.
func (s *Store) BeginLive(provisioned models.StreamSession, policy RepublishPolicy, now time.Time) (models.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.streams[provisioned.SessionKey]
	if !ok {
		seed := provisioned
		if seed.State == "" || seed.State == models.StreamLive {
			// A live state left behind by a crashed process is stale.
			seed.State = models.StreamIdle
		}
		entry = &seed
		s.streams[seed.SessionKey] = entry
	}

	switch entry.State {
	case models.StreamLive:
		return *entry, ErrAlreadyLive
	case models.StreamEnded:
		if policy == RepublishReject {
			return *entry, ErrRepublishRejected
		}
	}

	started := now
	entry.State = models.StreamLive
	entry.StartedAt = &started
	entry.EndedAt = nil
	entry.Duration = 0
	entry.ViewerCount = 0
	entry.RecordingPath = ""
	return *entry, nil
}

// EndLive moves a live session to ended and records its duration.
func (s *Store) EndLive(key string, now time.Time) (models.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.streams[key]
	if !ok {
		return models.StreamSession{}, ErrUnknownSession
	}
	if entry.State != models.StreamLive {
		return *entry, ErrNotLive
	}
	ended := now
	entry.State = models.StreamEnded
	entry.EndedAt = &ended
	if entry.StartedAt != nil {
		entry.Duration = ended.Sub(*entry.StartedAt)
	}
	entry.ViewerCount = 0
	return *entry, nil
}

// AdjustViewers applies delta to a live session's viewer count, flooring
// the result at zero.
func (s *Store) AdjustViewers(key string, delta int) (models.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.streams[key]
	if !ok {
		return models.StreamSession{}, ErrUnknownSession
	}
	if entry.State != models.StreamLive {
		return *entry, ErrNotLive
	}
	entry.ViewerCount += delta
	if entry.ViewerCount < 0 {
		entry.ViewerCount = 0
	}
	return *entry, nil
}

// SetRecording records the capture file owned by the recorder for key.
func (s *Store) SetRecording(key, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.streams[key]
	if !ok {
		return ErrUnknownSession
	}
	entry.RecordingPath = path
	return nil
}

func (s *Store) Stream(key string) (models.StreamSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.streams[key]
	if !ok {
		return models.StreamSession{}, false
	}
	return *entry, true
}

// Streams returns a snapshot of every known stream session ordered by key.
func (s *Store) Streams() []models.StreamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StreamSession, 0, len(s.streams))
	for _, entry := range s.streams {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out
}

// LiveCount reports how many sessions are currently live.
func (s *Store) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entry := range s.streams {
		if entry.State == models.StreamLive {
			n++
		}
	}
	return n
}

// Upload Sessions

func (s *Store) PutUpload(upload models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.uploads[upload.ID]; exists {
		return ErrUploadExists
	}
	u := upload.Clone()
	s.uploads[upload.ID] = &u
	return nil
}

func (s *Store) Upload(id string) (models.UploadSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.uploads[id]
	if !ok {
		return models.UploadSession{}, false
	}
	return entry.Clone(), true
}

// UpdateUpload applies fn to the upload registered under id. fn sees a copy;
// the copy is stored only if fn returns nil, so a rejected update leaves
// the registry untouched.
func (s *Store) UpdateUpload(id string, fn func(u *models.UploadSession) error) (models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.uploads[id]
	if !ok {
		return models.UploadSession{}, ErrUnknownSession
	}
	working := entry.Clone()
	if err := fn(&working); err != nil {
		return entry.Clone(), err
	}
	if working.ReceivedSize > working.DeclaredSize {
		return entry.Clone(), fmt.Errorf("upload %s: received %d exceeds declared %d", id, working.ReceivedSize, working.DeclaredSize)
	}
	if working.ReceivedSize < entry.ReceivedSize {
		return entry.Clone(), fmt.Errorf("upload %s: received size cannot decrease", id)
	}
	*entry = working
	return working.Clone(), nil
}

// TransitionUpload moves an upload to next if the state machine allows it.
func (s *Store) TransitionUpload(id string, next models.UploadState) (models.UploadSession, error) {
	return s.UpdateUpload(id, func(u *models.UploadSession) error {
		if !u.State.CanTransition(next) {
			return fmt.Errorf("upload %s: invalid transition %s -> %s", id, u.State, next)
		}
		u.State = next
		return nil
	})
}
