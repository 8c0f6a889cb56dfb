// Package upload implements resumable uploads: a client declares the total
// size, appends strictly sequential byte ranges, and finalizes once every
// byte has arrived. Finalized files are handed to the media processor.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"

	"kitch-ingest/internal/metrics"
	"kitch-ingest/internal/models"
	"kitch-ingest/internal/persistence"
	"kitch-ingest/internal/processor"
	"kitch-ingest/internal/progress"
	"kitch-ingest/internal/session"
	utils "kitch-ingest/pkg/utils"
)

var (
	ErrNotFound          = errors.New("upload not found")
	ErrInvalidSize       = errors.New("declared size must be positive")
	ErrTooLarge          = errors.New("declared size exceeds maximum")
	ErrContentType       = errors.New("content type not allowed")
	ErrInsufficientSpace = errors.New("insufficient scratch space")
	ErrOffsetMismatch    = errors.New("offset does not match received bytes")
	ErrOverflow          = errors.New("chunk exceeds declared size")
	ErrIncomplete        = errors.New("upload is incomplete")
	ErrAborted           = errors.New("upload was aborted")
	ErrAlreadyComplete   = errors.New("upload already finalized")
	ErrBusy              = errors.New("upload is being finalized")
)

// AssetSink receives finalized files.
type AssetSink interface {
	Accept(ctx context.Context, src processor.Source) (*models.MediaAsset, error)
}

type Config struct {
	ScratchDir   string
	SourceDir    string
	MaxSize      int64
	MinFreeBytes int64
	AllowedTypes []string
}

// CreateRequest is the metadata declared when an upload starts.
type CreateRequest struct {
	Size        int64
	Filename    string
	ContentType string
	Tags        map[string]string
}

// FreeSpaceFunc reports free bytes on the volume holding path.
type FreeSpaceFunc func(path string) (uint64, error)

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// uploadLock serializes appends for one upload. cancel interrupts the
// append in flight when the upload is aborted.
type uploadLock struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

type Service struct {
	cfg       Config
	sessions  *session.Store
	gateway   persistence.Gateway
	sink      AssetSink
	progress  progress.Publisher
	metrics   *metrics.Metrics
	freeSpace FreeSpaceFunc
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*uploadLock
}

func NewService(cfg Config, sessions *session.Store, gateway persistence.Gateway, sink AssetSink, pub progress.Publisher, m *metrics.Metrics) (*Service, error) {
	for _, dir := range []string{cfg.ScratchDir, cfg.SourceDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &Service{
		cfg:       cfg,
		sessions:  sessions,
		gateway:   gateway,
		sink:      sink,
		progress:  pub,
		metrics:   m,
		freeSpace: diskFree,
		now:       time.Now,
		locks:     make(map[string]*uploadLock),
	}, nil
}

// SetFreeSpaceFunc replaces the disk probe.
func (s *Service) SetFreeSpaceFunc(fn FreeSpaceFunc) {
	s.freeSpace = fn
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (models.UploadSession, error) {
	if req.Size <= 0 {
		return models.UploadSession{}, ErrInvalidSize
	}
	if s.cfg.MaxSize > 0 && req.Size > s.cfg.MaxSize {
		return models.UploadSession{}, ErrTooLarge
	}
	if !s.typeAllowed(req.ContentType) {
		return models.UploadSession{}, ErrContentType
	}
	if s.freeSpace != nil {
		free, err := s.freeSpace(s.cfg.ScratchDir)
		if err != nil {
			utils.GetLogger().Warnf("Free space check failed for %s: %v", s.cfg.ScratchDir, err)
		} else if free < uint64(req.Size)+uint64(s.cfg.MinFreeBytes) {
			return models.UploadSession{}, ErrInsufficientSpace
		}
	}

	now := s.now().UTC()
	u := models.UploadSession{
		ID:           uuid.New().String(),
		DeclaredSize: req.Size,
		State:        models.UploadCreated,
		Filename:     sanitizeFilename(req.Filename),
		ContentType:  req.ContentType,
		Tags:         req.Tags,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	u.StoragePath = filepath.Join(s.cfg.ScratchDir, u.ID+".part")

	f, err := os.OpenFile(u.StoragePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("allocate upload storage: %w", err)
	}
	f.Close()

	if err := s.gateway.CreateUpload(ctx, &u); err != nil {
		os.Remove(u.StoragePath)
		return models.UploadSession{}, fmt.Errorf("record upload: %w", err)
	}
	if err := s.sessions.PutUpload(u); err != nil {
		os.Remove(u.StoragePath)
		return models.UploadSession{}, err
	}

	s.metrics.UploadCreated()
	s.logger(u.ID).WithFields(logrus.Fields{
		"size":     u.DeclaredSize,
		"filename": u.Filename,
	}).Info("Upload created")
	s.emit(ctx, u, nil)
	return u, nil
}

// AppendChunk writes the bytes read from r at offset. offset must equal
// the bytes received so far. Calls for the same upload are serialized.
func (s *Service) AppendChunk(ctx context.Context, id string, offset int64, r io.Reader) (models.UploadSession, error) {
	lock, err := s.lockFor(ctx, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	lock.mu.Lock()
	defer lock.mu.Unlock()

	u, ok := s.sessions.Upload(id)
	if !ok {
		return models.UploadSession{}, ErrNotFound
	}
	if err := writableState(u.State); err != nil {
		s.releaseTerminal(u)
		return u, err
	}
	if offset != u.ReceivedSize {
		return u, ErrOffsetMismatch
	}

	remaining := u.DeclaredSize - u.ReceivedSize
	f, err := os.OpenFile(u.StoragePath, os.O_WRONLY, 0644)
	if err != nil {
		return u, fmt.Errorf("open upload storage: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return u, fmt.Errorf("seek upload storage: %w", err)
	}

	// One byte past the remaining size is enough to detect overflow.
	copyCtx, stop := mergeDone(ctx, lock.ctx)
	n, copyErr := copyWithContext(copyCtx, f, io.LimitReader(r, remaining+1))
	stop()
	if n > remaining {
		if err := f.Truncate(offset); err != nil {
			s.logger(id).Errorf("Failed to truncate overflowing chunk: %v", err)
		}
		return u, ErrOverflow
	}
	if lock.ctx.Err() != nil {
		return u, ErrAborted
	}
	if n == 0 && copyErr != nil {
		return u, fmt.Errorf("read chunk: %w", copyErr)
	}

	// Bytes that reached the file count even if the body was cut short, so
	// the client can resume from the new offset.
	updated, err := s.sessions.UpdateUpload(id, func(cur *models.UploadSession) error {
		if !cur.State.CanTransition(models.UploadReceiving) {
			return fmt.Errorf("upload %s is %s", id, cur.State)
		}
		cur.State = models.UploadReceiving
		cur.ReceivedSize += n
		cur.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		f.Truncate(offset)
		return u, err
	}

	s.metrics.AddUploadBytes(n)
	s.persist(ctx, updated)
	s.emit(ctx, updated, progress.Percent(updated.Percent()))

	if copyErr != nil {
		return updated, fmt.Errorf("read chunk: %w", copyErr)
	}
	return updated, nil
}

// Finalize moves a fully received upload to stable storage, creates its
// asset and hands it to the processor.
func (s *Service) Finalize(ctx context.Context, id string) (models.UploadSession, *models.MediaAsset, error) {
	lock, err := s.lockFor(ctx, id)
	if err != nil {
		return models.UploadSession{}, nil, err
	}
	lock.mu.Lock()
	defer lock.mu.Unlock()

	u, ok := s.sessions.Upload(id)
	if !ok {
		return models.UploadSession{}, nil, ErrNotFound
	}
	if err := writableState(u.State); err != nil {
		s.releaseTerminal(u)
		return u, nil, err
	}
	if u.ReceivedSize != u.DeclaredSize {
		return u, nil, ErrIncomplete
	}

	u, err = s.sessions.TransitionUpload(id, models.UploadFinalizing)
	if err != nil {
		return u, nil, err
	}
	s.persist(ctx, u)
	s.emit(ctx, u, progress.Percent(100))

	stable := filepath.Join(s.cfg.SourceDir, u.ID+filepath.Ext(u.Filename))
	if err := moveFile(u.StoragePath, stable); err != nil {
		return s.failFinalize(ctx, u, fmt.Errorf("move upload to storage: %w", err))
	}
	u, _ = s.sessions.UpdateUpload(id, func(cur *models.UploadSession) error {
		cur.StoragePath = stable
		return nil
	})

	asset, err := s.sink.Accept(ctx, processor.Source{
		Kind:      models.SourceUpload,
		OriginID:  u.ID,
		Path:      stable,
		SizeBytes: u.DeclaredSize,
	})
	if err != nil {
		return s.failFinalize(ctx, u, fmt.Errorf("hand off to processor: %w", err))
	}

	u, err = s.sessions.UpdateUpload(id, func(cur *models.UploadSession) error {
		if !cur.State.CanTransition(models.UploadComplete) {
			return fmt.Errorf("upload %s is %s", id, cur.State)
		}
		cur.State = models.UploadComplete
		cur.AssetID = asset.ID
		cur.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return u, asset, err
	}
	s.persist(ctx, u)
	s.release(id)

	s.metrics.UploadCompleted()
	s.logger(id).WithField("asset_id", asset.ID).Info("Upload finalized")
	s.emitExtra(ctx, u, progress.Percent(100), map[string]interface{}{"asset_id": asset.ID})
	return u, asset, nil
}

func (s *Service) failFinalize(ctx context.Context, u models.UploadSession, cause error) (models.UploadSession, *models.MediaAsset, error) {
	failed, err := s.sessions.TransitionUpload(u.ID, models.UploadFailed)
	if err != nil {
		s.logger(u.ID).Errorf("Failed to mark upload failed: %v", err)
		failed = u
	}
	os.Remove(failed.StoragePath)
	s.persist(ctx, failed)
	s.release(u.ID)
	s.metrics.UploadFailed()
	s.logger(u.ID).Errorf("Finalize failed: %v", cause)
	s.emitExtra(ctx, failed, nil, map[string]interface{}{"error": cause.Error()})
	return failed, nil, cause
}

// Abort cancels any append in flight, deletes the partial file and marks
// the upload failed. Aborting an already failed upload is a no-op.
func (s *Service) Abort(ctx context.Context, id string) error {
	lock, err := s.lockFor(ctx, id)
	if err != nil {
		return err
	}
	lock.cancel()
	lock.mu.Lock()
	defer lock.mu.Unlock()

	u, ok := s.sessions.Upload(id)
	if !ok {
		return ErrNotFound
	}
	switch u.State {
	case models.UploadFailed:
		s.release(id)
		return nil
	case models.UploadComplete:
		s.release(id)
		return ErrAlreadyComplete
	case models.UploadFinalizing:
		return ErrBusy
	}

	u, err = s.sessions.TransitionUpload(id, models.UploadFailed)
	if err != nil {
		return err
	}
	if err := os.Remove(u.StoragePath); err != nil && !os.IsNotExist(err) {
		s.logger(id).Warnf("Failed to delete upload storage: %v", err)
	}
	s.persist(ctx, u)
	s.release(id)

	s.metrics.UploadFailed()
	s.logger(id).Info("Upload aborted")
	s.emitExtra(ctx, u, progress.Percent(u.Percent()), map[string]interface{}{"aborted": true})
	return nil
}

// Status returns the current view of an upload.
func (s *Service) Status(ctx context.Context, id string) (models.UploadSession, error) {
	if u, ok := s.sessions.Upload(id); ok {
		return u, nil
	}
	u, err := s.gateway.GetUpload(ctx, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	if u == nil {
		return models.UploadSession{}, ErrNotFound
	}
	if u.State != models.UploadFinalizing {
		return *u, nil
	}
	if err := s.restore(ctx, *u); err != nil {
		return models.UploadSession{}, err
	}
	restored, _ := s.sessions.Upload(id)
	return restored, nil
}

// lockFor returns the append lock for id, restoring an unfinished upload
// from the database if this process has not seen it yet.
func (s *Service) lockFor(ctx context.Context, id string) (*uploadLock, error) {
	if _, ok := s.sessions.Upload(id); !ok {
		stored, err := s.gateway.GetUpload(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, ErrNotFound
		}
		if err := s.restore(ctx, *stored); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lockCtx, cancel := context.WithCancel(context.Background())
		lock = &uploadLock{ctx: lockCtx, cancel: cancel}
		s.locks[id] = lock
	}
	return lock, nil
}

// restore registers an upload loaded from the database with the session
// store, failing it if a previous process died while finalizing it.
func (s *Service) restore(ctx context.Context, stored models.UploadSession) error {
	if err := s.sessions.PutUpload(stored); err != nil && !errors.Is(err, session.ErrUploadExists) {
		return err
	}
	if stored.State == models.UploadFinalizing {
		s.failInterrupted(ctx, stored)
	}
	return nil
}

// failInterrupted fails an upload that a previous process left in
// finalizing. Nothing in this process owns that finalize, so it could
// otherwise never complete or be aborted. The scratch file is removed; a
// source file that was already moved stays with its asset.
func (s *Service) failInterrupted(ctx context.Context, u models.UploadSession) {
	failed, err := s.sessions.TransitionUpload(u.ID, models.UploadFailed)
	if err != nil {
		// Another caller restored and failed it first.
		return
	}
	if err := os.Remove(u.StoragePath); err != nil && !os.IsNotExist(err) {
		s.logger(u.ID).Warnf("Failed to delete upload storage: %v", err)
	}
	s.persist(ctx, failed)
	s.metrics.UploadFailed()
	s.logger(u.ID).Warn("Upload was interrupted while finalizing")
	s.emitExtra(ctx, failed, nil, map[string]interface{}{"error": "finalize interrupted"})
}

// release drops the lock entry of an upload that reached a terminal state.
func (s *Service) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, id)
}

func (s *Service) releaseTerminal(u models.UploadSession) {
	if u.State == models.UploadComplete || u.State == models.UploadFailed {
		s.release(u.ID)
	}
}

func (s *Service) persist(ctx context.Context, u models.UploadSession) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.gateway.UpdateUpload(ctx, &u); err != nil {
		s.logger(u.ID).Errorf("Failed to persist upload: %v", err)
	}
}

func (s *Service) emit(ctx context.Context, u models.UploadSession, pct *float64) {
	s.emitExtra(ctx, u, pct, nil)
}

func (s *Service) emitExtra(ctx context.Context, u models.UploadSession, pct *float64, extra map[string]interface{}) {
	if s.progress == nil {
		return
	}
	if extra == nil {
		extra = map[string]interface{}{}
	}
	extra["received"] = u.ReceivedSize
	extra["declared"] = u.DeclaredSize
	s.progress.Publish(context.WithoutCancel(ctx), progress.Event{
		ID:      u.ID,
		Type:    progress.TypeUpload,
		State:   string(u.State),
		Percent: pct,
		Extra:   extra,
	})
}

func (s *Service) logger(id string) *logrus.Entry {
	return utils.WithField("upload_id", id)
}

func (s *Service) typeAllowed(contentType string) bool {
	if len(s.cfg.AllowedTypes) == 0 {
		return true
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, allowed := range s.cfg.AllowedTypes {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == ct {
			return true
		}
		if strings.HasSuffix(allowed, "/*") && strings.HasPrefix(ct, strings.TrimSuffix(allowed, "*")) {
			return true
		}
	}
	return false
}

func writableState(state models.UploadState) error {
	switch state {
	case models.UploadFailed:
		return ErrAborted
	case models.UploadComplete:
		return ErrAlreadyComplete
	case models.UploadFinalizing:
		return ErrBusy
	}
	return nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// copyWithContext copies until EOF, an error, or ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 256<<10)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// mergeDone returns a context cancelled when either parent is.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
