// Package processor turns a finished source file into a published asset:
// probe, thumbnails, ladder selection, bounded parallel encodes and the
// master playlist.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"kitch-ingest/internal/metrics"
	"kitch-ingest/internal/models"
	"kitch-ingest/internal/persistence"
	"kitch-ingest/internal/progress"
	"kitch-ingest/pkg/ffmpeg"
	"kitch-ingest/pkg/hls"
	utils "kitch-ingest/pkg/utils"
)

// Encoder is the external media tool.
type Encoder interface {
	Probe(ctx context.Context, inputPath string, tolerant bool) (ffmpeg.MediaInfo, error)
	Thumbnail(ctx context.Context, inputPath, outputPath string, at time.Duration) error
	Encode(ctx context.Context, inputPath string, spec ffmpeg.RenditionSpec, onProgress func(time.Duration)) error
}

const (
	ProbeFatal   = "fatal"
	ProbeLenient = "lenient"
)

var (
	ErrShuttingDown = errors.New("processor is shutting down")
	ErrInterrupted  = errors.New("processing was interrupted by a restart")
)

// Thumbnail positions as fractions of the duration.
var thumbnailPositions = []float64{0.1, 0.3, 0.5, 0.7, 0.9}

type Config struct {
	Workers         int
	EncodeRetries   int
	EncodeTimeout   time.Duration
	ProbeRetries    int
	RetryInterval   time.Duration
	SegmentDuration int
	// TruncatedProbe is ProbeFatal or ProbeLenient and only applies to
	// sources marked truncated.
	TruncatedProbe string
	Ladder         []hls.Tier
}

// Source is a finished file handed over by the upload receiver or the
// recorder.
type Source struct {
	Kind      models.SourceKind
	OriginID  string
	OwnerID   string
	Path      string
	SizeBytes int64
	Truncated bool
}

type Processor struct {
	cfg      Config
	encoder  Encoder
	store    persistence.Gateway
	output   *hls.Manager
	progress progress.Publisher
	notifier progress.Notifier
	metrics  *metrics.Metrics

	slots *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]struct{}
}

func New(cfg Config, encoder Encoder, store persistence.Gateway, output *hls.Manager, pub progress.Publisher, notifier progress.Notifier, m *metrics.Metrics) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 6
	}
	if cfg.TruncatedProbe == "" {
		cfg.TruncatedProbe = ProbeFatal
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = hls.DefaultLadder
	}
	if notifier == nil {
		notifier = progress.LogNotifier{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		cfg:      cfg,
		encoder:  encoder,
		store:    store,
		output:   output,
		progress: pub,
		notifier: notifier,
		metrics:  m,
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]struct{}),
	}
}

// Accept records a new asset in processing state and starts working on it
// in the background. The returned asset is a snapshot taken at creation.
func (p *Processor) Accept(ctx context.Context, src Source) (*models.MediaAsset, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	asset := &models.MediaAsset{
		ID:         uuid.New().String(),
		SourceKind: src.Kind,
		OriginID:   src.OriginID,
		State:      models.AssetProcessing,
		SizeBytes:  src.SizeBytes,
	}
	if err := p.store.CreateAsset(ctx, asset); err != nil {
		p.wg.Done()
		return nil, fmt.Errorf("create asset: %w", err)
	}

	p.mu.Lock()
	p.running[asset.ID] = struct{}{}
	p.mu.Unlock()

	snapshot := asset.Clone()
	p.emit(asset.ID, string(models.AssetProcessing), progress.Percent(0), map[string]interface{}{
		"source_kind": src.Kind,
		"origin_id":   src.OriginID,
	})
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.running, asset.ID)
			p.mu.Unlock()
		}()
		p.process(asset, src)
	}()
	return &snapshot, nil
}

// RecoverInterrupted fails assets that a previous process left in
// processing. It runs at startup, before any Accept.
func (p *Processor) RecoverInterrupted(ctx context.Context) (int, error) {
	ids, err := p.store.ListAssetIDs(ctx, models.AssetProcessing)
	if err != nil {
		return 0, fmt.Errorf("list interrupted assets: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		p.mu.Lock()
		_, running := p.running[id]
		p.mu.Unlock()
		if running {
			continue
		}

		asset, err := p.store.GetAsset(ctx, id)
		if err != nil {
			return recovered, fmt.Errorf("load asset %s: %w", id, err)
		}
		if asset == nil || asset.State != models.AssetProcessing {
			continue
		}
		j := &job{
			asset:   asset,
			src:     Source{Kind: asset.SourceKind, OriginID: asset.OriginID},
			percent: make(map[string]float64),
			log: utils.WithFields(logrus.Fields{
				"asset_id": asset.ID,
				"source":   asset.SourceKind,
				"origin":   asset.OriginID,
			}),
		}
		p.fail(j, ErrInterrupted)
		recovered++
	}
	return recovered, nil
}

// InFlight reports how many assets are being processed.
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Shutdown stops accepting work and waits for in-flight assets. When ctx
// expires first, running encodes are cancelled and their assets fail.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// job carries the mutable state of one asset through the pipeline.
type job struct {
	mu      sync.Mutex
	asset   *models.MediaAsset
	src     Source
	percent map[string]float64
	log     *logrus.Entry
}

func (j *job) snapshot() models.MediaAsset {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.asset.Clone()
}

func (p *Processor) process(asset *models.MediaAsset, src Source) {
	j := &job{
		asset:   asset,
		src:     src,
		percent: make(map[string]float64),
		log: utils.WithFields(logrus.Fields{
			"asset_id": asset.ID,
			"source":   src.Kind,
			"origin":   src.OriginID,
		}),
	}
	ctx := p.ctx

	info, err := p.probe(ctx, j)
	if err != nil {
		p.fail(j, fmt.Errorf("metadata probe: %w", err))
		return
	}

	renditions := SelectLadder(p.cfg.Ladder, info.Width, info.Height)
	names := make([]string, 0, len(renditions))
	for i := range renditions {
		renditions[i].OutputDir = p.output.RenditionDir(asset.ID, renditions[i].Name)
		names = append(names, renditions[i].Name)
	}
	if err := p.output.CreateAssetDirectory(asset.ID, names); err != nil {
		p.fail(j, err)
		return
	}

	j.mu.Lock()
	j.asset.Duration = info.Duration
	j.asset.Width = info.Width
	j.asset.Height = info.Height
	j.asset.FrameRate = info.FrameRate
	j.asset.Renditions = renditions
	j.mu.Unlock()
	p.persist(j)
	j.log.WithFields(logrus.Fields{
		"duration":   info.Duration,
		"resolution": fmt.Sprintf("%dx%d", info.Width, info.Height),
		"renditions": names,
	}).Info("Source probed")

	thumbs := p.thumbnails(ctx, j, info.Duration)
	j.mu.Lock()
	j.asset.Thumbnails = thumbs
	j.mu.Unlock()

	if err := p.encodeAll(ctx, j, info.Duration); err != nil {
		p.fail(j, err)
		return
	}

	if err := p.publish(j); err != nil {
		p.fail(j, err)
	}
}

func (p *Processor) retryPolicy(ctx context.Context, retries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInterval
	b.MaxInterval = 20 * p.cfg.RetryInterval
	b.MaxElapsedTime = 0
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (p *Processor) probe(ctx context.Context, j *job) (ffmpeg.MediaInfo, error) {
	var info ffmpeg.MediaInfo
	attempt := func(tolerant bool) error {
		return backoff.RetryNotify(func() error {
			var err error
			info, err = p.encoder.Probe(ctx, j.src.Path, tolerant)
			return err
		}, p.retryPolicy(ctx, p.cfg.ProbeRetries), func(err error, wait time.Duration) {
			j.log.Warnf("Probe failed, retrying in %s: %v", wait, err)
		})
	}

	err := attempt(false)
	if err == nil {
		return info, nil
	}
	if !j.src.Truncated || p.cfg.TruncatedProbe != ProbeLenient {
		return info, err
	}

	j.log.Warnf("Probe of truncated recording failed, retrying leniently: %v", err)
	if lerr := attempt(true); lerr != nil {
		return info, fmt.Errorf("%v; lenient probe: %w", err, lerr)
	}
	return info, nil
}

// thumbnails returns the paths, relative to the output root, of the frames
// that could be captured. Failures are warnings only.
func (p *Processor) thumbnails(ctx context.Context, j *job, duration time.Duration) []string {
	positions := []time.Duration{0}
	if duration > 0 {
		positions = positions[:0]
		for _, frac := range thumbnailPositions {
			positions = append(positions, time.Duration(float64(duration)*frac))
		}
	}

	var out []string
	dir := p.output.ThumbnailDir(j.asset.ID)
	for i, at := range positions {
		name := fmt.Sprintf("thumb_%02d.jpg", i)
		if err := p.encoder.Thumbnail(ctx, j.src.Path, filepath.Join(dir, name), at); err != nil {
			j.log.WithField("at", at).Warnf("Thumbnail failed: %v", err)
			continue
		}
		out = append(out, filepath.ToSlash(filepath.Join(j.asset.ID, hls.ThumbnailsDirectory, name)))
	}
	if len(out) == 0 {
		j.log.Warn("No thumbnail could be generated")
	}
	return out
}

// encodeAll runs one encode job per rendition. Slots are requested in
// rendition order so an asset's jobs queue FIFO behind the global limit.
// A failing rendition does not stop its siblings; the asset fails once all
// of them have finished.
func (p *Processor) encodeAll(ctx context.Context, j *job, duration time.Duration) error {
	j.mu.Lock()
	renditions := append([]models.Rendition(nil), j.asset.Renditions...)
	j.mu.Unlock()

	var g errgroup.Group
	for i := range renditions {
		r := renditions[i]
		if err := p.slots.Acquire(ctx, 1); err != nil {
			p.setRendition(j, r.Name, models.RenditionFailed)
			g.Wait()
			return fmt.Errorf("rendition %s: %w", r.Name, err)
		}
		g.Go(func() error {
			defer p.slots.Release(1)
			p.metrics.EncodeStarted()
			defer p.metrics.EncodeFinished()
			return p.encodeRendition(ctx, j, r, duration)
		})
	}
	return g.Wait()
}

func (p *Processor) encodeRendition(ctx context.Context, j *job, r models.Rendition, duration time.Duration) error {
	spec := ffmpeg.RenditionSpec{
		Name:            r.Name,
		Width:           r.Width,
		Height:          r.Height,
		VideoKbps:       r.VideoBitrate,
		AudioKbps:       r.AudioBitrate,
		SegmentDuration: p.cfg.SegmentDuration,
		OutputDir:       r.OutputDir,
		Job:             j.asset.ID,
		Scale:           r.Name != hls.OriginalTier,
	}
	log := j.log.WithField("rendition", r.Name)

	p.setRendition(j, r.Name, models.RenditionEncoding)
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		p.metrics.EncodeAttempt(r.Name)

		attemptCtx := ctx
		if p.cfg.EncodeTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.EncodeTimeout)
			defer cancel()
		}
		err := p.encoder.Encode(attemptCtx, j.src.Path, spec, func(outTime time.Duration) {
			if duration > 0 {
				p.encodeProgress(j, r.Name, float64(outTime)/float64(duration)*100)
			}
		})
		if err != nil {
			p.metrics.EncodeFailure(r.Name)
		}
		return err
	}, p.retryPolicy(ctx, p.cfg.EncodeRetries), func(err error, wait time.Duration) {
		log.Warnf("Encode attempt failed, retrying in %s: %v", wait, err)
		clearDir(r.OutputDir)
	})

	if err != nil {
		p.setRendition(j, r.Name, models.RenditionFailed)
		log.WithField("attempts", attempts).Errorf("Encode failed: %v", err)
		return fmt.Errorf("rendition %s failed after %d attempts: %w", r.Name, attempts, err)
	}

	p.encodeProgress(j, r.Name, 100)
	p.setRendition(j, r.Name, models.RenditionDone)
	log.WithField("attempts", attempts).Info("Rendition done")
	return nil
}

// setRendition records a rendition state change; terminal states are
// persisted on the asset.
func (p *Processor) setRendition(j *job, name string, state models.RenditionState) {
	j.mu.Lock()
	for i := range j.asset.Renditions {
		if j.asset.Renditions[i].Name == name {
			j.asset.Renditions[i].State = state
		}
	}
	j.mu.Unlock()

	if state.Terminal() {
		p.persist(j)
	}
}

func (p *Processor) encodeProgress(j *job, name string, pct float64) {
	j.mu.Lock()
	if pct > 100 {
		pct = 100
	}
	if pct <= j.percent[name] {
		j.mu.Unlock()
		return
	}
	j.percent[name] = pct
	total := 0.0
	for _, v := range j.percent {
		total += v
	}
	mean := total / float64(len(j.asset.Renditions))
	id := j.asset.ID
	j.mu.Unlock()

	p.emit(id, string(models.RenditionEncoding), progress.Percent(mean), map[string]interface{}{
		"rendition":         name,
		"rendition_percent": pct,
	})
}

func (p *Processor) publish(j *job) error {
	asset := j.snapshot()
	variants := make([]hls.Variant, 0, len(asset.Renditions))
	for _, r := range asset.Renditions {
		if r.State != models.RenditionDone {
			return fmt.Errorf("rendition %s is %s", r.Name, r.State)
		}
		variants = append(variants, hls.Variant{
			Name:      r.Name,
			Width:     r.Width,
			Height:    r.Height,
			Bandwidth: r.Bandwidth(),
		})
	}

	manifest, err := p.output.WriteMasterPlaylist(asset.ID, variants)
	if err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}

	j.mu.Lock()
	j.asset.HLSManifest = manifest
	j.asset.State = models.AssetPublished
	j.asset.Error = ""
	j.mu.Unlock()

	if err := p.persist(j); err != nil {
		j.mu.Lock()
		j.asset.State = models.AssetProcessing
		j.asset.HLSManifest = ""
		j.mu.Unlock()
		return fmt.Errorf("mark published: %w", err)
	}

	final := j.snapshot()
	p.metrics.AssetFinished(string(models.AssetPublished), string(final.SourceKind))
	j.log.WithField("manifest", manifest).Info("Asset published")
	p.emit(final.ID, string(models.AssetPublished), progress.Percent(100), map[string]interface{}{
		"manifest":  manifest,
		"thumbnail": final.PrimaryThumbnail(),
	})
	p.notify(progress.Notification{
		Kind:      progress.AssetPublished,
		ID:        final.ID,
		OwnerID:   j.src.OwnerID,
		Source:    string(final.SourceKind),
		Thumbnail: final.PrimaryThumbnail(),
	})
	return nil
}

// fail moves the asset to failed, removes partial output and reports it.
func (p *Processor) fail(j *job, cause error) {
	j.mu.Lock()
	j.asset.State = models.AssetFailed
	j.asset.Error = cause.Error()
	for i := range j.asset.Renditions {
		if !j.asset.Renditions[i].State.Terminal() {
			j.asset.Renditions[i].State = models.RenditionFailed
		}
	}
	j.mu.Unlock()

	if err := p.output.RemoveAsset(j.asset.ID); err != nil {
		j.log.Warnf("Failed to remove partial output: %v", err)
	}
	if err := p.persist(j); err != nil {
		j.log.Errorf("Failed to persist asset failure: %v", err)
	}

	final := j.snapshot()
	p.metrics.AssetFinished(string(models.AssetFailed), string(final.SourceKind))
	j.log.Errorf("Asset failed: %v", cause)
	p.emit(final.ID, string(models.AssetFailed), nil, map[string]interface{}{"error": final.Error})
	p.notify(progress.Notification{
		Kind:    progress.AssetFailed,
		ID:      final.ID,
		OwnerID: j.src.OwnerID,
		Source:  string(final.SourceKind),
		Error:   final.Error,
	})
}

func (p *Processor) persist(j *job) error {
	asset := j.snapshot()
	// Writes outlive a cancelled processing context so the terminal state
	// is still recorded during shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), 10*time.Second)
	defer cancel()
	if err := p.store.UpdateAssetState(ctx, &asset); err != nil {
		j.log.Errorf("Failed to persist asset: %v", err)
		return err
	}
	return nil
}

func (p *Processor) emit(id, state string, pct *float64, extra map[string]interface{}) {
	if p.progress == nil {
		return
	}
	p.progress.Publish(p.ctx, progress.Event{
		ID:      id,
		Type:    progress.TypeEncode,
		State:   state,
		Percent: pct,
		Extra:   extra,
	})
}

func (p *Processor) notify(note progress.Notification) {
	note.At = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), 5*time.Second)
	defer cancel()
	if err := p.notifier.Notify(ctx, note); err != nil {
		utils.WithField("id", note.ID).Warnf("Notification failed: %v", err)
	}
}

func clearDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		os.RemoveAll(filepath.Join(dir, e.Name()))
	}
}
