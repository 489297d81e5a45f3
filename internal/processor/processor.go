/**
 * Pipeline Orchestrator
 *
 * Runs one image through the pipeline:
 * - Fingerprint lookup in the content cache
 * - Partition into grid tiles or overlapping bands
 * - Dispatch tiles to the recognizer pool
 * - Merge tile results back into page text
 * - Vocabulary correction and cache write-back
 *
 * Tile failures never fail the job unless no tile produced anything.
 * Cache failures are logged and the job completes without the cache.
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietgs03/ocr-tt/internal/dispatch"
	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/fingerprint"
	"github.com/vietgs03/ocr-tt/internal/logging"
	"github.com/vietgs03/ocr-tt/internal/merge"
	"github.com/vietgs03/ocr-tt/internal/partition"
	"github.com/vietgs03/ocr-tt/internal/recognizer"
	"github.com/vietgs03/ocr-tt/internal/storage"
	"github.com/vietgs03/ocr-tt/internal/vocabulary"
)

// Interface is the operational surface consumed by the queue worker
type Interface interface {
	Recognize(ctx context.Context, req *ImageRequest) (*Result, error)
	LearnCorrection(wrong, correct string) error
	CacheStats(ctx context.Context) (storage.CacheStats, error)
	ClearCache(ctx context.Context) error
	AddExample(ctx context.Context, documentType, text string) error
}

// Config holds processor configuration
type Config struct {
	Recognizer recognizer.Recognizer
	Dispatch   dispatch.Config

	Partition   partition.Mode
	GridRows    int
	GridCols    int
	BandHeight  int
	BandOverlap int

	Merge  merge.Options
	Policy fingerprint.Policy

	Storage    *storage.Manager      // nil disables the cache
	Vocabulary *vocabulary.Corrector // nil disables correction

	JobWorkers  int
	MaxFileSize int64
}

// ImageRequest describes one recognition job
type ImageRequest struct {
	JobID      string
	Path       string // file path or http(s) URL
	Data       []byte // takes precedence over Path
	UseCache   bool
	Mode       partition.Mode // overrides the configured partition mode
	SourceHint string         // stored with the cache entry; defaults to Path
}

// Result represents the recognition result
type Result struct {
	JobID       string        `json:"job_id"`
	Text        string        `json:"text"`
	Fingerprint string        `json:"fingerprint"`
	Cached      bool          `json:"cached"`
	NearMatch   bool          `json:"near_match,omitempty"`
	Mode        string        `json:"mode"`
	Tiles       int           `json:"tiles"`
	FailedTiles int           `json:"failed_tiles"`
	Recognizer  string        `json:"recognizer"`
	Duration    time.Duration `json:"duration"`
}

// BatchResult is the outcome of one job in a batch
type BatchResult struct {
	Path   string
	Result *Result
	Err    error
}

// Processor orchestrates recognition jobs
type Processor struct {
	config  *Config
	engine  *dispatch.Engine
	storage *storage.Manager
	vocab   *vocabulary.Corrector
	logger  *logging.Logger
}

// NewProcessor validates cfg and builds the dispatch engine
func NewProcessor(cfg *Config) (*Processor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}

	engine, err := dispatch.New(cfg.Recognizer, cfg.Dispatch)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch engine: %w", err)
	}

	if cfg.Partition == "" {
		cfg.Partition = partition.ModeNone
	}
	if cfg.Policy == "" {
		cfg.Policy = fingerprint.PolicyPerceptual
	}
	if cfg.Merge.LineThreshold <= 0 {
		cfg.Merge = merge.DefaultOptions()
	}
	if cfg.JobWorkers < 1 {
		cfg.JobWorkers = 1
	}

	p := &Processor{
		config:  cfg,
		engine:  engine,
		storage: cfg.Storage,
		vocab:   cfg.Vocabulary,
		logger:  logging.NewLogger("Processor"),
	}

	p.logger.Info("Processor initialized",
		"recognizer", cfg.Recognizer.Name(),
		"dispatch", engine.Mode(),
		"tile_workers", engine.Workers(),
		"partition", cfg.Partition,
		"policy", cfg.Policy,
		"cache", cfg.Storage != nil,
		"vocabulary", cfg.Vocabulary != nil)

	return p, nil
}

// Recognize runs one image through the pipeline
func (p *Processor) Recognize(ctx context.Context, req *ImageRequest) (*Result, error) {
	start := time.Now()
	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}

	data, err := p.loadImage(ctx, req)
	if err != nil {
		return nil, err
	}

	img, decodeErr := decodeImage(req.JobID, data)
	fp, bits := p.fingerprint(img, data)

	result := &Result{
		JobID:       req.JobID,
		Fingerprint: fp.String(),
		Recognizer:  p.config.Recognizer.Name(),
	}

	if req.UseCache {
		if hit := p.lookup(ctx, req.JobID, fp, bits); hit != nil {
			result.Text = hit.Text
			result.Cached = true
			result.NearMatch = hit.Near
			result.Mode = "cache"
			result.Duration = time.Since(start)
			p.logger.Info("Cache hit", "job_id", req.JobID, "fingerprint", result.Fingerprint, "near", hit.Near)
			return result, nil
		}
	}

	if decodeErr != nil {
		return nil, decodeErr
	}

	mode := req.Mode
	if mode == "" {
		mode = p.config.Partition
	}
	result.Mode = string(mode)

	text, results, err := p.run(ctx, img, mode)
	if err != nil {
		return nil, err
	}

	// empty tiles (grid finer than the image) are never recognized and do
	// not count toward the all-failed check
	result.Tiles = len(results)
	recognizable := 0
	for _, r := range results {
		if !r.Bounds.Empty() {
			recognizable++
		}
		if r.Failed() {
			result.FailedTiles++
		}
	}
	if recognizable > 0 && result.FailedTiles == recognizable {
		return nil, p.jobFailure(ctx, req.JobID, results, start)
	}

	p.refreshVocabulary()
	result.Text = p.correct(text)

	if result.FailedTiles == 0 {
		hint := req.SourceHint
		if hint == "" {
			hint = req.Path
		}
		p.put(ctx, req.JobID, fp, bits, hint, result.Text)
	} else {
		p.logger.Warn("Partial result not cached", "job_id", req.JobID,
			"failed_tiles", result.FailedTiles, "tiles", result.Tiles)
	}

	result.Duration = time.Since(start)
	p.logger.Info("Recognition complete",
		"job_id", req.JobID,
		"mode", mode,
		"tiles", result.Tiles,
		"failed_tiles", result.FailedTiles,
		"chars", len(result.Text),
		"duration_ms", result.Duration.Milliseconds())

	return result, nil
}

// run partitions, dispatches and merges one decoded image
func (p *Processor) run(ctx context.Context, img image.Image, mode partition.Mode) (string, []dispatch.TileResult, error) {
	switch mode {
	case partition.ModeNone:
		tile, err := partition.Whole(img)
		if err != nil {
			return "", nil, err
		}
		results := p.engine.Dispatch(ctx, []partition.Tile{tile})
		return merge.MergeGrid(results, p.config.Merge), results, nil

	case partition.ModeGrid:
		tiles, err := partition.Grid(img, p.config.GridRows, p.config.GridCols)
		if err != nil {
			return "", nil, err
		}
		results := p.engine.Dispatch(ctx, tiles)
		return merge.MergeGrid(results, p.config.Merge), results, nil

	case partition.ModeBand:
		seq, err := partition.Bands(img, p.config.BandHeight, p.config.BandOverlap)
		if err != nil {
			return "", nil, err
		}
		results := p.engine.Dispatch(ctx, seq.All())
		text := merge.MergeBands(merge.FromResults(results), p.config.Merge, nil).Text()
		return text, results, nil
	}

	return "", nil, ocrerrors.NewInvalidPartitionError(fmt.Sprintf("unknown partition mode %q", mode))
}

// Stream recognizes req in band mode and yields corrected lines as bands
// complete. The cache is neither read nor written. The caller must Close
// the stream when stopping early.
func (p *Processor) Stream(ctx context.Context, req *ImageRequest) (*merge.LineStream, error) {
	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}

	data, err := p.loadImage(ctx, req)
	if err != nil {
		return nil, err
	}
	img, err := decodeImage(req.JobID, data)
	if err != nil {
		return nil, err
	}

	seq, err := partition.Bands(img, p.config.BandHeight, p.config.BandOverlap)
	if err != nil {
		return nil, err
	}

	p.refreshVocabulary()
	p.logger.Debug("Streaming recognition started", "job_id", req.JobID, "band_height", p.config.BandHeight)

	return merge.MergeBands(p.engine.Stream(ctx, seq), p.config.Merge, p.correct), nil
}

// CachedText checks the cache for req without running recognition
func (p *Processor) CachedText(ctx context.Context, req *ImageRequest) (string, bool, error) {
	data, err := p.loadImage(ctx, req)
	if err != nil {
		return "", false, err
	}

	img, _ := decodeImage(req.JobID, data)
	fp, bits := p.fingerprint(img, data)

	if hit := p.lookup(ctx, req.JobID, fp, bits); hit != nil {
		return hit.Text, true, nil
	}
	return "", false, nil
}

// RecognizeBatch runs every request with at most JobWorkers in flight.
// A failing job never cancels the others; results keep request order.
func (p *Processor) RecognizeBatch(ctx context.Context, reqs []*ImageRequest) []BatchResult {
	results := make([]BatchResult, len(reqs))

	g := new(errgroup.Group)
	g.SetLimit(p.config.JobWorkers)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := p.Recognize(ctx, req)
			results[i] = BatchResult{Path: req.Path, Result: res, Err: err}
			if err != nil {
				p.logger.Error("Batch job failed", "job_id", req.JobID, "path", req.Path, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	return results
}

// LearnCorrection records a vocabulary correction
func (p *Processor) LearnCorrection(wrong, correct string) error {
	if p.vocab == nil {
		return fmt.Errorf("vocabulary corrector is not configured")
	}
	return p.vocab.Learn(wrong, correct)
}

// CacheStats returns cache statistics including the vocabulary size
func (p *Processor) CacheStats(ctx context.Context) (storage.CacheStats, error) {
	var stats storage.CacheStats
	if p.storage != nil {
		s, err := p.storage.Stats(ctx)
		if err != nil {
			return stats, err
		}
		stats = s
	}
	if p.vocab != nil {
		stats.VocabularySize = p.vocab.Size()
	}
	return stats, nil
}

// ClearCache removes every cache entry. The vocabulary is left intact.
func (p *Processor) ClearCache(ctx context.Context) error {
	if p.storage == nil {
		return nil
	}
	if err := p.storage.Clear(ctx); err != nil {
		return err
	}
	p.logger.Info("Cache cleared")
	return nil
}

// AddExample stores a reference transcription for documentType
func (p *Processor) AddExample(ctx context.Context, documentType, text string) error {
	store, err := p.examples()
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("example text is empty")
	}
	if err := store.AddExample(ctx, documentType, text); err != nil {
		return ocrerrors.NewStorageFailedError("", err)
	}
	p.logger.Info("Example stored", "document_type", documentType, "length", len(text))
	return nil
}

// Examples returns up to limit reference transcriptions, newest first
func (p *Processor) Examples(ctx context.Context, documentType string, limit int) ([]storage.Example, error) {
	store, err := p.examples()
	if err != nil {
		return nil, err
	}
	return store.ListExamples(ctx, documentType, limit)
}

func (p *Processor) examples() (storage.ExampleStore, error) {
	if p.storage == nil || p.storage.Examples() == nil {
		return nil, fmt.Errorf("cache store does not keep examples")
	}
	return p.storage.Examples(), nil
}

// Close releases the recognizer and the cache
func (p *Processor) Close() error {
	var errs []error
	if c, ok := p.config.Recognizer.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close recognizer: %w", err))
		}
	}
	if p.storage != nil {
		if err := p.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		}
	}
	return stderrors.Join(errs...)
}

func (p *Processor) fingerprint(img image.Image, data []byte) (fingerprint.Fingerprint, []bool) {
	fp := fingerprint.Compute(p.config.Policy, img, data)
	if img == nil {
		return fp, nil
	}
	return fp, fingerprint.Bits(img)
}

func (p *Processor) lookup(ctx context.Context, jobID string, fp fingerprint.Fingerprint, bits []bool) *storage.LookupResult {
	if p.storage == nil {
		return nil
	}
	hit, err := p.storage.Lookup(ctx, fp, bits)
	if err != nil {
		p.logger.Warn("Cache lookup failed, continuing without cache", "job_id", jobID, "error", err)
		return nil
	}
	return hit
}

func (p *Processor) put(ctx context.Context, jobID string, fp fingerprint.Fingerprint, bits []bool, hint, text string) {
	if p.storage == nil {
		return
	}
	if err := p.storage.Put(ctx, fp, bits, hint, text); err != nil {
		p.logger.Warn("Cache write failed, result not cached", "job_id", jobID, "error", err)
	}
}

func (p *Processor) correct(text string) string {
	if p.vocab == nil {
		return text
	}
	return p.vocab.Correct(text)
}

func (p *Processor) refreshVocabulary() {
	if p.vocab == nil {
		return
	}
	if err := p.vocab.ReloadIfChanged(); err != nil {
		p.logger.Warn("Failed to reload vocabulary", "path", p.vocab.Path(), "error", err)
	}
}

// jobFailure builds the error for a job in which every tile failed
func (p *Processor) jobFailure(ctx context.Context, jobID string, results []dispatch.TileResult, start time.Time) error {
	var cause error
	for _, r := range results {
		if r.Err != nil {
			cause = r.Err
			break
		}
	}
	if ctx.Err() != nil && stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ocrerrors.NewProcessingTimeoutError(jobID, time.Since(start), ctx.Err())
	}
	if ocrerrors.CodeOf(cause) == ocrerrors.ErrorRecognitionFailed {
		return cause
	}
	return ocrerrors.NewRecognitionFailedError(jobID, p.config.Recognizer.Name(), cause)
}
