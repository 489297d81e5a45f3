/**
 * Dispatch Engine - runs tiles through a recognizer and collects results
 *
 * Modes:
 *   - sequential: one tile after another on the calling goroutine
 *   - pool:       up to Workers tiles concurrently on shared handles
 *   - process:    up to Workers tiles concurrently, each in a child process
 *
 * Results always come back indexed by tile position, whatever order the
 * backend finished them in. A failing tile yields an empty result with Err
 * set; it never fails the page and is not retried.
 */

package dispatch

import (
	"context"
	"fmt"
	"image"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietgs03/ocr-tt/internal/geometry"
	"github.com/vietgs03/ocr-tt/internal/logging"
	"github.com/vietgs03/ocr-tt/internal/partition"
	"github.com/vietgs03/ocr-tt/internal/recognizer"
)

// Mode selects the execution strategy
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModePool       Mode = "pool"
	ModeProcess    Mode = "process"
)

// Config holds dispatch configuration
type Config struct {
	Mode    Mode
	Workers int
}

// TileResult is what one tile produced, tagged with its position
type TileResult struct {
	TileID        string
	Row           int
	Col           int
	BandIndex     int
	OverlapHeight int
	Bounds        image.Rectangle

	Regions     []geometry.TextRegion // tile-local coordinates
	Text        string
	HasGeometry bool

	Err      error
	Duration time.Duration
}

// Failed reports whether the tile produced nothing because of an error
func (r TileResult) Failed() bool { return r.Err != nil }

// Engine dispatches tiles to a recognizer
type Engine struct {
	rec     recognizer.Recognizer
	mode    Mode
	workers int
	logger  *logging.Logger
}

// New creates a dispatch engine. Process mode requires a ProcessRecognizer.
func New(rec recognizer.Recognizer, cfg Config) (*Engine, error) {
	if rec == nil {
		return nil, fmt.Errorf("recognizer is required")
	}

	workers := cfg.Workers
	switch cfg.Mode {
	case ModeSequential, "":
		cfg.Mode = ModeSequential
		workers = 1
	case ModePool:
	case ModeProcess:
		if _, ok := rec.(*recognizer.ProcessRecognizer); !ok {
			return nil, fmt.Errorf("process dispatch requires a process recognizer, got %s", rec.Name())
		}
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.Mode)
	}
	if workers < 1 {
		return nil, fmt.Errorf("dispatch workers must be >= 1, got %d", workers)
	}

	return &Engine{
		rec:     rec,
		mode:    cfg.Mode,
		workers: workers,
		logger:  logging.NewLogger("Dispatch"),
	}, nil
}

// Mode returns the execution strategy
func (e *Engine) Mode() Mode { return e.mode }

// Workers returns the concurrency limit
func (e *Engine) Workers() int { return e.workers }

// Dispatch recognizes every tile and returns results in tile order.
// When ctx is cancelled the remaining tiles are recorded as empty results
// carrying the context error.
func (e *Engine) Dispatch(ctx context.Context, tiles []partition.Tile) []TileResult {
	results := make([]TileResult, len(tiles))

	if e.workers == 1 {
		for i, tile := range tiles {
			results[i] = e.run(ctx, tile)
		}
		return results
	}

	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for i, tile := range tiles {
		i, tile := i, tile
		g.Go(func() error {
			results[i] = e.run(ctx, tile)
			return nil
		})
	}
	g.Wait()

	return results
}

func newResult(tile partition.Tile) TileResult {
	return TileResult{
		TileID:        tile.ID,
		Row:           tile.Row,
		Col:           tile.Col,
		BandIndex:     tile.BandIndex,
		OverlapHeight: tile.OverlapHeight,
		Bounds:        tile.Bounds,
	}
}

// run recognizes one tile. It never returns an error; failures are recorded
// on the result.
func (e *Engine) run(ctx context.Context, tile partition.Tile) (res TileResult) {
	res = newResult(tile)
	if tile.Empty() {
		return res
	}

	startTime := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Regions, res.Text, res.HasGeometry = nil, "", false
			res.Err = fmt.Errorf("recognizer panicked on tile %s: %v", tile.ID, r)
			e.logger.Error("Tile recognition panicked", "tile", tile.ID, "panic", r)
		}
		res.Duration = time.Since(startTime)
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	data, err := tile.Encode()
	if err != nil {
		res.Err = err
		e.logger.Warn("Tile encoding failed", "tile", tile.ID, "error", err)
		return res
	}

	out, err := e.rec.Recognize(ctx, data)
	if err != nil {
		res.Err = err
		e.logger.Warn("Tile recognition failed", "tile", tile.ID, "backend", e.rec.Name(), "error", err)
		return res
	}
	if out == nil {
		return res
	}

	res.Regions = out.Regions
	res.Text = out.Text
	res.HasGeometry = out.HasGeometry

	e.logger.Debug("Tile recognized",
		"tile", tile.ID,
		"regions", len(out.Regions),
		"duration", time.Since(startTime))

	return res
}
