package dispatch

import (
	"context"
	"sync"

	"github.com/vietgs03/ocr-tt/internal/partition"
)

// ResultStream yields band results in band order while later bands are
// still being recognized.
type ResultStream struct {
	pending chan chan TileResult
	cancel  context.CancelFunc
	once    sync.Once
}

// Stream pulls bands lazily from seq and recognizes up to Workers of them
// ahead of the consumer. Results are delivered strictly in band order.
// The caller must Close the stream if it stops reading early.
func (e *Engine) Stream(ctx context.Context, seq *partition.BandSequence) *ResultStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &ResultStream{
		pending: make(chan chan TileResult, e.workers),
		cancel:  cancel,
	}

	sem := make(chan struct{}, e.workers)
	go func() {
		defer close(s.pending)
		for {
			tile, ok := seq.Next()
			if !ok {
				return
			}

			ch := make(chan TileResult, 1)
			select {
			case s.pending <- ch:
			case <-ctx.Done():
				return
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				r := newResult(tile)
				r.Err = ctx.Err()
				ch <- r
				return
			}

			go func(tile partition.Tile) {
				defer func() { <-sem }()
				ch <- e.run(ctx, tile)
			}(tile)
		}
	}()

	return s
}

// Next returns the next band result, or false when the sequence is exhausted
func (s *ResultStream) Next() (TileResult, bool) {
	ch, ok := <-s.pending
	if !ok {
		s.cancel()
		return TileResult{}, false
	}
	return <-ch, true
}

// Close stops recognizing further bands and waits for in-flight ones
func (s *ResultStream) Close() {
	s.once.Do(func() {
		s.cancel()
		for ch := range s.pending {
			<-ch
		}
	})
}
