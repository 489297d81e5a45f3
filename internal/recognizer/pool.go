package recognizer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vietgs03/ocr-tt/internal/logging"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("recognizer pool closed")

// Pool holds pre-initialized handles shared by concurrent workers.
// A handle is used by one caller at a time; Acquire blocks until one is free.
type Pool struct {
	name    string
	handles chan Handle
	all     []Handle
	closed  chan struct{}
	once    sync.Once
	logger  *logging.Logger
}

// NewPool initializes size handles up front. If any factory call fails the
// handles already built are closed and the error is returned.
func NewPool(size int, factory Factory) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", size)
	}

	p := &Pool{
		handles: make(chan Handle, size),
		closed:  make(chan struct{}),
		logger:  logging.NewLogger("RecognizerPool"),
	}

	for i := 0; i < size; i++ {
		h, err := factory()
		if err != nil {
			for _, built := range p.all {
				built.Close()
			}
			return nil, fmt.Errorf("failed to initialize recognizer %d/%d: %w", i+1, size, err)
		}
		p.all = append(p.all, h)
		p.handles <- h
	}
	p.name = p.all[0].Name()

	p.logger.Info("Recognizer pool ready", "backend", p.name, "size", size)
	return p, nil
}

// Name reports the backend name of the pooled handles
func (p *Pool) Name() string { return p.name }

// Size returns the number of handles in the pool
func (p *Pool) Size() int { return len(p.all) }

// Acquire takes a handle, waiting until one is released or ctx is done
func (p *Pool) Acquire(ctx context.Context) (Handle, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}

	select {
	case h := <-p.handles:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPoolClosed
	}
}

// Release returns a handle taken with Acquire
func (p *Pool) Release(h Handle) {
	p.handles <- h
}

// Recognize runs one request on a pooled handle
func (p *Pool) Recognize(ctx context.Context, image []byte) (*Output, error) {
	h, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(h)

	return h.Recognize(ctx, image)
}

// Close releases every handle. Callers must not hold handles when closing.
func (p *Pool) Close() error {
	var errs []error
	p.once.Do(func() {
		close(p.closed)
		for _, h := range p.all {
			if err := h.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		p.logger.Info("Recognizer pool closed", "backend", p.name)
	})
	return errors.Join(errs...)
}
