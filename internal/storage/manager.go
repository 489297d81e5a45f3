/**
 * Storage Manager
 *
 * Coordinates the cache store (exact fingerprint lookups) with the optional
 * near-duplicate index (Qdrant). The index is advisory: its failures are
 * logged and treated as a miss, never as a cache failure.
 */

package storage

import (
	"context"
	"errors"
	"fmt"

	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/fingerprint"
	"github.com/vietgs03/ocr-tt/internal/logging"
)

// NearDuplicateFinder is implemented by NearDuplicateIndex
type NearDuplicateFinder interface {
	Add(ctx context.Context, fp fingerprint.Fingerprint, bits []bool, sourceHint string) error
	Nearest(ctx context.Context, bits []bool, minScore float32) (fingerprint.Fingerprint, float32, bool, error)
	Clear(ctx context.Context) error
	Close() error
}

// ManagerConfig configures OpenManager
type ManagerConfig struct {
	Store Options

	// Near-duplicate index; disabled when QdrantURL is empty
	QdrantURL        string
	QdrantCollection string
	MinScore         float32
}

// LookupResult describes a cache hit
type LookupResult struct {
	Text        string
	Fingerprint fingerprint.Fingerprint // the entry that matched
	Near        bool                    // matched through the near-duplicate index
	Score       float32
}

// Manager coordinates the cache store and the near-duplicate index
type Manager struct {
	store    CacheStore
	index    NearDuplicateFinder
	minScore float32
	logger   *logging.Logger
}

// NewManager wraps an open store and optional index (may be nil)
func NewManager(store CacheStore, index NearDuplicateFinder, minScore float32) *Manager {
	if minScore <= 0 {
		minScore = 0.95
	}
	return &Manager{
		store:    store,
		index:    index,
		minScore: minScore,
		logger:   logging.NewLogger("StorageManager"),
	}
}

// OpenManager opens the configured store and, if set, the Qdrant index
func OpenManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	store, err := Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}

	var index NearDuplicateFinder
	if cfg.QdrantURL != "" {
		idx, err := NewNearDuplicateIndex(ctx, cfg.QdrantURL, cfg.QdrantCollection)
		switch {
		case ocrerrors.HasCode(err, ocrerrors.ErrorCacheUnavailable):
			logging.NewLogger("StorageManager").Warn("Near-duplicate index unreachable, using exact lookups only",
				"qdrant", cfg.QdrantURL, "error", err)
		case err != nil:
			store.Close()
			return nil, fmt.Errorf("failed to initialize near-duplicate index: %w", err)
		default:
			index = idx
		}
	}

	return NewManager(store, index, cfg.MinScore), nil
}

// Store returns the underlying cache store
func (m *Manager) Store() CacheStore { return m.store }

// Examples returns the example store, or nil if the driver has none
func (m *Manager) Examples() ExampleStore {
	if es, ok := m.store.(ExampleStore); ok {
		return es
	}
	return nil
}

// Lookup tries the exact fingerprint first, then the nearest indexed one
// when bits are supplied. The matched entry's hit count is incremented.
func (m *Manager) Lookup(ctx context.Context, fp fingerprint.Fingerprint, bits []bool) (*LookupResult, error) {
	text, ok, err := m.store.Lookup(ctx, fp)
	if err != nil {
		return nil, err
	}
	if ok {
		return &LookupResult{Text: text, Fingerprint: fp, Score: 1}, nil
	}

	if m.index == nil || len(bits) == 0 {
		return nil, nil
	}

	near, score, found, err := m.index.Nearest(ctx, bits, m.minScore)
	if err != nil {
		m.logger.Warn("Near-duplicate search failed", "fingerprint", fp.String(), "error", err)
		return nil, nil
	}
	if !found || near == fp {
		return nil, nil
	}

	text, ok, err = m.store.Lookup(ctx, near)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Index points at an entry the store no longer has.
		return nil, nil
	}

	m.logger.Debug("Near-duplicate cache hit", "fingerprint", fp.String(), "matched", near.String(), "score", score)
	return &LookupResult{Text: text, Fingerprint: near, Near: true, Score: score}, nil
}

// Put stores text for fp and indexes its bits when available
func (m *Manager) Put(ctx context.Context, fp fingerprint.Fingerprint, bits []bool, sourceHint, text string) error {
	if err := m.store.Store(ctx, fp, sourceHint, text); err != nil {
		return err
	}

	if m.index != nil && len(bits) > 0 {
		if err := m.index.Add(ctx, fp, bits, sourceHint); err != nil {
			m.logger.Warn("Failed to index fingerprint", "fingerprint", fp.String(), "error", err)
		}
	}
	return nil
}

// Stats returns store statistics
func (m *Manager) Stats(ctx context.Context) (CacheStats, error) {
	return m.store.Stats(ctx)
}

// Clear empties the store and the index
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		return err
	}
	if m.index != nil {
		if err := m.index.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear near-duplicate index: %w", err)
		}
	}
	return nil
}

// Close closes the store and the index
func (m *Manager) Close() error {
	var errs []error
	if err := m.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.index != nil {
		if err := m.index.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
