/**
 * Content Cache storage
 *
 * A cache entry maps an image fingerprint to the final (corrected) text
 * recognized for it. Entries are unique per fingerprint; a second Store for
 * the same fingerprint replaces the text and resets the hit counter.
 *
 * Drivers:
 *   - postgres (default) and mysql through database/sql
 *   - redis, one hash per entry
 *   - memory, process-local, for tests and single-shot runs
 */

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/vietgs03/ocr-tt/internal/fingerprint"
)

// CacheEntry is one cached recognition result
type CacheEntry struct {
	Fingerprint fingerprint.Fingerprint
	SourceHint  string
	Text        string
	CreatedAt   time.Time
	HitCount    int64
}

// CacheStats summarizes the cache. VocabularySize is filled in by the
// orchestrator, stores leave it zero.
type CacheStats struct {
	EntryCount     int64 `json:"cached_documents"`
	TotalHits      int64 `json:"total_cache_hits"`
	VocabularySize int   `json:"vocabulary_size"`
}

// CacheStore persists recognition results keyed by fingerprint
type CacheStore interface {
	// Lookup returns the cached text and atomically increments the hit count
	Lookup(ctx context.Context, fp fingerprint.Fingerprint) (string, bool, error)
	// Store inserts or replaces the entry for fp
	Store(ctx context.Context, fp fingerprint.Fingerprint, sourceHint, text string) error
	Stats(ctx context.Context) (CacheStats, error)
	Clear(ctx context.Context) error
	Close() error
}

// Example is a reference transcription kept for prompt context
type Example struct {
	ID           int64
	DocumentType string
	Text         string
	CreatedAt    time.Time
}

// ExampleStore keeps reference transcriptions alongside the cache
type ExampleStore interface {
	AddExample(ctx context.Context, documentType, text string) error
	ListExamples(ctx context.Context, documentType string, limit int) ([]Example, error)
}

// Driver names accepted by Open
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Options selects and configures a cache store
type Options struct {
	Driver      string
	DatabaseURL string // postgres / mysql DSN
	RedisURL    string
	KeyPrefix   string // redis key namespace
}

// Open connects the configured cache store
func Open(ctx context.Context, opts Options) (CacheStore, error) {
	switch opts.Driver {
	case DriverPostgres, "":
		return NewSQLStore(ctx, DialectPostgres, opts.DatabaseURL)
	case DriverMySQL:
		return NewSQLStore(ctx, DialectMySQL, opts.DatabaseURL)
	case DriverRedis:
		return NewRedisStore(ctx, opts.RedisURL, opts.KeyPrefix)
	case DriverMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown cache driver %q", opts.Driver)
}
