package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietgs03/ocr-tt/internal/fingerprint"
)

// MemoryStore is a process-local cache store
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[fingerprint.Fingerprint]*CacheEntry
	examples []Example
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[fingerprint.Fingerprint]*CacheEntry)}
}

func (m *MemoryStore) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[fp]
	if !ok {
		return "", false, nil
	}
	e.HitCount++
	return e.Text, true, nil
}

func (m *MemoryStore) Store(ctx context.Context, fp fingerprint.Fingerprint, sourceHint, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[fp] = &CacheEntry{
		Fingerprint: fp,
		SourceHint:  sourceHint,
		Text:        text,
		CreatedAt:   time.Now(),
	}
	return nil
}

// Entry returns a copy of the entry for fp
func (m *MemoryStore) Entry(fp fingerprint.Fingerprint) (CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[fp]
	if !ok {
		return CacheEntry{}, false
	}
	return *e, true
}

func (m *MemoryStore) Stats(ctx context.Context) (CacheStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := CacheStats{EntryCount: int64(len(m.entries))}
	for _, e := range m.entries {
		stats.TotalHits += e.HitCount
	}
	return stats, nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[fingerprint.Fingerprint]*CacheEntry)
	return nil
}

func (m *MemoryStore) AddExample(ctx context.Context, documentType, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.examples = append(m.examples, Example{
		ID:           int64(len(m.examples) + 1),
		DocumentType: documentType,
		Text:         text,
		CreatedAt:    time.Now(),
	})
	return nil
}

func (m *MemoryStore) ListExamples(ctx context.Context, documentType string, limit int) ([]Example, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Example
	for _, e := range m.examples {
		if documentType == "" || e.DocumentType == documentType {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
