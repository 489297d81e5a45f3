package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/fingerprint"
)

// exerciseCacheStore runs the behaviour every driver must share
func exerciseCacheStore(t *testing.T, store CacheStore) {
	t.Helper()
	ctx := context.Background()

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	fp := fingerprint.Exact([]byte("page-1"))
	other := fingerprint.Exact([]byte("page-2"))

	if _, ok, err := store.Lookup(ctx, fp); err != nil || ok {
		t.Fatalf("expected miss on empty store, got ok=%v err=%v", ok, err)
	}

	if err := store.Store(ctx, fp, "scan-1.png", "Cộng hòa"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := store.Store(ctx, other, "scan-2.png", "Độc lập"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		text, ok, err := store.Lookup(ctx, fp)
		if err != nil || !ok || text != "Cộng hòa" {
			t.Fatalf("lookup %d: got %q ok=%v err=%v", i, text, ok, err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.EntryCount != 2 || stats.TotalHits != 3 {
		t.Errorf("expected 2 entries / 3 hits, got %+v", stats)
	}

	// Last writer wins and the counter restarts.
	if err := store.Store(ctx, fp, "scan-1b.png", "Tự do"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	text, _, _ := store.Lookup(ctx, fp)
	if text != "Tự do" {
		t.Errorf("expected overwritten text, got %q", text)
	}
	stats, _ = store.Stats(ctx)
	if stats.EntryCount != 2 || stats.TotalHits != 1 {
		t.Errorf("expected 2 entries / 1 hit after overwrite, got %+v", stats)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	stats, _ = store.Stats(ctx)
	if stats.EntryCount != 0 || stats.TotalHits != 0 {
		t.Errorf("expected empty stats after clear, got %+v", stats)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseCacheStore(t, NewMemoryStore())
}

func TestMemoryStoreExamples(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.AddExample(ctx, "invoice", "first")
	store.AddExample(ctx, "letter", "second")
	store.AddExample(ctx, "invoice", "third")

	got, err := store.ListExamples(ctx, "invoice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Text != "third" {
		t.Errorf("expected newest invoice first, got %+v", got)
	}

	all, _ := store.ListExamples(ctx, "", 1)
	if len(all) != 1 {
		t.Errorf("expected limit to apply, got %d", len(all))
	}
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	store, err := NewSQLStore(context.Background(), DialectPostgres, url)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer store.Close()

	exerciseCacheStore(t, store)
}

func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}

	store, err := NewSQLStore(context.Background(), DialectMySQL, dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer store.Close()

	exerciseCacheStore(t, store)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	store, err := NewRedisStore(context.Background(), url, "ocr:test")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer store.Close()

	exerciseCacheStore(t, store)
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Options{Driver: "sqlite"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestOpenUnreachableStore(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"postgres", Options{Driver: DriverPostgres, DatabaseURL: "postgres://ocr@127.0.0.1:1/ocr?sslmode=disable"}},
		{"redis", Options{Driver: DriverRedis, RedisURL: "redis://127.0.0.1:1/0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			_, err := Open(ctx, tt.opts)
			if !ocrerrors.HasCode(err, ocrerrors.ErrorCacheUnavailable) {
				t.Errorf("expected CACHE_UNAVAILABLE, got %v", err)
			}
		})
	}
}

func TestOpenInvalidStoreConfig(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"unknown driver", Options{Driver: "sqlite"}},
		{"bad redis url", Options{Driver: DriverRedis, RedisURL: "ftp://nowhere"}},
		{"bad mysql dsn", Options{Driver: DriverMySQL, DatabaseURL: "not a dsn"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(context.Background(), tt.opts)
			if err == nil || ocrerrors.HasCode(err, ocrerrors.ErrorCacheUnavailable) {
				t.Errorf("expected a configuration error, got %v", err)
			}
		})
	}
}

func TestOpenManagerSkipsUnreachableIndex(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := OpenManager(ctx, ManagerConfig{
		Store:            Options{Driver: DriverMemory},
		QdrantURL:        "127.0.0.1:1",
		QdrantCollection: "ocr_fingerprints",
	})
	if err != nil {
		t.Fatalf("OpenManager failed: %v", err)
	}
	defer m.Close()

	if m.index != nil {
		t.Error("expected the unreachable index to be dropped")
	}
	fp := fingerprint.Exact([]byte("x"))
	m.Put(ctx, fp, make([]bool, VectorSize), "x.png", "hello")
	if res, _ := m.Lookup(ctx, fp, nil); res == nil || res.Text != "hello" {
		t.Errorf("expected exact hit without index, got %+v", res)
	}
}

type fakeIndex struct {
	added   map[fingerprint.Fingerprint][]bool
	nearest fingerprint.Fingerprint
	found   bool
	err     error
}

func (f *fakeIndex) Add(ctx context.Context, fp fingerprint.Fingerprint, bits []bool, hint string) error {
	if f.added == nil {
		f.added = map[fingerprint.Fingerprint][]bool{}
	}
	f.added[fp] = bits
	return nil
}

func (f *fakeIndex) Nearest(ctx context.Context, bits []bool, minScore float32) (fingerprint.Fingerprint, float32, bool, error) {
	return f.nearest, 0.97, f.found, f.err
}

func (f *fakeIndex) Clear(ctx context.Context) error {
	f.added = nil
	return nil
}

func (f *fakeIndex) Close() error { return nil }

func TestManagerNearDuplicateHit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	index := &fakeIndex{}
	m := NewManager(store, index, 0.95)

	original := fingerprint.Exact([]byte("original"))
	bits := make([]bool, VectorSize)
	if err := m.Put(ctx, original, bits, "a.png", "text"); err != nil {
		t.Fatal(err)
	}
	if _, ok := index.added[original]; !ok {
		t.Fatal("expected fingerprint to be indexed")
	}

	index.nearest, index.found = original, true
	res, err := m.Lookup(ctx, fingerprint.Exact([]byte("rescan")), bits)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || !res.Near || res.Text != "text" || res.Fingerprint != original {
		t.Fatalf("expected near-duplicate hit, got %+v", res)
	}

	entry, _ := store.Entry(original)
	if entry.HitCount != 1 {
		t.Errorf("expected matched entry hit count 1, got %d", entry.HitCount)
	}
}

func TestManagerIndexFailureIsMiss(t *testing.T) {
	m := NewManager(NewMemoryStore(), &fakeIndex{err: errors.New("qdrant down")}, 0.95)

	res, err := m.Lookup(context.Background(), fingerprint.Exact([]byte("x")), make([]bool, VectorSize))
	if err != nil || res != nil {
		t.Errorf("expected silent miss, got res=%+v err=%v", res, err)
	}
}

func TestManagerWithoutIndex(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), nil, 0)
	fp := fingerprint.Exact([]byte("x"))

	m.Put(ctx, fp, nil, "x.png", "hello")
	res, err := m.Lookup(ctx, fp, nil)
	if err != nil || res == nil || res.Text != "hello" || res.Near {
		t.Errorf("expected exact hit, got res=%+v err=%v", res, err)
	}
}

func TestNearDuplicateIndex(t *testing.T) {
	addr := os.Getenv("TEST_QDRANT_URL")
	if addr == "" {
		t.Skip("TEST_QDRANT_URL not set")
	}

	ctx := context.Background()
	idx, err := NewNearDuplicateIndex(ctx, addr, "ocr_fingerprints_test")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer idx.Close()
	defer idx.Clear(ctx)

	bits := make([]bool, VectorSize)
	for i := range bits {
		bits[i] = i%3 == 0
	}
	fp := fingerprint.Exact([]byte("indexed"))
	if err := idx.Add(ctx, fp, bits, "indexed.png"); err != nil {
		t.Fatal(err)
	}

	// Flip two bits: cosine = 1 - 4/1024
	probe := append([]bool(nil), bits...)
	probe[1], probe[2] = !probe[1], !probe[2]

	got, score, ok, err := idx.Nearest(ctx, probe, 0.99)
	if err != nil || !ok || got != fp {
		t.Fatalf("expected near match, got %v ok=%v err=%v", got, ok, err)
	}
	if score < 0.99 {
		t.Errorf("unexpected score %v", score)
	}
}
