package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/vietgs03/ocr-tt/internal/dispatch"
	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/fingerprint"
	"github.com/vietgs03/ocr-tt/internal/geometry"
	"github.com/vietgs03/ocr-tt/internal/partition"
	"github.com/vietgs03/ocr-tt/internal/recognizer"
	"github.com/vietgs03/ocr-tt/internal/storage"
	"github.com/vietgs03/ocr-tt/internal/vocabulary"
)

// letterRecognizer maps the gray level at the tile origin to a word
type letterRecognizer struct {
	calls  int32
	words  map[uint8]string
	failOn map[uint8]bool
}

func (l *letterRecognizer) Name() string { return "letters" }

func (l *letterRecognizer) Recognize(ctx context.Context, data []byte) (*recognizer.Output, error) {
	atomic.AddInt32(&l.calls, 1)

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	level := color.GrayModel.Convert(img.At(0, 0)).(color.Gray).Y
	if l.failOn[level] {
		return nil, errors.New("simulated engine failure")
	}

	return &recognizer.Output{
		Regions: []geometry.TextRegion{{
			Box:        geometry.BoundingBox{TopLeft: geometry.Point{X: 5, Y: 5}, BottomRight: geometry.Point{X: 20, Y: 15}},
			Text:       l.words[level],
			Confidence: 0.9,
		}},
		HasGeometry: true,
	}, nil
}

func newLetters() *letterRecognizer {
	return &letterRecognizer{
		words:  map[uint8]string{40: "A", 80: "B", 120: "C", 160: "D", 200: "djnh vOn"},
		failOn: map[uint8]bool{},
	}
}

// quadrants encodes a 200x200 PNG with gray levels 40/80 on top, 120/160 below
func quadrants(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 200, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			level := uint8(40)
			switch {
			case y < 100 && x >= 100:
				level = 80
			case y >= 100 && x < 100:
				level = 120
			case y >= 100:
				level = 160
			}
			img.SetGray(x, y, color.Gray{Y: level})
		}
	}
	return encode(t, img)
}

// bands encodes a 40 pixel wide PNG with one 30 pixel stripe per level
func bands(t *testing.T, levels ...uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 40, 30*len(levels)))
	for y := 0; y < 30*len(levels); y++ {
		for x := 0; x < 40; x++ {
			img.SetGray(x, y, color.Gray{Y: levels[y/30]})
		}
	}
	return encode(t, img)
}

func encode(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestProcessor(t *testing.T, rec recognizer.Recognizer, cache *storage.Manager, vocab *vocabulary.Corrector) *Processor {
	t.Helper()
	p, err := NewProcessor(&Config{
		Recognizer:  rec,
		Dispatch:    dispatch.Config{Mode: dispatch.ModePool, Workers: 4},
		Partition:   partition.ModeGrid,
		GridRows:    2,
		GridCols:    2,
		BandHeight:  30,
		BandOverlap: 0,
		Storage:     cache,
		Vocabulary:  vocab,
		JobWorkers:  2,
	})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	return p
}

func TestRecognizeCacheMissThenHit(t *testing.T) {
	ctx := context.Background()
	rec := newLetters()
	p := newTestProcessor(t, rec, storage.NewManager(storage.NewMemoryStore(), nil, 0), nil)
	data := quadrants(t)

	first, err := p.Recognize(ctx, &ImageRequest{Data: data, UseCache: true})
	if err != nil {
		t.Fatalf("first Recognize failed: %v", err)
	}
	if first.Text != "A B\n\nC D" {
		t.Errorf("expected %q, got %q", "A B\n\nC D", first.Text)
	}
	if first.Cached || first.Tiles != 4 || first.FailedTiles != 0 {
		t.Errorf("unexpected first result %+v", first)
	}
	if atomic.LoadInt32(&rec.calls) != 4 {
		t.Fatalf("expected 4 recognizer calls, got %d", rec.calls)
	}

	second, err := p.Recognize(ctx, &ImageRequest{Data: data, UseCache: true})
	if err != nil {
		t.Fatalf("second Recognize failed: %v", err)
	}
	if second.Text != first.Text || !second.Cached {
		t.Errorf("expected cached %q, got %+v", first.Text, second)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("fingerprint changed between calls")
	}
	if atomic.LoadInt32(&rec.calls) != 4 {
		t.Errorf("second call should not invoke the recognizer, calls=%d", rec.calls)
	}

	stats, err := p.CacheStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.EntryCount != 1 || stats.TotalHits != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRecognizeWithoutCacheAlwaysRecognizes(t *testing.T) {
	rec := newLetters()
	p := newTestProcessor(t, rec, storage.NewManager(storage.NewMemoryStore(), nil, 0), nil)
	data := quadrants(t)

	for i := 0; i < 2; i++ {
		if _, err := p.Recognize(context.Background(), &ImageRequest{Data: data}); err != nil {
			t.Fatal(err)
		}
	}
	if rec.calls != 8 {
		t.Errorf("expected 8 calls, got %d", rec.calls)
	}
}

func TestRecognizeAppliesVocabulary(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 50, 50))
	for i := range img.Pix {
		img.Pix[i] = 200
	}

	vocab := vocabulary.New(map[string]string{"djnh": "định"})
	p := newTestProcessor(t, newLetters(), nil, vocab)

	res, err := p.Recognize(context.Background(), &ImageRequest{Data: encode(t, img), Mode: partition.ModeNone})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "định vOn" {
		t.Errorf("expected corrected text, got %q", res.Text)
	}
	if res.Mode != string(partition.ModeNone) || res.Tiles != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRecognizeMissingInput(t *testing.T) {
	p := newTestProcessor(t, newLetters(), nil, nil)

	_, err := p.Recognize(context.Background(), &ImageRequest{Path: filepath.Join(t.TempDir(), "missing.png")})
	if !errors.Is(err, ocrerrors.ErrMissingInput) {
		t.Errorf("expected MISSING_INPUT, got %v", err)
	}

	_, err = p.Recognize(context.Background(), &ImageRequest{})
	if !errors.Is(err, ocrerrors.ErrMissingInput) {
		t.Errorf("expected MISSING_INPUT for empty request, got %v", err)
	}
}

func TestRecognizeUnsupportedFormat(t *testing.T) {
	p := newTestProcessor(t, newLetters(), storage.NewManager(storage.NewMemoryStore(), nil, 0), nil)

	_, err := p.Recognize(context.Background(), &ImageRequest{Data: []byte("%PDF-1.7 not an image"), UseCache: true})
	if !errors.Is(err, ocrerrors.ErrUnsupportedFormat) {
		t.Errorf("expected UNSUPPORTED_FORMAT, got %v", err)
	}
}

func TestRecognizeAllTilesFailed(t *testing.T) {
	rec := newLetters()
	rec.failOn = map[uint8]bool{40: true, 80: true, 120: true, 160: true}
	p := newTestProcessor(t, rec, nil, nil)

	_, err := p.Recognize(context.Background(), &ImageRequest{Data: quadrants(t)})
	if !errors.Is(err, ocrerrors.ErrRecognitionFailed) {
		t.Errorf("expected RECOGNITION_FAILED, got %v", err)
	}
}

func TestRecognizePartialFailureNotCached(t *testing.T) {
	ctx := context.Background()
	rec := newLetters()
	rec.failOn[80] = true
	store := storage.NewMemoryStore()
	p := newTestProcessor(t, rec, storage.NewManager(store, nil, 0), nil)

	res, err := p.Recognize(ctx, &ImageRequest{Data: quadrants(t), UseCache: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "A\n\nC D" || res.FailedTiles != 1 {
		t.Errorf("unexpected partial result %+v", res)
	}

	stats, _ := store.Stats(ctx)
	if stats.EntryCount != 0 {
		t.Errorf("partial result should not be cached, got %d entries", stats.EntryCount)
	}
}

// brokenStore fails every operation
type brokenStore struct{}

func (brokenStore) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (string, bool, error) {
	return "", false, ocrerrors.NewCacheUnavailableError("lookup", errors.New("connection refused"))
}

func (brokenStore) Store(ctx context.Context, fp fingerprint.Fingerprint, hint, text string) error {
	return ocrerrors.NewCacheUnavailableError("store", errors.New("connection refused"))
}

func (brokenStore) Stats(ctx context.Context) (storage.CacheStats, error) {
	return storage.CacheStats{}, ocrerrors.NewCacheUnavailableError("stats", errors.New("connection refused"))
}

func (brokenStore) Clear(ctx context.Context) error {
	return ocrerrors.NewCacheUnavailableError("clear", errors.New("connection refused"))
}

func (brokenStore) Close() error { return nil }

func TestRecognizeCacheUnavailable(t *testing.T) {
	p := newTestProcessor(t, newLetters(), storage.NewManager(brokenStore{}, nil, 0), nil)

	res, err := p.Recognize(context.Background(), &ImageRequest{Data: quadrants(t), UseCache: true})
	if err != nil {
		t.Fatalf("cache failure must not fail the job: %v", err)
	}
	if res.Text != "A B\n\nC D" || res.Cached {
		t.Errorf("unexpected result %+v", res)
	}

	if _, err := p.CacheStats(context.Background()); !errors.Is(err, ocrerrors.ErrCacheUnavailable) {
		t.Errorf("expected CACHE_UNAVAILABLE from stats, got %v", err)
	}
}

func TestRecognizeBatchIsolatesJobs(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.png")
	if err := os.WriteFile(good, quadrants(t), 0o644); err != nil {
		t.Fatal(err)
	}

	p := newTestProcessor(t, newLetters(), nil, nil)
	results := p.RecognizeBatch(context.Background(), []*ImageRequest{
		{Path: good},
		{Path: filepath.Join(dir, "missing.png")},
		{Path: good},
	})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, i := range []int{0, 2} {
		if results[i].Err != nil || results[i].Result.Text != "A B\n\nC D" {
			t.Errorf("job %d: unexpected %+v", i, results[i])
		}
		if results[i].Path != good {
			t.Errorf("job %d: path %q", i, results[i].Path)
		}
	}
	if !errors.Is(results[1].Err, ocrerrors.ErrMissingInput) || results[1].Result != nil {
		t.Errorf("job 1: expected MISSING_INPUT, got %+v", results[1])
	}
	if results[0].Result.JobID == results[2].Result.JobID {
		t.Error("expected distinct job IDs")
	}
}

func TestStreamYieldsCorrectedLines(t *testing.T) {
	rec := newLetters()
	vocab := vocabulary.New(map[string]string{"djnh": "định"})
	p := newTestProcessor(t, rec, nil, vocab)

	stream, err := p.Stream(context.Background(), &ImageRequest{Data: bands(t, 40, 200, 80)})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	got := stream.Collect()
	want := []string{"A", "định vOn", "B"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestCachedTextAndClear(t *testing.T) {
	ctx := context.Background()
	vocab := vocabulary.New(map[string]string{"zz": "y"})
	p := newTestProcessor(t, newLetters(), storage.NewManager(storage.NewMemoryStore(), nil, 0), vocab)
	data := quadrants(t)

	if _, ok, _ := p.CachedText(ctx, &ImageRequest{Data: data}); ok {
		t.Fatal("expected miss before recognition")
	}
	if _, err := p.Recognize(ctx, &ImageRequest{Data: data, UseCache: true}); err != nil {
		t.Fatal(err)
	}
	text, ok, err := p.CachedText(ctx, &ImageRequest{Data: data})
	if err != nil || !ok || text != "A B\n\nC D" {
		t.Errorf("expected cached text, got %q ok=%v err=%v", text, ok, err)
	}

	if err := p.ClearCache(ctx); err != nil {
		t.Fatal(err)
	}
	stats, _ := p.CacheStats(ctx)
	if stats.EntryCount != 0 || stats.VocabularySize != 1 {
		t.Errorf("clear should keep vocabulary, got %+v", stats)
	}
}

func TestNewProcessorValidation(t *testing.T) {
	if _, err := NewProcessor(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewProcessor(&Config{}); err == nil {
		t.Error("expected error without recognizer")
	}
	if _, err := NewProcessor(&Config{Recognizer: newLetters(), Dispatch: dispatch.Config{Mode: dispatch.ModeProcess, Workers: 2}}); err == nil {
		t.Error("expected error for process mode with in-process recognizer")
	}
}

func TestExamples(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, newLetters(), storage.NewManager(storage.NewMemoryStore(), nil, 0), nil)

	if err := p.AddExample(ctx, "invoice", "Hóa đơn"); err != nil {
		t.Fatal(err)
	}
	if err := p.AddExample(ctx, "letter", "Kính gửi"); err != nil {
		t.Fatal(err)
	}
	if err := p.AddExample(ctx, "invoice", "  "); err == nil {
		t.Error("expected error for blank example")
	}

	got, err := p.Examples(ctx, "invoice", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "Hóa đơn" {
		t.Errorf("unexpected examples %+v", got)
	}

	bare := newTestProcessor(t, newLetters(), nil, nil)
	if err := bare.AddExample(ctx, "invoice", "x"); err == nil {
		t.Error("expected error without a cache store")
	}
}

func TestRecognizeOnlyNonEmptyTileFails(t *testing.T) {
	rec := newLetters()
	rec.failOn[40] = true
	p, err := NewProcessor(&Config{
		Recognizer: rec,
		Dispatch:   dispatch.Config{Mode: dispatch.ModeSequential},
		Partition:  partition.ModeGrid,
		GridRows:   4,
		GridCols:   1,
		JobWorkers: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	img := image.NewGray(image.Rect(0, 0, 40, 2))
	for x := 0; x < 40; x++ {
		img.SetGray(x, 0, color.Gray{Y: 40})
		img.SetGray(x, 1, color.Gray{Y: 40})
	}

	res, err := p.Recognize(context.Background(), &ImageRequest{Data: encode(t, img)})
	if !errors.Is(err, ocrerrors.ErrRecognitionFailed) {
		t.Fatalf("expected RECOGNITION_FAILED, got res=%+v err=%v", res, err)
	}
	if !strings.Contains(err.Error(), "simulated engine failure") {
		t.Errorf("expected the tile's error as cause, got %v", err)
	}
	if rec.calls != 1 {
		t.Errorf("expected only the non-empty tile to be recognized, got %d calls", rec.calls)
	}
}
