package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietgs03/ocr-tt/internal/clients"
	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/geometry"
)

type countingHandle struct {
	id     int
	active *int32
	peak   *int32
	closed bool
}

func (h *countingHandle) Name() string { return "counting" }

func (h *countingHandle) Recognize(ctx context.Context, image []byte) (*Output, error) {
	n := atomic.AddInt32(h.active, 1)
	for {
		p := atomic.LoadInt32(h.peak)
		if n <= p || atomic.CompareAndSwapInt32(h.peak, p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(h.active, -1)
	return &Output{Text: fmt.Sprintf("handle-%d", h.id)}, nil
}

func (h *countingHandle) Close() error {
	h.closed = true
	return nil
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var active, peak int32
	var built []*countingHandle

	pool, err := NewPool(3, func() (Handle, error) {
		h := &countingHandle{id: len(built), active: &active, peak: &peak}
		built = append(built, h)
		return h, nil
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Recognize(context.Background(), nil); err != nil {
				t.Errorf("Recognize failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak > 3 {
		t.Errorf("expected at most 3 concurrent calls, saw %d", peak)
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for _, h := range built {
		if !h.closed {
			t.Errorf("handle %d not closed", h.id)
		}
	}
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed after Close, got %v", err)
	}
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	var active, peak int32
	pool, err := NewPool(1, func() (Handle, error) {
		return &countingHandle{active: &active, peak: &peak}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	h, _ := pool.Acquire(context.Background())
	defer pool.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestPoolFactoryFailureClosesBuilt(t *testing.T) {
	var active, peak int32
	var first *countingHandle
	calls := 0

	_, err := NewPool(2, func() (Handle, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("engine missing")
		}
		first = &countingHandle{active: &active, peak: &peak}
		return first, nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !first.closed {
		t.Error("expected already built handle to be closed")
	}
}

func TestParseGrounding(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		w, h         int
		wantGeometry bool
		wantText     string
		wantRegions  int
	}{
		{
			name:         "tags with boxes",
			raw:          "<|ref|>Xin chao<|/ref|><|det|>[[0, 0, 499, 99]]<|/det|>\n<|ref|>the gioi<|/ref|><|det|>[[0, 200, 999, 299]]<|/det|>",
			w:            999,
			h:            999,
			wantGeometry: true,
			wantRegions:  2,
		},
		{
			name:     "tags without size",
			raw:      "<|ref|>a<|/ref|><|det|>[[1,2,3,4]]<|/det|><|ref|>b<|/ref|><|det|>[[1,2,3,4]]<|/det|>",
			wantText: "a\nb",
		},
		{
			name:     "tags with malformed boxes",
			raw:      "<|ref|>a<|/ref|><|det|>none<|/det|>",
			w:        100,
			h:        100,
			wantText: "a",
		},
		{
			name:     "plain text",
			raw:      "  Cong hoa xa hoi\n",
			w:        100,
			h:        100,
			wantText: "Cong hoa xa hoi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ParseGrounding(tt.raw, tt.w, tt.h)
			if out.HasGeometry != tt.wantGeometry {
				t.Fatalf("expected HasGeometry=%v, got %v", tt.wantGeometry, out.HasGeometry)
			}
			if tt.wantGeometry {
				if len(out.Regions) != tt.wantRegions {
					t.Fatalf("expected %d regions, got %d", tt.wantRegions, len(out.Regions))
				}
				return
			}
			if out.Text != tt.wantText {
				t.Errorf("expected %q, got %q", tt.wantText, out.Text)
			}
		})
	}
}

func TestParseGroundingScalesBoxes(t *testing.T) {
	out := ParseGrounding("<|ref|>x<|/ref|><|det|>[[999, 999, 999, 999]]<|/det|>", 200, 100)
	if !out.HasGeometry {
		t.Fatal("expected geometry")
	}
	got := out.Regions[0].Box.TopLeft
	if got.X != 200 || got.Y != 100 {
		t.Errorf("expected (200,100), got (%v,%v)", got.X, got.Y)
	}
}

func TestJoinedText(t *testing.T) {
	out := &Output{
		Regions: []geometry.TextRegion{
			{Box: geometry.BoundingBox{TopLeft: geometry.Point{X: 50, Y: 0}}, Text: "b"},
			{Box: geometry.BoundingBox{TopLeft: geometry.Point{X: 0, Y: 0}}, Text: "a"},
			{Box: geometry.BoundingBox{TopLeft: geometry.Point{X: 0, Y: 40}}, Text: "c"},
		},
		HasGeometry: true,
	}
	if got := out.JoinedText(); got != "a b\nc" {
		t.Errorf("expected %q, got %q", "a b\nc", got)
	}
}

// TestHelperProcess is not a real test; it is the child for ProcessRecognizer tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	data, _ := io.ReadAll(os.Stdin)
	if os.Getenv("HELPER_FAIL") == "1" {
		fmt.Fprint(os.Stderr, "engine exploded")
		os.Exit(2)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		fmt.Fprint(os.Stderr, err)
		os.Exit(3)
	}
	json.NewEncoder(os.Stdout).Encode(Output{
		Text: fmt.Sprintf("%dx%d", img.Bounds().Dx(), img.Bounds().Dy()),
	})
	os.Exit(0)
}

func helperRecognizer(extraEnv ...string) *ProcessRecognizer {
	return NewProcessRecognizer(os.Args[0], "-test.run=TestHelperProcess").
		WithEnv(append([]string{"GO_WANT_HELPER_PROCESS=1"}, extraEnv...)...)
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestProcessRecognizer(t *testing.T) {
	out, err := helperRecognizer().Recognize(context.Background(), encodePNG(t, 12, 7))
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if out.Text != "12x7" {
		t.Errorf("expected '12x7', got %q", out.Text)
	}
}

func TestProcessRecognizerFailure(t *testing.T) {
	_, err := helperRecognizer("HELPER_FAIL=1").Recognize(context.Background(), encodePNG(t, 1, 1))
	if !errors.Is(err, ocrerrors.ErrRecognitionFailed) {
		t.Fatalf("expected RECOGNITION_FAILED, got %v", err)
	}
}

func TestNewFactory(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BackendConfig
		wantErr bool
	}{
		{"default is tesseract", BackendConfig{}, false},
		{"tesseract", BackendConfig{Backend: BackendTesseract}, false},
		{"line", BackendConfig{Backend: BackendLine}, false},
		{"vision without client", BackendConfig{Backend: BackendVision}, true},
		{"vision", BackendConfig{Backend: BackendVision, VisionClient: clients.NewVisionClient(clients.VisionConfig{BaseURL: "http://localhost:11434"})}, false},
		{"unknown", BackendConfig{Backend: "paddle"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory, err := NewFactory(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil || factory == nil {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}
