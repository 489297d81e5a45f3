package recognizer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/geometry"
)

// LineRecognizer reads word boxes and rebuilds one region per text line from
// the engine's block/paragraph/line numbering. Word gaps inside a line are
// kept as single spaces and the line box is the union of its word boxes.
type LineRecognizer struct {
	mu     sync.Mutex
	client *gosseract.Client
}

// NewLineRecognizer initializes a line-granularity Tesseract instance
func NewLineRecognizer(cfg TesseractConfig) (*LineRecognizer, error) {
	client, err := newTesseractClient(cfg)
	if err != nil {
		return nil, err
	}
	return &LineRecognizer{client: client}, nil
}

// LineFactory returns a Factory for pools of line recognizers
func LineFactory(cfg TesseractConfig) Factory {
	return func() (Handle, error) {
		return NewLineRecognizer(cfg)
	}
}

// Name returns the backend name
func (l *LineRecognizer) Name() string { return "line" }

type lineKey struct {
	block, par, line int
}

// Recognize performs OCR on one encoded image
func (l *LineRecognizer) Recognize(ctx context.Context, image []byte) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.client.SetImageFromBytes(image); err != nil {
		return nil, ocrerrors.NewRecognitionFailedError("", l.Name(), fmt.Errorf("failed to set image: %w", err))
	}

	words, err := l.client.GetBoundingBoxesVerbose()
	if err != nil {
		return nil, ocrerrors.NewRecognitionFailedError("", l.Name(), err)
	}

	return &Output{Regions: groupWords(words), HasGeometry: true}, nil
}

func groupWords(words []gosseract.BoundingBox) []geometry.TextRegion {
	type acc struct {
		region geometry.TextRegion
		words  []string
		conf   float64
		order  int
	}

	lines := map[lineKey]*acc{}
	for _, w := range words {
		text := strings.TrimSpace(w.Word)
		if text == "" {
			continue
		}

		key := lineKey{w.BlockNum, w.ParNum, w.LineNum}
		a, ok := lines[key]
		if !ok {
			a = &acc{
				region: geometry.TextRegion{Box: geometry.BoundingBox{
					TopLeft:     geometry.Point{X: float64(w.Box.Min.X), Y: float64(w.Box.Min.Y)},
					BottomRight: geometry.Point{X: float64(w.Box.Max.X), Y: float64(w.Box.Max.Y)},
				}},
				order: len(lines),
			}
			lines[key] = a
		}

		box := &a.region.Box
		box.TopLeft.X = min(box.TopLeft.X, float64(w.Box.Min.X))
		box.TopLeft.Y = min(box.TopLeft.Y, float64(w.Box.Min.Y))
		box.BottomRight.X = max(box.BottomRight.X, float64(w.Box.Max.X))
		box.BottomRight.Y = max(box.BottomRight.Y, float64(w.Box.Max.Y))

		a.words = append(a.words, text)
		a.conf += w.Confidence
	}

	ordered := make([]*acc, 0, len(lines))
	for _, a := range lines {
		ordered = append(ordered, a)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	regions := make([]geometry.TextRegion, 0, len(ordered))
	for _, a := range ordered {
		a.region.Text = strings.Join(a.words, " ")
		a.region.Confidence = a.conf / float64(len(a.words)) / 100
		regions = append(regions, a.region)
	}
	return regions
}

// Close releases the Tesseract instance
func (l *LineRecognizer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client.Close()
}
