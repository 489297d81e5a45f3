package recognizer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/geometry"
)

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages   []string          // e.g. ["vie", "eng"]
	PageSegMode int               // 0 keeps the engine default
	Variables   map[string]string // engine variables, e.g. preserve_interword_spaces=1
}

// TesseractRecognizer runs a local Tesseract instance and reports one region
// per detected text line.
type TesseractRecognizer struct {
	mu     sync.Mutex
	client *gosseract.Client
	name   string
	level  gosseract.PageIteratorLevel
}

// NewTesseractRecognizer initializes a Tesseract instance
func NewTesseractRecognizer(cfg TesseractConfig) (*TesseractRecognizer, error) {
	client, err := newTesseractClient(cfg)
	if err != nil {
		return nil, err
	}

	return &TesseractRecognizer{
		client: client,
		name:   "tesseract",
		level:  gosseract.RIL_TEXTLINE,
	}, nil
}

// TesseractFactory returns a Factory for pools of Tesseract handles
func TesseractFactory(cfg TesseractConfig) Factory {
	return func() (Handle, error) {
		return NewTesseractRecognizer(cfg)
	}
}

func newTesseractClient(cfg TesseractConfig) (*gosseract.Client, error) {
	client := gosseract.NewClient()

	if len(cfg.Languages) > 0 {
		if err := client.SetLanguage(cfg.Languages...); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set tesseract languages %v: %w", cfg.Languages, err)
		}
	}
	if cfg.PageSegMode > 0 {
		if err := client.SetPageSegMode(gosseract.PageSegMode(cfg.PageSegMode)); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
		}
	}
	for k, v := range cfg.Variables {
		if err := client.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set tesseract variable %s: %w", k, err)
		}
	}

	return client, nil
}

// Name returns the backend name
func (t *TesseractRecognizer) Name() string { return t.name }

// Recognize performs OCR on one encoded image
func (t *TesseractRecognizer) Recognize(ctx context.Context, image []byte) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.client.SetImageFromBytes(image); err != nil {
		return nil, ocrerrors.NewRecognitionFailedError("", t.name, fmt.Errorf("failed to set image: %w", err))
	}

	boxes, err := t.client.GetBoundingBoxes(t.level)
	if err != nil {
		// Layout analysis can fail on unusual inputs while plain text still works.
		text, textErr := t.client.Text()
		if textErr != nil {
			return nil, ocrerrors.NewRecognitionFailedError("", t.name, textErr)
		}
		return &Output{Text: strings.TrimSpace(text)}, nil
	}

	out := &Output{HasGeometry: true}
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		out.Regions = append(out.Regions, geometry.TextRegion{
			Box: geometry.BoundingBox{
				TopLeft:     geometry.Point{X: float64(b.Box.Min.X), Y: float64(b.Box.Min.Y)},
				BottomRight: geometry.Point{X: float64(b.Box.Max.X), Y: float64(b.Box.Max.Y)},
			},
			Text:       text,
			Confidence: b.Confidence / 100,
		})
	}

	return out, nil
}

// Close releases the Tesseract instance
func (t *TesseractRecognizer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client.Close()
}
