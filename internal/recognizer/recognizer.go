/**
 * Recognizer Adapter - uniform boundary over text-recognition backends
 *
 * A backend receives one encoded tile image and returns positioned text
 * regions in tile-local pixel coordinates. Backends that cannot report
 * geometry return plain text with HasGeometry=false and the merge engine
 * falls back to concatenation for those tiles.
 */

package recognizer

import (
	"context"
	"strings"

	"github.com/vietgs03/ocr-tt/internal/geometry"
)

// Output is what a backend produced for one image
type Output struct {
	Regions     []geometry.TextRegion `json:"regions"`
	Text        string                `json:"text"`
	HasGeometry bool                  `json:"has_geometry"`
}

// JoinedText returns Text, or the region texts joined by newlines when Text is empty
func (o *Output) JoinedText() string {
	if o == nil {
		return ""
	}
	if o.Text != "" || len(o.Regions) == 0 {
		return o.Text
	}

	lines := geometry.ClusterLines(o.Regions, geometry.DefaultLineThreshold)
	texts := make([]string, 0, len(lines))
	for _, l := range lines {
		texts = append(texts, l.Text())
	}
	return strings.Join(texts, "\n")
}

// Recognizer turns image bytes into text regions
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, image []byte) (*Output, error)
}

// Handle is a recognizer that owns resources (engine instance, loaded model)
type Handle interface {
	Recognizer
	Close() error
}

// Factory builds a fresh, initialized handle
type Factory func() (Handle, error)
