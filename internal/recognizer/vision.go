package recognizer

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	"github.com/vietgs03/ocr-tt/internal/clients"
	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/geometry"
	"github.com/vietgs03/ocr-tt/internal/logging"
)

// Grounding models report boxes on a 0..999 grid over the input image.
const groundingScale = 999.0

var (
	groundingPattern = regexp.MustCompile(`(?s)<\|ref\|>(.*?)<\|/ref\|>\s*<\|det\|>(.*?)<\|/det\|>`)
	numberPattern    = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// VisionConfig holds vision recognizer configuration
type VisionConfig struct {
	Prompt       string
	MaxDimension int // tiles larger than this are downscaled before upload; 0 disables
}

// VisionRecognizer sends tiles to a vision-language model and parses its
// grounding tags into regions.
type VisionRecognizer struct {
	client *clients.VisionClient
	cfg    VisionConfig
	logger *logging.Logger
}

// NewVisionRecognizer wraps a vision client
func NewVisionRecognizer(client *clients.VisionClient, cfg VisionConfig) *VisionRecognizer {
	if cfg.Prompt == "" {
		cfg.Prompt = clients.DefaultPrompt
	}
	return &VisionRecognizer{
		client: client,
		cfg:    cfg,
		logger: logging.NewLogger("VisionRecognizer"),
	}
}

// VisionFactory returns a Factory sharing one client. The model server
// serializes inference itself, so handles are cheap wrappers.
func VisionFactory(client *clients.VisionClient, cfg VisionConfig) Factory {
	return func() (Handle, error) {
		return NewVisionRecognizer(client, cfg), nil
	}
}

// Name returns the backend name
func (v *VisionRecognizer) Name() string { return "vision:" + v.client.Model() }

// Recognize performs OCR on one encoded image
func (v *VisionRecognizer) Recognize(ctx context.Context, data []byte) (*Output, error) {
	payload, width, height := v.preprocess(data)

	raw, err := v.client.ExtractText(ctx, payload, v.cfg.Prompt)
	if err != nil {
		return nil, ocrerrors.NewRecognitionFailedError("", v.Name(), err)
	}

	return ParseGrounding(raw, width, height), nil
}

// Close is a no-op; the model lifecycle belongs to the client
func (v *VisionRecognizer) Close() error { return nil }

// preprocess downscales oversized tiles. It returns the bytes to upload and
// the original tile size used to map grounding boxes back to pixels. On any
// decode failure the original bytes are sent and the size is unknown (0).
func (v *VisionRecognizer) preprocess(data []byte) ([]byte, int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		v.logger.Warn("Preprocessing failed, using original", "error", err)
		return data, 0, 0
	}

	maxDim := max(cfg.Width, cfg.Height)
	if v.cfg.MaxDimension <= 0 || maxDim <= v.cfg.MaxDimension {
		return data, cfg.Width, cfg.Height
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		v.logger.Warn("Preprocessing failed, using original", "error", err)
		return data, cfg.Width, cfg.Height
	}

	scale := float64(v.cfg.MaxDimension) / float64(maxDim)
	dst := image.NewRGBA(image.Rect(0, 0,
		max(1, int(float64(cfg.Width)*scale)),
		max(1, int(float64(cfg.Height)*scale))))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		v.logger.Warn("Preprocessing failed, using original", "error", err)
		return data, cfg.Width, cfg.Height
	}

	return buf.Bytes(), cfg.Width, cfg.Height
}

// ParseGrounding converts model output into an Output.
//
// Tagged fragments with parsable boxes become regions scaled to a
// width x height tile. Tagged fragments without usable boxes (or an unknown
// tile size) yield their texts joined by newlines, without geometry.
// Untagged output is returned verbatim as text.
func ParseGrounding(raw string, width, height int) *Output {
	matches := groundingPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return &Output{Text: strings.TrimSpace(raw)}
	}

	texts := make([]string, 0, len(matches))
	regions := make([]geometry.TextRegion, 0, len(matches))
	boxesOK := width > 0 && height > 0

	for _, m := range matches {
		text := strings.TrimSpace(m[1])
		texts = append(texts, text)

		box, ok := parseDet(m[2], width, height)
		if !ok {
			boxesOK = false
			continue
		}
		regions = append(regions, geometry.TextRegion{Box: box, Text: text, Confidence: 1})
	}

	if !boxesOK {
		return &Output{Text: strings.Join(texts, "\n")}
	}
	return &Output{Regions: regions, HasGeometry: true}
}

// parseDet reads "[[x1, y1, x2, y2], ...]" and returns the union of the boxes
// in tile pixels.
func parseDet(det string, width, height int) (geometry.BoundingBox, bool) {
	nums := numberPattern.FindAllString(det, -1)
	if len(nums) < 4 || len(nums)%4 != 0 {
		return geometry.BoundingBox{}, false
	}

	vals := make([]float64, len(nums))
	for i, n := range nums {
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return geometry.BoundingBox{}, false
		}
		vals[i] = f
	}

	sx, sy := float64(width)/groundingScale, float64(height)/groundingScale
	box := geometry.BoundingBox{
		TopLeft:     geometry.Point{X: vals[0] * sx, Y: vals[1] * sy},
		BottomRight: geometry.Point{X: vals[2] * sx, Y: vals[3] * sy},
	}
	for i := 4; i < len(vals); i += 4 {
		box.TopLeft.X = min(box.TopLeft.X, vals[i]*sx)
		box.TopLeft.Y = min(box.TopLeft.Y, vals[i+1]*sy)
		box.BottomRight.X = max(box.BottomRight.X, vals[i+2]*sx)
		box.BottomRight.Y = max(box.BottomRight.Y, vals[i+3]*sy)
	}

	return box, true
}
