package recognizer

import (
	"fmt"

	"github.com/vietgs03/ocr-tt/internal/clients"
)

// Backend names
const (
	BackendTesseract = "tesseract"
	BackendLine      = "line"
	BackendVision    = "vision"
)

// BackendConfig selects and configures an in-process backend
type BackendConfig struct {
	Backend      string
	Tesseract    TesseractConfig
	Vision       VisionConfig
	VisionClient *clients.VisionClient // required for the vision backend
}

// NewFactory returns the handle factory for cfg.Backend
func NewFactory(cfg BackendConfig) (Factory, error) {
	switch cfg.Backend {
	case BackendTesseract, "":
		return TesseractFactory(cfg.Tesseract), nil
	case BackendLine:
		return LineFactory(cfg.Tesseract), nil
	case BackendVision:
		if cfg.VisionClient == nil {
			return nil, fmt.Errorf("vision backend requires a vision client")
		}
		return VisionFactory(cfg.VisionClient, cfg.Vision), nil
	}
	return nil, fmt.Errorf("unknown recognizer backend %q", cfg.Backend)
}
