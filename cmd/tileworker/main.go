/**
 * Tile Worker - process-isolated recognizer
 *
 * Reads one encoded image on stdin, runs a single recognizer handle over it
 * and writes the JSON Output on stdout. Logs go to stderr; stdout carries
 * only the payload. The worker spawns one of these per tile when
 * DISPATCH_MODE=process, so an engine crash only loses that tile.
 */

package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/vietgs03/ocr-tt/internal/clients"
	"github.com/vietgs03/ocr-tt/internal/logging"
	"github.com/vietgs03/ocr-tt/internal/recognizer"
)

func main() {
	logging.SetOutput(os.Stderr)
	logger := logging.NewLogger("TileWorker")

	backend := pflag.String("backend", recognizer.BackendTesseract, "recognizer backend: tesseract, line or vision")
	lang := pflag.String("lang", "vie+eng", "tesseract languages, '+' separated")
	psm := pflag.Int("psm", 0, "tesseract page segmentation mode (0 keeps the default)")
	visionURL := pflag.String("vision-url", "http://localhost:11434", "vision model server URL")
	visionModel := pflag.String("vision-model", "deepseek-ocr", "vision model name")
	maxDimension := pflag.Int("max-dimension", 1024, "downscale images larger than this before vision inference")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := recognizer.BackendConfig{
		Backend: *backend,
		Tesseract: recognizer.TesseractConfig{
			Languages:   strings.Split(*lang, "+"),
			PageSegMode: *psm,
		},
		Vision: recognizer.VisionConfig{MaxDimension: *maxDimension},
	}
	if *backend == recognizer.BackendVision {
		cfg.VisionClient = clients.NewVisionClient(clients.VisionConfig{
			BaseURL: *visionURL,
			Model:   *visionModel,
		})
	}

	factory, err := recognizer.NewFactory(cfg)
	if err != nil {
		logger.Error("Invalid backend", "error", err)
		os.Exit(2)
	}

	image, err := io.ReadAll(os.Stdin)
	if err != nil || len(image) == 0 {
		logger.Error("No image on stdin", "error", err)
		os.Exit(2)
	}

	handle, err := factory()
	if err != nil {
		logger.Error("Failed to initialize recognizer", "backend", *backend, "error", err)
		os.Exit(1)
	}
	defer handle.Close()

	out, err := handle.Recognize(ctx, image)
	if err != nil {
		logger.Error("Recognition failed", "backend", handle.Name(), "error", err)
		handle.Close()
		os.Exit(1)
	}

	if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
		logger.Error("Failed to write output", "error", err)
		handle.Close()
		os.Exit(1)
	}
}
