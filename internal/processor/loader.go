package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
)

// loadImage returns the raw bytes for req from its buffer, URL or path
func (p *Processor) loadImage(ctx context.Context, req *ImageRequest) ([]byte, error) {
	if len(req.Data) > 0 {
		return req.Data, nil
	}

	if strings.HasPrefix(req.Path, "http://") || strings.HasPrefix(req.Path, "https://") {
		data, err := p.download(ctx, req.JobID, req.Path)
		if err != nil {
			return nil, ocrerrors.NewMissingInputError(req.JobID, req.Path, err)
		}
		return data, nil
	}

	if req.Path == "" {
		return nil, ocrerrors.NewMissingInputError(req.JobID, "", fmt.Errorf("no image source provided (data or path)"))
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		return nil, ocrerrors.NewMissingInputError(req.JobID, req.Path, err)
	}
	if info.IsDir() {
		return nil, ocrerrors.NewMissingInputError(req.JobID, req.Path, fmt.Errorf("path is a directory"))
	}
	if p.config.MaxFileSize > 0 && info.Size() > p.config.MaxFileSize {
		return nil, ocrerrors.NewUnsupportedFormatError(req.JobID, "",
			fmt.Errorf("file size exceeds maximum: %d > %d bytes", info.Size(), p.config.MaxFileSize))
	}

	data, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, ocrerrors.NewMissingInputError(req.JobID, req.Path, err)
	}
	return data, nil
}

// download fetches an image over HTTP with exponential backoff
func (p *Processor) download(ctx context.Context, jobID, url string) ([]byte, error) {
	const (
		maxRetries       = 3
		initialBackoffMs = 500
		maxBackoffMs     = 8000
	)

	client := &http.Client{Timeout: 2 * time.Minute}
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		data, err := p.fetch(ctx, client, url)
		if err == nil {
			p.logger.Debug("Image downloaded", "job_id", jobID, "bytes", len(data), "attempt", attempt)
			return data, nil
		}
		lastErr = err
		p.logger.Warn("Download attempt failed", "job_id", jobID, "attempt", attempt, "error", err)

		if attempt < maxRetries {
			backoffMs := initialBackoffMs * int(math.Pow(2, float64(attempt-1)))
			if backoffMs > maxBackoffMs {
				backoffMs = maxBackoffMs
			}
			select {
			case <-time.After(time.Duration(backoffMs) * time.Millisecond):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed to download image after %d attempts: %w", maxRetries, lastErr)
}

func (p *Processor) fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	limit := p.config.MaxFileSize
	if limit <= 0 {
		limit = 512 * 1024 * 1024
	}
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, limit)
	}

	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// decodeImage decodes any registered raster format
func decodeImage(jobID string, data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ocrerrors.NewUnsupportedFormatError(jobID, detectMimeType(data), err)
	}
	if img.Bounds().Empty() {
		return nil, ocrerrors.NewUnsupportedFormatError(jobID, "image/"+format, fmt.Errorf("image has no pixels"))
	}
	return img, nil
}

// detectMimeType names the format from magic bytes, for error reporting
func detectMimeType(data []byte) string {
	switch {
	case len(data) < 4:
		return ""
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	case bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}), bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	}
	return "application/octet-stream"
}
