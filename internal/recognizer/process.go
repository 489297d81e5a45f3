package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
)

// ProcessRecognizer runs every request in a fresh child process. The child
// reads one image on stdin and writes a JSON Output on stdout, so a crash or
// leak in the engine never takes down the caller.
type ProcessRecognizer struct {
	path string
	args []string
	env  []string
}

// NewProcessRecognizer uses the executable at path (normally cmd/tileworker)
func NewProcessRecognizer(path string, args ...string) *ProcessRecognizer {
	return &ProcessRecognizer{path: path, args: args}
}

// WithEnv sets extra environment variables for child processes
func (p *ProcessRecognizer) WithEnv(env ...string) *ProcessRecognizer {
	p.env = append(p.env, env...)
	return p
}

// Name returns the backend name
func (p *ProcessRecognizer) Name() string { return "process" }

// Recognize spawns one child for the image and decodes its output
func (p *ProcessRecognizer) Recognize(ctx context.Context, image []byte) (*Output, error) {
	cmd := exec.CommandContext(ctx, p.path, p.args...)
	cmd.Stdin = bytes.NewReader(image)
	if len(p.env) > 0 {
		cmd.Env = append(cmd.Environ(), p.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, ocrerrors.NewRecognitionFailedError("", p.Name(),
			fmt.Errorf("tile worker %s failed: %w: %s", p.path, err, strings.TrimSpace(stderr.String())))
	}

	var out Output
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, ocrerrors.NewRecognitionFailedError("", p.Name(),
			fmt.Errorf("failed to decode tile worker output: %w", err))
	}

	return &out, nil
}

// Close is a no-op; children exit after each request
func (p *ProcessRecognizer) Close() error { return nil }
