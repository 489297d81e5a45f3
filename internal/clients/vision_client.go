/**
 * Vision Client - Ollama-compatible vision-language model endpoint
 *
 * Sends page tiles to a locally hosted vision model through /api/chat and
 * returns the raw model output. The model stays resident between requests
 * for KeepAlive; Preload and Unload manage that residency explicitly so a
 * worker can pay the load cost once at startup and free GPU memory on exit.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vietgs03/ocr-tt/internal/logging"
)

// DefaultPrompt asks grounding-capable models for plain transcription
const DefaultPrompt = "Free OCR."

// VisionClient handles communication with the vision model server
type VisionClient struct {
	baseURL    string
	model      string
	keepAlive  string
	httpClient *http.Client
	logger     *logging.Logger
}

// VisionConfig holds vision client configuration
type VisionConfig struct {
	BaseURL   string
	Model     string
	KeepAlive string // Ollama duration string, e.g. "5m"; "0" unloads after the call
	Timeout   time.Duration
}

// ChatMessage is one message of a chat request
type ChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // Base64 encoded images
}

// ChatRequest is the /api/chat request body
type ChatRequest struct {
	Model     string                 `json:"model"`
	Messages  []ChatMessage          `json:"messages"`
	Stream    bool                   `json:"stream"`
	KeepAlive string                 `json:"keep_alive,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

// ChatResponse is the non-streaming /api/chat response body
type ChatResponse struct {
	Model           string      `json:"model"`
	Message         ChatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	TotalDuration   int64       `json:"total_duration"` // nanoseconds
	LoadDuration    int64       `json:"load_duration"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error,omitempty"`
}

// NewVisionClient creates a new vision client
func NewVisionClient(cfg VisionConfig) *VisionClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second // Vision inference on CPU can be slow
	}
	keepAlive := cfg.KeepAlive
	if keepAlive == "" {
		keepAlive = "5m"
	}

	return &VisionClient{
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		keepAlive: keepAlive,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.NewLogger("VisionClient"),
	}
}

// Model returns the configured model name
func (c *VisionClient) Model() string {
	return c.model
}

// Chat sends a chat request and returns the decoded response
func (c *VisionClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	endpoint := fmt.Sprintf("%s/api/chat", c.baseURL)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to vision model failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vision model returned error status %d: %s", resp.StatusCode, string(body))
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if chatResp.Error != "" {
		return nil, fmt.Errorf("vision model error: %s", chatResp.Error)
	}

	return &chatResp, nil
}

// ExtractText sends one image with a prompt and returns the model's raw output
func (c *VisionClient) ExtractText(ctx context.Context, imageData []byte, prompt string) (string, error) {
	if prompt == "" {
		prompt = DefaultPrompt
	}

	startTime := time.Now()

	resp, err := c.Chat(ctx, &ChatRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{
				Role:    "user",
				Content: prompt,
				Images:  []string{base64.StdEncoding.EncodeToString(imageData)},
			},
		},
		Stream:    false,
		KeepAlive: c.keepAlive,
		Options: map[string]interface{}{
			"temperature": 0,
		},
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug("Text extraction complete",
		"model", resp.Model,
		"evalCount", resp.EvalCount,
		"duration", time.Since(startTime),
		"textLength", len(resp.Message.Content))

	return resp.Message.Content, nil
}

// Preload loads the model into memory and keeps it resident for KeepAlive
func (c *VisionClient) Preload(ctx context.Context) error {
	c.logger.Info("Preloading vision model", "model", c.model, "keepAlive", c.keepAlive)

	_, err := c.Chat(ctx, &ChatRequest{
		Model:     c.model,
		Messages:  []ChatMessage{{Role: "user", Content: "warmup"}},
		KeepAlive: c.keepAlive,
	})
	if err != nil {
		return fmt.Errorf("failed to preload model %s: %w", c.model, err)
	}
	return nil
}

// Unload asks the server to evict the model immediately
func (c *VisionClient) Unload(ctx context.Context) error {
	c.logger.Info("Unloading vision model", "model", c.model)

	_, err := c.Chat(ctx, &ChatRequest{
		Model:     c.model,
		Messages:  []ChatMessage{},
		KeepAlive: "0",
	})
	if err != nil {
		return fmt.Errorf("failed to unload model %s: %w", c.model, err)
	}
	return nil
}

// HealthCheck verifies the model server is reachable
func (c *VisionClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/tags", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vision model server unhealthy: status %d", resp.StatusCode)
	}

	return nil
}
