package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/vietgs03/ocr-tt/internal/partition"
	"github.com/vietgs03/ocr-tt/internal/processor"
)

// Task types
const (
	TypeRecognize  = "ocr:recognize"
	TypeLearn      = "ocr:learn"
	TypeClearCache = "ocr:clear-cache"
	TypeExample    = "ocr:example"
)

// JobData is the payload of a recognize task
type JobData struct {
	JobID      string `json:"jobId"`
	Path       string `json:"path,omitempty"` // file path or http(s) URL
	Image      []byte `json:"-"`              // set by UnmarshalJSON
	SkipCache  bool   `json:"skipCache,omitempty"`
	Mode       string `json:"mode,omitempty"`
	SourceHint string `json:"sourceHint,omitempty"`
}

// MarshalJSON encodes Image as base64
func (d JobData) MarshalJSON() ([]byte, error) {
	type Alias JobData
	return json.Marshal(&struct {
		Image string `json:"image,omitempty"`
		Alias
	}{
		Image: base64.StdEncoding.EncodeToString(d.Image),
		Alias: Alias(d),
	})
}

// UnmarshalJSON accepts the image either as a base64 string or as a
// Node.js Buffer object ({"type":"Buffer","data":[...]}).
func (d *JobData) UnmarshalJSON(data []byte) error {
	type Alias JobData
	aux := &struct {
		Image interface{} `json:"image,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(d),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobData: %w", err)
	}

	switch v := aux.Image.(type) {
	case nil:
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 image: %w", err)
		}
		d.Image = decoded
	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		d.Image = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			d.Image[i] = byte(byteVal)
		}
	default:
		return fmt.Errorf("image must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// Request converts the payload to a processor request
func (d *JobData) Request() (*processor.ImageRequest, error) {
	req := &processor.ImageRequest{
		JobID:      d.JobID,
		Path:       d.Path,
		Data:       d.Image,
		UseCache:   !d.SkipCache,
		SourceHint: d.SourceHint,
	}
	if d.Mode != "" {
		mode, err := partition.ParseMode(d.Mode)
		if err != nil {
			return nil, err
		}
		req.Mode = mode
	}
	return req, nil
}

// LearnData is the payload of a learn task
type LearnData struct {
	Wrong   string `json:"wrong"`
	Correct string `json:"correct"`
}

// ExampleData is the payload of an example task
type ExampleData struct {
	DocumentType string `json:"documentType"`
	Text         string `json:"text"`
}

// NewRecognizeTask builds a recognize task for data
func NewRecognizeTask(data JobData) (*asynq.Task, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job data: %w", err)
	}
	return asynq.NewTask(TypeRecognize, payload), nil
}

// NewLearnTask builds a learn task
func NewLearnTask(wrong, correct string) (*asynq.Task, error) {
	payload, err := json.Marshal(LearnData{Wrong: wrong, Correct: correct})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal learn data: %w", err)
	}
	return asynq.NewTask(TypeLearn, payload), nil
}

// NewClearCacheTask builds a clear-cache task
func NewClearCacheTask() *asynq.Task {
	return asynq.NewTask(TypeClearCache, nil)
}

// NewExampleTask builds a task storing a reference transcription
func NewExampleTask(documentType, text string) (*asynq.Task, error) {
	payload, err := json.Marshal(ExampleData{DocumentType: documentType, Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal example data: %w", err)
	}
	return asynq.NewTask(TypeExample, payload), nil
}
