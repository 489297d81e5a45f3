package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the OCR pipeline
 *
 * Every failure that crosses a component boundary is a *ProcessingError
 * carrying one of the codes below. Callers match codes with errors.Is
 * against the exported sentinels (ErrMissingInput, ...) or with HasCode.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Input errors
	ErrorMissingInput      ErrorCode = "MISSING_INPUT"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorInvalidPartition  ErrorCode = "INVALID_PARTITION"

	// Processing errors
	ErrorRecognitionFailed ErrorCode = "RECOGNITION_FAILED"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"

	// Storage errors
	ErrorCacheUnavailable     ErrorCode = "CACHE_UNAVAILABLE"
	ErrorCorrectionMapMissing ErrorCode = "CORRECTION_MAP_MISSING"
	ErrorStorageFailed        ErrorCode = "STORAGE_FAILED"
)

// Sentinels for errors.Is matching. Only the Code is compared.
var (
	ErrMissingInput         = &ProcessingError{Code: ErrorMissingInput}
	ErrUnsupportedFormat    = &ProcessingError{Code: ErrorUnsupportedFormat}
	ErrInvalidPartition     = &ProcessingError{Code: ErrorInvalidPartition}
	ErrRecognitionFailed    = &ProcessingError{Code: ErrorRecognitionFailed}
	ErrProcessingTimeout    = &ProcessingError{Code: ErrorProcessingTimeout}
	ErrCacheUnavailable     = &ProcessingError{Code: ErrorCacheUnavailable}
	ErrCorrectionMapMissing = &ProcessingError{Code: ErrorCorrectionMapMissing}
	ErrStorageFailed        = &ProcessingError{Code: ErrorStorageFailed}
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ProcessingError with the same code.
func (e *ProcessingError) Is(target error) bool {
	t, ok := target.(*ProcessingError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HasCode reports whether err wraps a ProcessingError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var pe *ProcessingError
	if !stderrors.As(err, &pe) {
		return false
	}
	return pe.Code == code
}

// CodeOf returns the code of the first ProcessingError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Factory functions for common errors

func NewMissingInputError(jobID string, path string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorMissingInput,
		Message:   fmt.Sprintf("Input image not found: %s", path),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"path": path,
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported image format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
		Cause: cause,
	}
}

func NewInvalidPartitionError(message string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidPartition,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewRecognitionFailedError(jobID string, backend string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRecognitionFailed,
		Message:   fmt.Sprintf("Recognition failed on backend: %s", backend),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"backend": backend,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewCacheUnavailableError(operation string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorCacheUnavailable,
		Message:   fmt.Sprintf("Cache store unavailable during %s", operation),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"operation": operation,
		},
		Cause: cause,
	}
}

func NewCorrectionMapMissingError(path string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorCorrectionMapMissing,
		Message:   fmt.Sprintf("Vocabulary file not found: %s", path),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"path": path,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to persist processing results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for job status storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
