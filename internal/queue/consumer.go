/**
 * Queue Consumer for the OCR worker
 *
 * Consumes recognize/learn/clear-cache tasks from Redis via Asynq. Each
 * worker process runs its own consumer with its own cache handle, so a
 * batch enqueued with Enqueuer.EnqueueBatch is spread across processes.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/logging"
	"github.com/vietgs03/ocr-tt/internal/processor"
)

// Tracker records job status transitions; *StatusTracker implements it
type Tracker interface {
	Processing(ctx context.Context, jobID string) error
	Completed(ctx context.Context, jobID string, result interface{}) error
	Failed(ctx context.Context, jobID string, details map[string]interface{}) error
}

// Consumer handles job consumption from Redis queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.Interface
	tracker   Tracker
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.Interface
	Tracker           Tracker // optional
	ProcessingTimeout int64   // milliseconds, 0 disables
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	consumer := newConsumer(cfg)

	consumer.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				consumer.logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
			Logger: logging.Backend(),
		},
	)

	return consumer, nil
}

func newConsumer(cfg *ConsumerConfig) *Consumer {
	c := &Consumer{
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		tracker:   cfg.Tracker,
		config:    cfg,
		logger:    logging.NewLogger("QueueConsumer"),
	}

	c.mux.HandleFunc(TypeRecognize, c.handleRecognize)
	c.mux.HandleFunc(TypeLearn, c.handleLearn)
	c.mux.HandleFunc(TypeClearCache, c.handleClearCache)
	c.mux.HandleFunc(TypeExample, c.handleExample)

	return c
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully, waiting for in-flight tasks
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleRecognize processes one image job
func (c *Consumer) handleRecognize(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var job JobData
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if job.JobID == "" {
		job.JobID, _ = asynq.GetTaskID(ctx)
	}

	req, err := job.Request()
	if err != nil {
		c.fail(ctx, job.JobID, err, startTime)
		return fmt.Errorf("invalid job %s: %v: %w", job.JobID, err, asynq.SkipRetry)
	}

	c.logger.Info("Processing job", "job_id", job.JobID, "path", job.Path, "bytes", len(job.Image), "use_cache", req.UseCache)
	c.track(job.JobID, func(t Tracker) error { return t.Processing(ctx, job.JobID) })

	processCtx := ctx
	var timeout time.Duration
	if c.config.ProcessingTimeout > 0 {
		timeout = time.Duration(c.config.ProcessingTimeout) * time.Millisecond
		var cancel context.CancelFunc
		processCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := c.processor.Recognize(processCtx, req)
	duration := time.Since(startTime)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded && !ocrerrors.HasCode(err, ocrerrors.ErrorProcessingTimeout) {
			err = ocrerrors.NewProcessingTimeoutError(job.JobID, timeout, err)
		}

		c.logger.Error("Job failed", "job_id", job.JobID, "duration", duration, "error", err)
		c.fail(ctx, job.JobID, err, startTime)

		if permanent(err) {
			return fmt.Errorf("recognition failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("recognition failed: %w", err)
	}

	c.logger.Info("Job completed",
		"job_id", job.JobID,
		"duration", duration,
		"cached", result.Cached,
		"tiles", result.Tiles,
		"failed_tiles", result.FailedTiles)

	c.track(job.JobID, func(t Tracker) error { return t.Completed(ctx, job.JobID, result) })

	if w := task.ResultWriter(); w != nil {
		if data, err := json.Marshal(result); err == nil {
			w.Write(data)
		}
	}

	return nil
}

// handleLearn records a vocabulary correction
func (c *Consumer) handleLearn(ctx context.Context, task *asynq.Task) error {
	var data LearnData
	if err := json.Unmarshal(task.Payload(), &data); err != nil {
		return fmt.Errorf("failed to unmarshal learn data: %v: %w", err, asynq.SkipRetry)
	}

	if err := c.processor.LearnCorrection(data.Wrong, data.Correct); err != nil {
		return fmt.Errorf("failed to learn correction: %w", err)
	}
	return nil
}

// handleClearCache empties the content cache
func (c *Consumer) handleClearCache(ctx context.Context, task *asynq.Task) error {
	if err := c.processor.ClearCache(ctx); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// handleExample stores a reference transcription
func (c *Consumer) handleExample(ctx context.Context, task *asynq.Task) error {
	var data ExampleData
	if err := json.Unmarshal(task.Payload(), &data); err != nil {
		return fmt.Errorf("failed to unmarshal example data: %v: %w", err, asynq.SkipRetry)
	}

	if err := c.processor.AddExample(ctx, data.DocumentType, data.Text); err != nil {
		if ocrerrors.CodeOf(err) == "" {
			return fmt.Errorf("failed to store example: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("failed to store example: %w", err)
	}
	return nil
}

func (c *Consumer) fail(ctx context.Context, jobID string, err error, start time.Time) {
	details := map[string]interface{}{
		"error":          err.Error(),
		"processingTime": time.Since(start).Milliseconds(),
	}
	if pe, ok := err.(*ocrerrors.ProcessingError); ok {
		details = pe.ToMap()
		details["processingTime"] = time.Since(start).Milliseconds()
	}
	c.track(jobID, func(t Tracker) error { return t.Failed(ctx, jobID, details) })
}

func (c *Consumer) track(jobID string, update func(Tracker) error) {
	if c.tracker == nil {
		return
	}
	if err := update(c.tracker); err != nil {
		c.logger.Warn("Failed to update job status", "job_id", jobID, "error", err)
	}
}

// permanent reports errors that a retry cannot fix
func permanent(err error) bool {
	switch ocrerrors.CodeOf(err) {
	case ocrerrors.ErrorMissingInput, ocrerrors.ErrorUnsupportedFormat, ocrerrors.ErrorInvalidPartition:
		return true
	}
	return false
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}
