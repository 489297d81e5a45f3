/**
 * Job status tracking in Redis
 *
 * Keeps processing/completed/failed sets and result/error hashes under the
 * queue name, and publishes a job:<status> event on <queue>:events for
 * every transition so that dashboards can stream progress.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietgs03/ocr-tt/internal/logging"
)

// Job statuses
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Event is published on every status transition
type Event struct {
	Event     string `json:"event"`
	JobID     string `json:"jobId"`
	Timestamp string `json:"timestamp"`
}

// StatusTracker records job status in Redis
type StatusTracker struct {
	client *redis.Client
	queue  string
	logger *logging.Logger
}

// NewStatusTracker connects to Redis and verifies the connection
func NewStatusTracker(ctx context.Context, redisURL, queueName string) (*StatusTracker, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &StatusTracker{
		client: client,
		queue:  queueName,
		logger: logging.NewLogger("StatusTracker"),
	}, nil
}

func (s *StatusTracker) key(suffix string) string {
	return fmt.Sprintf("%s:%s", s.queue, suffix)
}

// Processing marks jobID as in progress
func (s *StatusTracker) Processing(ctx context.Context, jobID string) error {
	if err := s.client.SAdd(ctx, s.key(StatusProcessing), jobID).Err(); err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	s.publish(ctx, jobID, StatusProcessing)
	return nil
}

// Completed stores result for jobID and marks it completed
func (s *StatusTracker) Completed(ctx context.Context, jobID string, result interface{}) error {
	return s.finish(ctx, jobID, StatusCompleted, "results", result)
}

// Failed stores details for jobID and marks it failed
func (s *StatusTracker) Failed(ctx context.Context, jobID string, details map[string]interface{}) error {
	return s.finish(ctx, jobID, StatusFailed, "errors", details)
}

func (s *StatusTracker) finish(ctx context.Context, jobID, status, hash string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s payload: %w", status, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.key(StatusProcessing), jobID)
		if status == StatusCompleted {
			// a retry that succeeds clears the earlier attempt's failure
			pipe.SRem(ctx, s.key(StatusFailed), jobID)
			pipe.HDel(ctx, s.key("errors"), jobID)
		}
		pipe.SAdd(ctx, s.key(status), jobID)
		pipe.HSet(ctx, s.key(hash), jobID, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark job %s: %w", status, err)
	}

	s.publish(ctx, jobID, status)
	return nil
}

// Result returns the stored result JSON for a completed job
func (s *StatusTracker) Result(ctx context.Context, jobID string) ([]byte, bool, error) {
	return s.lookup(ctx, "results", jobID)
}

// Failure returns the stored error details for a failed job
func (s *StatusTracker) Failure(ctx context.Context, jobID string) ([]byte, bool, error) {
	return s.lookup(ctx, "errors", jobID)
}

func (s *StatusTracker) lookup(ctx context.Context, hash, jobID string) ([]byte, bool, error) {
	data, err := s.client.HGet(ctx, s.key(hash), jobID).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read job %s: %w", hash, err)
	}
	return data, true, nil
}

// Stats returns job counts per status
func (s *StatusTracker) Stats(ctx context.Context) (map[string]int64, error) {
	pipe := s.client.Pipeline()
	processing := pipe.SCard(ctx, s.key(StatusProcessing))
	completed := pipe.SCard(ctx, s.key(StatusCompleted))
	failed := pipe.SCard(ctx, s.key(StatusFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		StatusProcessing: processing.Val(),
		StatusCompleted:  completed.Val(),
		StatusFailed:     failed.Val(),
	}, nil
}

// Subscribe listens for status events
func (s *StatusTracker) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, s.key("events"))
}

func (s *StatusTracker) publish(ctx context.Context, jobID, status string) {
	eventData, _ := json.Marshal(Event{
		Event:     "job:" + status,
		JobID:     jobID,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	if err := s.client.Publish(ctx, s.key("events"), eventData).Err(); err != nil {
		s.logger.Warn("Failed to publish job event", "job_id", jobID, "status", status, "error", err)
	}
}

// Close closes the Redis client
func (s *StatusTracker) Close() error {
	return s.client.Close()
}
