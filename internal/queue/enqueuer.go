package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Enqueuer submits tasks to the OCR queue
type Enqueuer struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

// NewEnqueuer creates an enqueuer for queueName. timeout bounds each task
// on the worker side; zero leaves the asynq default.
func NewEnqueuer(redisURL, queueName string, timeout time.Duration) (*Enqueuer, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}

	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return &Enqueuer{
		client:   asynq.NewClient(redisOpt),
		queue:    queueName,
		maxRetry: 3,
		timeout:  timeout,
	}, nil
}

func (e *Enqueuer) options(extra ...asynq.Option) []asynq.Option {
	opts := []asynq.Option{asynq.Queue(e.queue), asynq.MaxRetry(e.maxRetry)}
	if e.timeout > 0 {
		opts = append(opts, asynq.Timeout(e.timeout))
	}
	return append(opts, extra...)
}

// EnqueueRecognize submits one image job and returns its job ID
func (e *Enqueuer) EnqueueRecognize(ctx context.Context, data JobData) (string, error) {
	if data.JobID == "" {
		data.JobID = uuid.New().String()
	}

	task, err := NewRecognizeTask(data)
	if err != nil {
		return "", err
	}

	if _, err := e.client.EnqueueContext(ctx, task, e.options(asynq.TaskID(data.JobID), asynq.Retention(24*time.Hour))...); err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", data.JobID, err)
	}
	return data.JobID, nil
}

// EnqueueBatch submits every job independently. A job that fails to
// enqueue gets an empty ID and its error in errs; the rest still go out.
func (e *Enqueuer) EnqueueBatch(ctx context.Context, jobs []JobData) (ids []string, errs []error) {
	ids = make([]string, len(jobs))
	errs = make([]error, len(jobs))
	for i, job := range jobs {
		ids[i], errs[i] = e.EnqueueRecognize(ctx, job)
	}
	return ids, errs
}

// EnqueueLearn submits a vocabulary correction
func (e *Enqueuer) EnqueueLearn(ctx context.Context, wrong, correct string) error {
	task, err := NewLearnTask(wrong, correct)
	if err != nil {
		return err
	}
	if _, err := e.client.EnqueueContext(ctx, task, e.options()...); err != nil {
		return fmt.Errorf("failed to enqueue learn task: %w", err)
	}
	return nil
}

// EnqueueExample submits a reference transcription for documentType
func (e *Enqueuer) EnqueueExample(ctx context.Context, documentType, text string) error {
	task, err := NewExampleTask(documentType, text)
	if err != nil {
		return err
	}
	if _, err := e.client.EnqueueContext(ctx, task, e.options()...); err != nil {
		return fmt.Errorf("failed to enqueue example task: %w", err)
	}
	return nil
}

// EnqueueClearCache submits a cache clear
func (e *Enqueuer) EnqueueClearCache(ctx context.Context) error {
	if _, err := e.client.EnqueueContext(ctx, NewClearCacheTask(), e.options()...); err != nil {
		return fmt.Errorf("failed to enqueue clear-cache task: %w", err)
	}
	return nil
}

// Close closes the asynq client
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
