/**
 * OCR job submitter
 *
 * Enqueues images (paths or URLs) on the OCR queue and optionally waits for
 * their results. Also submits vocabulary corrections, reference
 * transcriptions and cache clears.
 *
 *   submit --mode band scan1.png scan2.png --wait
 *   submit --learn "djnh=định"
 *   submit --example "invoice=invoice1.txt"
 *   submit --clear-cache
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/vietgs03/ocr-tt/internal/config"
	"github.com/vietgs03/ocr-tt/internal/logging"
	"github.com/vietgs03/ocr-tt/internal/partition"
	"github.com/vietgs03/ocr-tt/internal/queue"
)

var logger = logging.NewLogger("Submit")

func main() {
	mode := pflag.String("mode", "", "partition mode for these jobs: grid, band or none (empty keeps the worker default)")
	noCache := pflag.Bool("no-cache", false, "skip the content cache lookup")
	inline := pflag.Bool("inline", false, "send image bytes in the job instead of the path")
	hint := pflag.String("hint", "", "source hint stored with cached results")
	wait := pflag.Bool("wait", false, "wait for every job to finish and print its text")
	poll := pflag.Duration("poll", time.Second, "result polling interval with --wait")
	learn := pflag.String("learn", "", "submit a vocabulary correction as wrong=correct")
	example := pflag.String("example", "", "submit a reference transcription as documentType=file")
	clearCache := pflag.Bool("clear-cache", false, "submit a cache clear")
	pflag.Parse()

	godotenv.Load(".env")

	cfg, err := config.LoadClientConfig()
	if err != nil {
		fatal("Failed to load configuration", err)
	}

	if *mode != "" {
		if _, err := partition.ParseMode(*mode); err != nil {
			fatal("Invalid mode", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enqueuer, err := queue.NewEnqueuer(cfg.RedisURL, cfg.QueueName, cfg.Timeout())
	if err != nil {
		fatal("Failed to create enqueuer", err)
	}
	defer enqueuer.Close()

	if *learn != "" {
		wrong, correct, ok := strings.Cut(*learn, "=")
		if !ok || wrong == "" {
			fatal("Invalid --learn value", fmt.Errorf("expected wrong=correct, got %q", *learn))
		}
		if err := enqueuer.EnqueueLearn(ctx, wrong, correct); err != nil {
			fatal("Failed to submit correction", err)
		}
		logger.Info("Correction submitted", "wrong", wrong, "correct", correct)
	}

	if *example != "" {
		documentType, file, ok := strings.Cut(*example, "=")
		if !ok || file == "" {
			fatal("Invalid --example value", fmt.Errorf("expected documentType=file, got %q", *example))
		}
		text, err := os.ReadFile(file)
		if err != nil {
			fatal("Failed to read example", err)
		}
		if err := enqueuer.EnqueueExample(ctx, documentType, string(text)); err != nil {
			fatal("Failed to submit example", err)
		}
		logger.Info("Example submitted", "document_type", documentType, "file", file)
	}

	if *clearCache {
		if err := enqueuer.EnqueueClearCache(ctx); err != nil {
			fatal("Failed to submit cache clear", err)
		}
		logger.Info("Cache clear submitted")
	}

	if pflag.NArg() == 0 {
		return
	}

	jobs := make([]queue.JobData, 0, pflag.NArg())
	for _, arg := range pflag.Args() {
		job := queue.JobData{Path: arg, SkipCache: *noCache, Mode: *mode, SourceHint: *hint}
		if *inline && !isURL(arg) {
			data, err := os.ReadFile(arg)
			if err != nil {
				fatal("Failed to read image", err)
			}
			job.Image = data
		}
		jobs = append(jobs, job)
	}

	ids, errs := enqueuer.EnqueueBatch(ctx, jobs)
	pending := map[string]string{}
	failed := 0
	for i, id := range ids {
		if errs[i] != nil {
			logger.Error("Failed to enqueue", "path", jobs[i].Path, "error", errs[i])
			failed++
			continue
		}
		logger.Info("Job enqueued", "job_id", id, "path", jobs[i].Path)
		pending[id] = jobs[i].Path
	}

	if *wait && len(pending) > 0 {
		failed += waitForResults(ctx, cfg, pending, *poll)
	}

	if failed > 0 {
		os.Exit(1)
	}
}

// waitForResults polls the status tracker until every pending job has a
// result or an error, printing each as it lands. A recorded failure ends the
// wait for that job even if asynq will retry it. Returns the failure count.
func waitForResults(ctx context.Context, cfg *config.Config, pending map[string]string, interval time.Duration) int {
	tracker, err := queue.NewStatusTracker(ctx, cfg.RedisURL, cfg.QueueName)
	if err != nil {
		fatal("Failed to connect job status tracker", err)
	}
	defer tracker.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failed := 0
	for len(pending) > 0 {
		for id, path := range pending {
			if data, ok, err := tracker.Result(ctx, id); err != nil {
				logger.Warn("Failed to read result", "job_id", id, "error", err)
			} else if ok {
				fmt.Printf("==> %s (%s)\n%s\n", path, id, data)
				delete(pending, id)
				continue
			}

			if details, ok, err := tracker.Failure(ctx, id); err == nil && ok {
				logger.Error("Job failed", "job_id", id, "path", path, "details", string(details))
				delete(pending, id)
				failed++
			}
		}
		if len(pending) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			logger.Warn("Stopped waiting", "pending", len(pending))
			return failed + len(pending)
		case <-ticker.C:
		}
	}
	return failed
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func fatal(msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
