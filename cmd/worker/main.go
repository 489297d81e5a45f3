/**
 * OCR Worker - Main Entry Point
 *
 * Architecture:
 * - Asynq consumer for the Redis-backed job queue
 * - Tiled recognition pipeline (grid or overlapping bands)
 * - Bounded pool of recognizer handles, or one child process per tile
 * - Content cache keyed by image fingerprint (PostgreSQL, MySQL or Redis)
 * - Optional Qdrant index for near-duplicate fingerprints
 * - Learned vocabulary corrections applied to every result
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vietgs03/ocr-tt/internal/clients"
	"github.com/vietgs03/ocr-tt/internal/config"
	"github.com/vietgs03/ocr-tt/internal/dispatch"
	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/fingerprint"
	"github.com/vietgs03/ocr-tt/internal/geometry"
	"github.com/vietgs03/ocr-tt/internal/logging"
	"github.com/vietgs03/ocr-tt/internal/merge"
	"github.com/vietgs03/ocr-tt/internal/partition"
	"github.com/vietgs03/ocr-tt/internal/processor"
	"github.com/vietgs03/ocr-tt/internal/queue"
	"github.com/vietgs03/ocr-tt/internal/recognizer"
	"github.com/vietgs03/ocr-tt/internal/storage"
	"github.com/vietgs03/ocr-tt/internal/vocabulary"
)

var logger = logging.NewLogger("Worker")

func main() {
	if err := godotenv.Load(".env"); err != nil {
		logger.Warn(".env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fatal("Failed to load configuration", err)
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logger.Warn("Invalid LOG_LEVEL, keeping default", "level", cfg.LogLevel)
	}

	logger.Info("OCR worker starting",
		"redis", cfg.RedisURL,
		"cache_driver", cfg.CacheDriver,
		"recognizer", cfg.Recognizer,
		"dispatch", cfg.DispatchMode,
		"partition", cfg.PartitionMode)

	ctx := context.Background()

	// Content cache (+ near-duplicate index)
	logger.Info("Connecting to cache store", "driver", cfg.CacheDriver, "qdrant", cfg.QdrantURL != "")
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	storageManager, err := openCache(initCtx, cfg)
	cancel()
	if err != nil {
		fatal("Failed to initialize storage manager", err)
	}

	vocab, err := vocabulary.Load(cfg.VocabularyFile)
	if err != nil {
		fatal("Failed to load vocabulary", err)
	}
	logger.Info("Vocabulary loaded", "path", cfg.VocabularyFile, "entries", vocab.Size())

	rec, visionClient, err := buildRecognizer(ctx, cfg)
	if err != nil {
		closeCache(storageManager)
		fatal("Failed to initialize recognizer", err)
	}

	policy, err := fingerprint.ParsePolicy(cfg.FingerprintPolicy)
	if err != nil {
		closeCache(storageManager)
		fatal("Invalid FINGERPRINT_POLICY", err)
	}
	partitionMode, err := partition.ParseMode(cfg.PartitionMode)
	if err != nil {
		closeCache(storageManager)
		fatal("Invalid PARTITION_MODE", err)
	}

	proc, err := processor.NewProcessor(&processor.Config{
		Recognizer:  rec,
		Dispatch:    dispatch.Config{Mode: dispatch.Mode(cfg.DispatchMode), Workers: cfg.TileWorkers},
		Partition:   partitionMode,
		GridRows:    cfg.GridRows,
		GridCols:    cfg.GridCols,
		BandHeight:  cfg.BandHeight,
		BandOverlap: cfg.BandOverlap,
		Merge: merge.Options{
			LineThreshold: cfg.LineThreshold,
			Layout: geometry.Layout{
				WideIndent:       cfg.IndentWide,
				WideIndentTabs:   3,
				NarrowIndent:     cfg.IndentNarrow,
				NarrowIndentTabs: 1,
				GapTab:           cfg.GapTab,
				Tab:              "\t",
			},
		},
		Policy:      policy,
		Storage:     storageManager,
		Vocabulary:  vocab,
		JobWorkers:  cfg.JobWorkers,
		MaxFileSize: cfg.MaxFileSize,
	})
	if err != nil {
		closeCache(storageManager)
		fatal("Failed to initialize processor", err)
	}

	tracker, err := queue.NewStatusTracker(ctx, cfg.RedisURL, cfg.QueueName)
	if err != nil {
		proc.Close()
		fatal("Failed to connect job status tracker", err)
	}

	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.JobWorkers,
		Processor:         proc,
		Tracker:           tracker,
		ProcessingTimeout: int64(cfg.ProcessingTimeout),
	})
	if err != nil {
		proc.Close()
		fatal("Failed to initialize queue consumer", err)
	}

	if err := consumer.Start(ctx); err != nil {
		proc.Close()
		fatal("Failed to start queue consumer", err)
	}

	logger.Info("===========================================")
	logger.Info("OCR Worker is READY")
	logger.Info("===========================================")
	logger.Info("Queue", "name", cfg.QueueName, "job_workers", cfg.JobWorkers)
	logger.Info("Recognizer", "backend", rec.Name(), "tile_workers", cfg.TileWorkers, "dispatch", cfg.DispatchMode)
	logger.Info("Partition", "mode", cfg.PartitionMode, "grid", fmt.Sprintf("%dx%d", cfg.GridRows, cfg.GridCols),
		"band_height", cfg.BandHeight, "band_overlap", cfg.BandOverlap)
	logger.Info("Cache", "driver", cfg.CacheDriver, "policy", cfg.FingerprintPolicy, "enabled", storageManager != nil)
	logger.Info("===========================================")
	logger.Info("Waiting for jobs...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())

	if err := consumer.Stop(ctx); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
	}

	if visionClient != nil {
		unloadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := visionClient.Unload(unloadCtx); err != nil {
			logger.Warn("Failed to unload vision model", "error", err)
		}
		cancel()
	}

	if err := proc.Close(); err != nil {
		logger.Error("Error closing processor", "error", err)
	}
	if err := tracker.Close(); err != nil {
		logger.Error("Error closing status tracker", "error", err)
	}

	logger.Info("Shutdown complete")
}

// openCache opens the cache store and near-duplicate index. An unreachable
// store is not fatal: the worker runs without a cache and logs a warning.
// Configuration errors (unknown driver, malformed URL or DSN) are returned.
func openCache(ctx context.Context, cfg *config.Config) (*storage.Manager, error) {
	manager, err := storage.OpenManager(ctx, storage.ManagerConfig{
		Store: storage.Options{
			Driver:      cfg.CacheDriver,
			DatabaseURL: cfg.DatabaseURL,
			RedisURL:    cfg.RedisURL,
			KeyPrefix:   cfg.QueueName + ":cache",
		},
		QdrantURL:        cfg.QdrantURL,
		QdrantCollection: cfg.QdrantCollection,
		MinScore:         float32(cfg.NearDuplicateScore),
	})
	if ocrerrors.HasCode(err, ocrerrors.ErrorCacheUnavailable) {
		logger.Warn("Cache store unreachable, processing without cache", "driver", cfg.CacheDriver, "error", err)
		return nil, nil
	}
	return manager, err
}

func closeCache(m *storage.Manager) {
	if m != nil {
		m.Close()
	}
}

// buildRecognizer creates either a child-process recognizer or a pool of
// in-process handles sized to the tile worker count.
func buildRecognizer(ctx context.Context, cfg *config.Config) (recognizer.Recognizer, *clients.VisionClient, error) {
	backend := cfg.Recognizer
	if backend == "process" {
		backend = recognizer.BackendTesseract
	}

	if cfg.UsesTileWorker() {
		args := []string{"-backend", backend, "-lang", cfg.TesseractLanguages}
		if backend == recognizer.BackendVision {
			args = append(args, "-vision-url", cfg.VisionURL, "-vision-model", cfg.VisionModel,
				"-max-dimension", fmt.Sprint(cfg.VisionMaxDimension))
		}
		logger.Info("Using process-isolated recognizer", "path", cfg.TileWorkerPath, "backend", backend)
		return recognizer.NewProcessRecognizer(cfg.TileWorkerPath, args...), nil, nil
	}

	var visionClient *clients.VisionClient
	if backend == recognizer.BackendVision {
		visionClient = clients.NewVisionClient(clients.VisionConfig{
			BaseURL:   cfg.VisionURL,
			Model:     cfg.VisionModel,
			KeepAlive: cfg.VisionKeepAlive,
		})

		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := visionClient.HealthCheck(checkCtx); err != nil {
			logger.Warn("Vision server health check failed", "url", cfg.VisionURL, "error", err)
		}
		cancel()

		preloadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		if err := visionClient.Preload(preloadCtx); err != nil {
			logger.Warn("Failed to preload vision model", "model", cfg.VisionModel, "error", err)
		}
		cancel()
	}

	factory, err := recognizer.NewFactory(recognizer.BackendConfig{
		Backend:      backend,
		Tesseract:    recognizer.TesseractConfig{Languages: cfg.Languages()},
		Vision:       recognizer.VisionConfig{Prompt: cfg.VisionPrompt, MaxDimension: cfg.VisionMaxDimension},
		VisionClient: visionClient,
	})
	if err != nil {
		return nil, nil, err
	}

	size := cfg.TileWorkers
	if cfg.DispatchMode == string(dispatch.ModeSequential) {
		size = 1
	}

	pool, err := recognizer.NewPool(size, factory)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Recognizer pool ready", "backend", pool.Name(), "handles", pool.Size())

	return pool, visionClient, nil
}

func fatal(msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
