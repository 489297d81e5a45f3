/**
 * Configuration for the OCR worker
 *
 * Values come from environment variables, optionally overlaid on an
 * ocr.yaml file in the working directory (or the file named by OCR_CONFIG).
 * Environment variables always win.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds worker configuration
type Config struct {
	// Redis (queue, job status, optional cache driver)
	RedisURL  string `mapstructure:"redis_url"`
	QueueName string `mapstructure:"queue_name"`

	// Content cache
	CacheDriver        string  `mapstructure:"cache_driver"`
	DatabaseURL        string  `mapstructure:"database_url"`
	FingerprintPolicy  string  `mapstructure:"fingerprint_policy"`
	QdrantURL          string  `mapstructure:"qdrant_url"`
	QdrantCollection   string  `mapstructure:"qdrant_collection"`
	NearDuplicateScore float64 `mapstructure:"near_duplicate_score"`

	// Recognizer backend
	Recognizer         string `mapstructure:"recognizer"`
	TesseractLanguages string `mapstructure:"tesseract_languages"`
	VisionURL          string `mapstructure:"vision_url"`
	VisionModel        string `mapstructure:"vision_model"`
	VisionKeepAlive    string `mapstructure:"vision_keep_alive"`
	VisionPrompt       string `mapstructure:"vision_prompt"`
	VisionMaxDimension int    `mapstructure:"vision_max_dimension"`
	TileWorkerPath     string `mapstructure:"tileworker_path"`

	// Concurrency
	DispatchMode string `mapstructure:"dispatch_mode"`
	TileWorkers  int    `mapstructure:"tile_workers"`
	JobWorkers   int    `mapstructure:"job_workers"`

	// Partitioning
	PartitionMode string `mapstructure:"partition_mode"`
	GridRows      int    `mapstructure:"grid_rows"`
	GridCols      int    `mapstructure:"grid_cols"`
	BandHeight    int    `mapstructure:"band_height"`
	BandOverlap   int    `mapstructure:"band_overlap"`

	// Merge layout
	LineThreshold float64 `mapstructure:"line_threshold"`
	IndentWide    float64 `mapstructure:"indent_wide"`
	IndentNarrow  float64 `mapstructure:"indent_narrow"`
	GapTab        float64 `mapstructure:"gap_tab"`

	// Vocabulary
	VocabularyFile string `mapstructure:"vocabulary_file"`

	// Limits
	MaxFileSize       int64 `mapstructure:"max_file_size"`
	ProcessingTimeout int   `mapstructure:"processing_timeout"` // milliseconds, 0 disables

	LogLevel string `mapstructure:"log_level"`
}

var defaults = map[string]interface{}{
	"redis_url":            "redis://localhost:6379",
	"queue_name":           "ocr",
	"cache_driver":         "postgres",
	"database_url":         "",
	"fingerprint_policy":   "perceptual",
	"qdrant_url":           "",
	"qdrant_collection":    "ocr_fingerprints",
	"near_duplicate_score": 0.95,
	"recognizer":           "tesseract",
	"tesseract_languages":  "vie+eng",
	"vision_url":           "http://localhost:11434",
	"vision_model":         "deepseek-ocr",
	"vision_keep_alive":    "30m",
	"vision_prompt":        "Free OCR.",
	"vision_max_dimension": 1024,
	"tileworker_path":      "",
	"dispatch_mode":        "pool",
	"tile_workers":         4,
	"job_workers":          2,
	"partition_mode":       "grid",
	"grid_rows":            2,
	"grid_cols":            2,
	"band_height":          300,
	"band_overlap":         50,
	"line_threshold":       15.0,
	"indent_wide":          300.0,
	"indent_narrow":        100.0,
	"gap_tab":              40.0,
	"vocabulary_file":      "vocabulary.json",
	"max_file_size":        int64(100 * 1024 * 1024),
	"processing_timeout":   300000,
	"log_level":            "info",
}

// LoadConfig loads configuration from the environment and optional config file
func LoadConfig() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadClientConfig loads the same sources as LoadConfig but only checks the
// queue settings, for tools that submit jobs without running the pipeline.
func LoadClientConfig() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("configuration validation failed: REDIS_URL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("configuration validation failed: QUEUE_NAME is required")
	}
	if cfg.ProcessingTimeout < 0 {
		return nil, fmt.Errorf("configuration validation failed: PROCESSING_TIMEOUT must be >= 0, got %d", cfg.ProcessingTimeout)
	}

	return cfg, nil
}

func load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := os.Getenv("OCR_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ocr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || os.Getenv("OCR_CONFIG") != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	switch c.CacheDriver {
	case "postgres", "mysql":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for CACHE_DRIVER=%s", c.CacheDriver)
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("CACHE_DRIVER must be one of postgres, mysql, redis, memory, got %q", c.CacheDriver)
	}

	if !oneOf(c.FingerprintPolicy, "perceptual", "exact") {
		return fmt.Errorf("FINGERPRINT_POLICY must be perceptual or exact, got %q", c.FingerprintPolicy)
	}

	if c.NearDuplicateScore <= 0 || c.NearDuplicateScore > 1 {
		return fmt.Errorf("NEAR_DUPLICATE_SCORE must be in (0, 1], got %v", c.NearDuplicateScore)
	}

	if !oneOf(c.Recognizer, "tesseract", "line", "vision", "process") {
		return fmt.Errorf("RECOGNIZER must be one of tesseract, line, vision, process, got %q", c.Recognizer)
	}

	if c.Recognizer == "vision" && (c.VisionURL == "" || c.VisionModel == "") {
		return fmt.Errorf("VISION_URL and VISION_MODEL are required for RECOGNIZER=vision")
	}

	if !oneOf(c.DispatchMode, "sequential", "pool", "process") {
		return fmt.Errorf("DISPATCH_MODE must be one of sequential, pool, process, got %q", c.DispatchMode)
	}

	if c.UsesTileWorker() && c.TileWorkerPath == "" {
		return fmt.Errorf("TILEWORKER_PATH is required for process isolation")
	}

	if c.TileWorkers < 1 || c.TileWorkers > 64 {
		return fmt.Errorf("TILE_WORKERS must be between 1 and 64, got %d", c.TileWorkers)
	}

	if c.JobWorkers < 1 || c.JobWorkers > 100 {
		return fmt.Errorf("JOB_WORKERS must be between 1 and 100, got %d", c.JobWorkers)
	}

	if !oneOf(c.PartitionMode, "none", "grid", "band") {
		return fmt.Errorf("PARTITION_MODE must be one of none, grid, band, got %q", c.PartitionMode)
	}

	if c.GridRows < 1 || c.GridCols < 1 {
		return fmt.Errorf("GRID_ROWS and GRID_COLS must be >= 1, got %dx%d", c.GridRows, c.GridCols)
	}

	if c.BandHeight < 1 {
		return fmt.Errorf("BAND_HEIGHT must be >= 1, got %d", c.BandHeight)
	}

	if c.BandOverlap < 0 || c.BandOverlap >= c.BandHeight {
		return fmt.Errorf("BAND_OVERLAP must be in [0, BAND_HEIGHT), got %d", c.BandOverlap)
	}

	if c.LineThreshold <= 0 {
		return fmt.Errorf("LINE_THRESHOLD must be > 0, got %v", c.LineThreshold)
	}

	if c.IndentNarrow < 0 || c.IndentWide < c.IndentNarrow {
		return fmt.Errorf("INDENT_WIDE must be >= INDENT_NARROW >= 0, got %v/%v", c.IndentWide, c.IndentNarrow)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 10737418240 { // 1KB to 10GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 10GB, got %d", c.MaxFileSize)
	}

	if c.ProcessingTimeout < 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be >= 0, got %d", c.ProcessingTimeout)
	}

	return nil
}

// UsesTileWorker reports whether tiles are recognized in child processes
func (c *Config) UsesTileWorker() bool {
	return c.Recognizer == "process" || c.DispatchMode == "process"
}

// Timeout returns the per-job processing timeout, zero when disabled
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// Languages splits TESSERACT_LANGUAGES ("vie+eng" or "vie,eng")
func (c *Config) Languages() []string {
	var langs []string
	for _, l := range strings.FieldsFunc(c.TesseractLanguages, func(r rune) bool { return r == '+' || r == ',' }) {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	return langs
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
