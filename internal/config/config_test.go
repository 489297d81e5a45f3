package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// chdir moves into dir for the duration of the test
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoadConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DATABASE_URL", "postgres://localhost/ocr")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.CacheDriver != "postgres" || cfg.PartitionMode != "grid" || cfg.GridRows != 2 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.LineThreshold != 15 || cfg.BandHeight != 300 || cfg.BandOverlap != 50 {
		t.Errorf("unexpected layout defaults %+v", cfg)
	}
	if cfg.Timeout() != 5*time.Minute {
		t.Errorf("expected 5m timeout, got %v", cfg.Timeout())
	}
	if got := strings.Join(cfg.Languages(), ","); got != "vie,eng" {
		t.Errorf("unexpected languages %q", got)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CACHE_DRIVER", "memory")
	t.Setenv("PARTITION_MODE", "band")
	t.Setenv("BAND_HEIGHT", "400")
	t.Setenv("TILE_WORKERS", "8")
	t.Setenv("NEAR_DUPLICATE_SCORE", "0.9")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.PartitionMode != "band" || cfg.BandHeight != 400 || cfg.TileWorkers != 8 || cfg.NearDuplicateScore != 0.9 {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	content := "cache_driver: redis\ngrid_rows: 3\ngrid_cols: 4\nvocabulary_file: /data/vocab.yaml\n"
	if err := os.WriteFile(filepath.Join(dir, "ocr.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GRID_COLS", "5")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.CacheDriver != "redis" || cfg.GridRows != 3 || cfg.VocabularyFile != "/data/vocab.yaml" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.GridCols != 5 {
		t.Errorf("environment should override file, got %d", cfg.GridCols)
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	t.Setenv("OCR_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := LoadConfig(); err == nil {
		t.Error("expected error for missing OCR_CONFIG file")
	}
}

func TestLoadClientConfigSkipsPipelineSettings(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DATABASE_URL", "")
	t.Setenv("QUEUE_NAME", "ocr-batch")

	if _, err := LoadConfig(); err == nil {
		t.Error("LoadConfig should require DATABASE_URL for the postgres cache")
	}

	cfg, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("LoadClientConfig failed: %v", err)
	}
	if cfg.QueueName != "ocr-batch" || cfg.RedisURL != "redis://localhost:6379" {
		t.Errorf("unexpected client config %+v", cfg)
	}

	t.Setenv("PROCESSING_TIMEOUT", "-1")
	if _, err := LoadClientConfig(); err == nil {
		t.Error("expected error for negative timeout")
	}
}

func validConfig() Config {
	return Config{
		RedisURL:           "redis://localhost:6379",
		CacheDriver:        "memory",
		FingerprintPolicy:  "perceptual",
		NearDuplicateScore: 0.95,
		Recognizer:         "tesseract",
		DispatchMode:       "pool",
		TileWorkers:        4,
		JobWorkers:         2,
		PartitionMode:      "grid",
		GridRows:           2,
		GridCols:           2,
		BandHeight:         300,
		BandOverlap:        50,
		LineThreshold:      15,
		IndentWide:         300,
		IndentNarrow:       100,
		MaxFileSize:        1 << 20,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"missing redis", func(c *Config) { c.RedisURL = "" }, false},
		{"postgres without url", func(c *Config) { c.CacheDriver = "postgres" }, false},
		{"mysql with url", func(c *Config) { c.CacheDriver = "mysql"; c.DatabaseURL = "u:p@tcp(db)/ocr" }, true},
		{"unknown driver", func(c *Config) { c.CacheDriver = "sqlite" }, false},
		{"unknown policy", func(c *Config) { c.FingerprintPolicy = "fuzzy" }, false},
		{"score above one", func(c *Config) { c.NearDuplicateScore = 1.5 }, false},
		{"unknown recognizer", func(c *Config) { c.Recognizer = "easyocr" }, false},
		{"vision without model", func(c *Config) { c.Recognizer = "vision"; c.VisionURL = "http://x" }, false},
		{"process without path", func(c *Config) { c.DispatchMode = "process" }, false},
		{"process with path", func(c *Config) { c.DispatchMode = "process"; c.TileWorkerPath = "/bin/tileworker" }, true},
		{"zero tile workers", func(c *Config) { c.TileWorkers = 0 }, false},
		{"unknown partition", func(c *Config) { c.PartitionMode = "columns" }, false},
		{"zero grid rows", func(c *Config) { c.GridRows = 0 }, false},
		{"overlap equals height", func(c *Config) { c.BandOverlap = 300 }, false},
		{"negative overlap", func(c *Config) { c.BandOverlap = -1 }, false},
		{"zero threshold", func(c *Config) { c.LineThreshold = 0 }, false},
		{"narrow wider than wide", func(c *Config) { c.IndentNarrow = 400 }, false},
		{"tiny max file size", func(c *Config) { c.MaxFileSize = 10 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
