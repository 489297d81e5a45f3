package main

import (
	"context"
	"testing"
	"time"

	"github.com/vietgs03/ocr-tt/internal/config"
)

func TestOpenCacheUnreachableRunsUncached(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := openCache(ctx, &config.Config{
		CacheDriver: "redis",
		RedisURL:    "redis://127.0.0.1:1/0",
		QueueName:   "ocr",
	})
	if err != nil {
		t.Fatalf("expected the worker to start without a cache, got %v", err)
	}
	if m != nil {
		t.Error("expected no cache manager")
	}
	closeCache(m)
}

func TestOpenCacheConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"unknown driver", config.Config{CacheDriver: "sqlite", QueueName: "ocr"}},
		{"bad mysql dsn", config.Config{CacheDriver: "mysql", DatabaseURL: "not a dsn", QueueName: "ocr"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := openCache(context.Background(), &tt.cfg)
			if err == nil {
				closeCache(m)
				t.Error("expected a configuration error")
			}
		})
	}
}

func TestOpenCacheMemory(t *testing.T) {
	m, err := openCache(context.Background(), &config.Config{CacheDriver: "memory", QueueName: "ocr"})
	if err != nil || m == nil {
		t.Fatalf("expected memory cache, got m=%v err=%v", m, err)
	}
	closeCache(m)
}
