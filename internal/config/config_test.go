package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestNewDefault tests the default configuration values
func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Dispatch.ShortPoolWorkers != 4 {
		t.Errorf("expected 4 short pool workers, got %d", cfg.Dispatch.ShortPoolWorkers)
	}
	if cfg.Dispatch.LongPoolWorkers != 4 {
		t.Errorf("expected 4 long pool workers, got %d", cfg.Dispatch.LongPoolWorkers)
	}
	if cfg.Dispatch.HistoryCapacity != 1024 {
		t.Errorf("expected history capacity 1024, got %d", cfg.Dispatch.HistoryCapacity)
	}
	if cfg.Transfer.AssumedBandwidth != 64*1024*1024 {
		t.Errorf("expected 64MB/s assumed bandwidth, got %d", cfg.Transfer.AssumedBandwidth)
	}
	if cfg.Transfer.ChunkSize != 4*1024*1024 {
		t.Errorf("expected 4MB chunk size, got %d", cfg.Transfer.ChunkSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

// TestLoadFromFile tests YAML round-trip
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dfscache.yaml")

	cfg := NewDefault()
	cfg.Cache.RootDirectory = "/srv/cache"
	cfg.Dispatch.LongPoolWorkers = 8
	cfg.Network.ConnectTimeout = 3 * time.Second
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Cache.RootDirectory != "/srv/cache" {
		t.Errorf("root directory not loaded: %s", loaded.Cache.RootDirectory)
	}
	if loaded.Dispatch.LongPoolWorkers != 8 {
		t.Errorf("long pool workers not loaded: %d", loaded.Dispatch.LongPoolWorkers)
	}
	if loaded.Network.ConnectTimeout != 3*time.Second {
		t.Errorf("connect timeout not loaded: %v", loaded.Network.ConnectTimeout)
	}
}

// TestLoadFromFileMissing tests the missing-file error
func TestLoadFromFileMissing(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/dfscache.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

// TestLoadFromEnv tests environment variable overrides
func TestLoadFromEnv(t *testing.T) {
	os.Setenv("DFSCACHE_ROOT_DIRECTORY", "/env/cache")
	os.Setenv("DFSCACHE_SHORT_POOL_WORKERS", "2")
	os.Setenv("DFSCACHE_ASSUMED_BANDWIDTH", "1048576")
	os.Setenv("DFSCACHE_LOG_LEVEL", "DEBUG")
	defer func() {
		os.Unsetenv("DFSCACHE_ROOT_DIRECTORY")
		os.Unsetenv("DFSCACHE_SHORT_POOL_WORKERS")
		os.Unsetenv("DFSCACHE_ASSUMED_BANDWIDTH")
		os.Unsetenv("DFSCACHE_LOG_LEVEL")
	}()

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Cache.RootDirectory != "/env/cache" {
		t.Errorf("root directory override missing: %s", cfg.Cache.RootDirectory)
	}
	if cfg.Dispatch.ShortPoolWorkers != 2 {
		t.Errorf("short pool override missing: %d", cfg.Dispatch.ShortPoolWorkers)
	}
	if cfg.Transfer.AssumedBandwidth != 1048576 {
		t.Errorf("bandwidth override missing: %d", cfg.Transfer.AssumedBandwidth)
	}
	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("log level override missing: %s", cfg.Global.LogLevel)
	}
}

// TestValidate tests configuration validation failures
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"empty root directory", func(c *Configuration) { c.Cache.RootDirectory = "" }},
		{"zero bandwidth", func(c *Configuration) { c.Transfer.AssumedBandwidth = 0 }},
		{"zero chunk size", func(c *Configuration) { c.Transfer.ChunkSize = 0 }},
		{"zero short pool", func(c *Configuration) { c.Dispatch.ShortPoolWorkers = 0 }},
		{"zero long pool", func(c *Configuration) { c.Dispatch.LongPoolWorkers = 0 }},
		{"zero history", func(c *Configuration) { c.Dispatch.HistoryCapacity = 0 }},
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "TRACE" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
