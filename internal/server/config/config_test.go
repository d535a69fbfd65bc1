package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Sync.Address != DefaultSyncAddress {
		t.Errorf("sync.address = %q, want %q", cfg.Sync.Address, DefaultSyncAddress)
	}
	if cfg.Sync.Workers != DefaultSyncWorkers {
		t.Errorf("sync.workers = %d, want %d", cfg.Sync.Workers, DefaultSyncWorkers)
	}
	if cfg.Storage.GCThreshold != DefaultGCThreshold {
		t.Errorf("storage.gc_threshold = %v, want %v", cfg.Storage.GCThreshold, DefaultGCThreshold)
	}
	if len(cfg.Storage.Databases) != 1 || cfg.Storage.Databases[0] != "db0" {
		t.Errorf("storage.databases = %v, want [db0]", cfg.Storage.Databases)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log.format = %q, want json", cfg.Log.Format)
	}
}

func TestVerify_OK(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := Default()
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.Storage.CheckpointDir = filepath.Join(tmpDir, "dump")

	if err := Verify(cfg); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerify_Errors(t *testing.T) {
	tmpDir := t.TempDir()
	base := func() *Config {
		cfg := Default()
		cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
		cfg.Storage.CheckpointDir = filepath.Join(tmpDir, "dump")
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "missing sync address",
			mutate:  func(c *Config) { c.Sync.Address = "" },
			wantMsg: "sync.address",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Sync.Workers = 0 },
			wantMsg: "sync.workers",
		},
		{
			name:    "zero queue depth",
			mutate:  func(c *Config) { c.Sync.QueueDepth = 0 },
			wantMsg: "sync.queue_depth",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.Sync.RateLimit = -1 },
			wantMsg: "sync.rate_limit",
		},
		{
			name:    "missing data dir",
			mutate:  func(c *Config) { c.Storage.DataDir = "" },
			wantMsg: "storage.data_dir",
		},
		{
			name:    "no databases",
			mutate:  func(c *Config) { c.Storage.Databases = nil },
			wantMsg: "storage.databases",
		},
		{
			name:    "gc threshold out of range",
			mutate:  func(c *Config) { c.Storage.GCThreshold = 1.5 },
			wantMsg: "storage.gc_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Verify(cfg)
			if err == nil {
				t.Fatal("Verify() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}
