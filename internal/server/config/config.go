// Package config defines the daemon configuration structure.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Config is the root configuration for tidekv-syncd.
type Config struct {
	Sync    SyncSection    `koanf:"sync" yaml:"sync"`
	Storage StorageSection `koanf:"storage" yaml:"storage"`
	Metrics MetricsSection `koanf:"metrics" yaml:"metrics"`
	Log     LogSection     `koanf:"log" yaml:"log"`
}

// SyncSection configures the snapshot transfer endpoint.
type SyncSection struct {
	// Address is the TCP listen address for snapshot transfer.
	Address string `koanf:"address" yaml:"address"`

	// Workers is the number of request handler goroutines.
	Workers int `koanf:"workers" yaml:"workers"`

	// QueueDepth bounds the pending request queue.
	QueueDepth int `koanf:"queue_depth" yaml:"queue_depth"`

	// IdleTimeout closes connections with no inbound request.
	IdleTimeout time.Duration `koanf:"idle_timeout" yaml:"idle_timeout"`

	// WriteTimeout bounds a single response write.
	WriteTimeout time.Duration `koanf:"write_timeout" yaml:"write_timeout"`

	// RateLimit caps served snapshot bytes per second. Zero disables it.
	RateLimit int `koanf:"rate_limit" yaml:"rate_limit"`
}

// StorageSection configures the storage engines.
type StorageSection struct {
	// DataDir is the root directory for per-shard databases.
	DataDir string `koanf:"data_dir" yaml:"data_dir"`

	// CheckpointDir is the root directory for snapshot checkpoints.
	CheckpointDir string `koanf:"checkpoint_dir" yaml:"checkpoint_dir"`

	// Databases is the list of logical database names to open.
	Databases []string `koanf:"databases" yaml:"databases"`

	// ShardsPerDB is the number of shards opened per database.
	ShardsPerDB int `koanf:"shards_per_db" yaml:"shards_per_db"`

	// ReclaimInterval is the period between background reclamation passes.
	ReclaimInterval time.Duration `koanf:"reclaim_interval" yaml:"reclaim_interval"`

	// GCThreshold is the value log rewrite ratio (0..1).
	GCThreshold float64 `koanf:"gc_threshold" yaml:"gc_threshold"`

	// SyncWrites forces fsync on every write.
	SyncWrites bool `koanf:"sync_writes" yaml:"sync_writes"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Address string `koanf:"address" yaml:"address"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// Default configuration values.
const (
	DefaultSyncAddress  = "127.0.0.1:10221"
	DefaultSyncWorkers  = 2
	DefaultQueueDepth   = 100000
	DefaultIdleTimeout  = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	DefaultDataDir         = "/var/lib/tidekv/data"
	DefaultCheckpointDir   = "/var/lib/tidekv/dump"
	DefaultShardsPerDB     = 1
	DefaultReclaimInterval = 10 * time.Minute
	DefaultGCThreshold     = 0.5

	DefaultMetricsAddress = "127.0.0.1:9121"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default daemon configuration.
func Default() *Config {
	return &Config{
		Sync: SyncSection{
			Address:      DefaultSyncAddress,
			Workers:      DefaultSyncWorkers,
			QueueDepth:   DefaultQueueDepth,
			IdleTimeout:  DefaultIdleTimeout,
			WriteTimeout: DefaultWriteTimeout,
		},
		Storage: StorageSection{
			DataDir:         DefaultDataDir,
			CheckpointDir:   DefaultCheckpointDir,
			Databases:       []string{"db0"},
			ShardsPerDB:     DefaultShardsPerDB,
			ReclaimInterval: DefaultReclaimInterval,
			GCThreshold:     DefaultGCThreshold,
		},
		Metrics: MetricsSection{
			Enabled: true,
			Address: DefaultMetricsAddress,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Verify validates the configuration and creates storage directories.
func Verify(cfg *Config) error {
	if err := verifySync(&cfg.Sync); err != nil {
		return err
	}
	return verifyStorage(&cfg.Storage)
}

func verifySync(cfg *SyncSection) error {
	if cfg.Address == "" {
		return errors.New("sync.address is required")
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		return fmt.Errorf("sync.queue_depth must be at least 1, got %d", cfg.QueueDepth)
	}
	if cfg.RateLimit < 0 {
		return fmt.Errorf("sync.rate_limit must not be negative, got %d", cfg.RateLimit)
	}
	return nil
}

func verifyStorage(cfg *StorageSection) error {
	if cfg.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if cfg.CheckpointDir == "" {
		return errors.New("storage.checkpoint_dir is required")
	}
	if len(cfg.Databases) == 0 {
		return errors.New("storage.databases must name at least one database")
	}
	if cfg.ShardsPerDB < 1 {
		return fmt.Errorf("storage.shards_per_db must be at least 1, got %d", cfg.ShardsPerDB)
	}
	if cfg.GCThreshold <= 0 || cfg.GCThreshold >= 1 {
		return fmt.Errorf("storage.gc_threshold must be in (0, 1), got %v", cfg.GCThreshold)
	}
	for _, dir := range []string{cfg.DataDir, cfg.CheckpointDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
