// Package main provides the entry point for tidekv-syncd.
//
// tidekv-syncd serves shard snapshots to replicas over the snapshot
// transfer protocol and runs the background reclamation passes that
// reclaim storage from cleared and expired collections.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/tidekv/tidekv/internal/infra/confloader"
	"github.com/tidekv/tidekv/internal/infra/shutdown"
	"github.com/tidekv/tidekv/internal/server/config"
	"github.com/tidekv/tidekv/internal/server/syncserver"
	"github.com/tidekv/tidekv/internal/shard"
	"github.com/tidekv/tidekv/internal/snapshot"
	"github.com/tidekv/tidekv/internal/storage"
	"github.com/tidekv/tidekv/internal/storage/reclaim"
	"github.com/tidekv/tidekv/internal/telemetry/logger"
)

// Build information, set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "tidekv-syncd",
		Usage:   "tidekv snapshot transfer and reclamation daemon",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				EnvVars: []string{"TIDEKV_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			pullCommand(),
			configCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the snapshot transfer daemon",
		Action: runServe,
	}
}

func pullCommand() *cli.Command {
	return &cli.Command{
		Name:      "pull",
		Usage:     "Pull a shard snapshot from a running daemon",
		ArgsUsage: "<db> <shard-id> <dest-dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Daemon address",
				Value:   config.DefaultSyncAddress,
				EnvVars: []string{"TIDEKV_SERVER"},
			},
		},
		Action: runPull,
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration management",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Print the effective configuration as YAML",
				Action: runConfigShow,
			},
			{
				Name:      "test",
				Usage:     "Validate a configuration file",
				ArgsUsage: "FILE",
				Action:    runConfigTest,
			},
		},
	}
}

func runConfigShow(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigTest(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: tidekv-syncd config test FILE", 2)
	}
	path := c.Args().Get(0)

	cfg := config.Default()
	loader := confloader.NewLoader(confloader.WithConfigFile(path))
	if err := loader.Load(cfg); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if err := config.Verify(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Printf("configuration %s is valid\n", path)
	return nil
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	slog.SetDefault(log)

	log.Info("starting tidekv-syncd",
		"version", version,
		"commit", commit,
		"sync_address", cfg.Sync.Address)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	shards := shard.NewManager()
	engines, err := openShards(cfg, shards, registry, log)
	if err != nil {
		return fmt.Errorf("open shards: %w", err)
	}

	snapRegistry := snapshot.NewRegistry(log)

	// Take an initial checkpoint per shard so replicas have a snapshot
	// to pull as soon as the daemon is up.
	ctx := context.Background()
	for _, s := range shards.All() {
		if _, err := snapRegistry.Checkpoint(ctx, s); err != nil {
			return fmt.Errorf("initial checkpoint db=%s shard=%d: %w", s.DB, s.ID, err)
		}
	}

	syncCfg := &syncserver.Config{
		Address:      cfg.Sync.Address,
		Workers:      cfg.Sync.Workers,
		QueueDepth:   cfg.Sync.QueueDepth,
		IdleTimeout:  cfg.Sync.IdleTimeout,
		WriteTimeout: cfg.Sync.WriteTimeout,
		RateLimit:    cfg.Sync.RateLimit,
	}
	syncServer := syncserver.New(syncCfg, shards, snapRegistry, log).RegisterMetrics(registry)
	if err := syncServer.Start(ctx); err != nil {
		return fmt.Errorf("start sync server: %w", err)
	}
	log.Info("sync server listening", "addr", syncServer.Addr().String())

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			log.Info("metrics server listening", "addr", cfg.Metrics.Address)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	watcher, werr := watchConfig(c.String("config"), cfg, log)
	if werr != nil {
		log.Warn("config watcher disabled", "error", werr)
	}

	shutdownHandler := shutdown.NewHandler(30 * time.Second)
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		var lastErr error
		for _, e := range engines {
			log.Info("closing storage engine")
			if err := e.Close(); err != nil {
				lastErr = err
			}
		}
		return lastErr
	})
	if metricsServer != nil {
		shutdownHandler.OnShutdown(func(ctx context.Context) error {
			log.Info("shutting down metrics server")
			return metricsServer.Shutdown(ctx)
		})
	}
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down sync server")
		return syncServer.Close()
	})
	if watcher != nil {
		shutdownHandler.OnShutdown(func(ctx context.Context) error {
			return watcher.Stop()
		})
	}

	log.Info("daemon started")
	if err := shutdownHandler.Wait(c.Context); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	log.Info("daemon stopped")
	return nil
}

func runPull(c *cli.Context) error {
	if c.NArg() != 3 {
		return cli.Exit("usage: tidekv-syncd pull <db> <shard-id> <dest-dir>", 2)
	}
	db := c.Args().Get(0)
	var shardID uint32
	if _, err := fmt.Sscanf(c.Args().Get(1), "%d", &shardID); err != nil {
		return fmt.Errorf("invalid shard id %q: %w", c.Args().Get(1), err)
	}
	destDir := c.Args().Get(2)

	log := logger.New(logger.Config{Level: "info", Format: "text", Output: os.Stderr})

	client := syncserver.NewClient(syncserver.DefaultClientConfig(c.String("server")), log)
	defer client.Close()

	uuid, err := client.Pull(c.Context, db, shardID, destDir)
	if err != nil {
		return fmt.Errorf("pull snapshot: %w", err)
	}
	fmt.Printf("pulled snapshot %s into %s\n", uuid, destDir)
	return nil
}

// loadConfig merges defaults, the optional config file, environment
// variables and CLI overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()

	opts := []confloader.Option{}
	if path := c.String("config"); path != "" {
		opts = append(opts, confloader.WithConfigFile(path))
	}

	loader := confloader.NewLoader(opts...)
	if level := c.String("log-level"); level != "" {
		if err := loader.LoadMap(map[string]any{"log.level": level}); err != nil {
			return nil, err
		}
	}
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}

	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openShards opens one engine per database shard and registers the
// reclamation filters for the meta and data namespaces.
func openShards(cfg *config.Config, shards *shard.Manager, registry *prometheus.Registry, log *slog.Logger) ([]*storage.BadgerEngine, error) {
	var engines []*storage.BadgerEngine
	for _, db := range cfg.Storage.Databases {
		for id := uint32(0); id < uint32(cfg.Storage.ShardsPerDB); id++ {
			dir := filepath.Join(cfg.Storage.DataDir, db, fmt.Sprintf("shard%d", id))

			engCfg := storage.DefaultConfig(dir)
			engCfg.ReclaimInterval = cfg.Storage.ReclaimInterval
			engCfg.GCThreshold = cfg.Storage.GCThreshold
			engCfg.SyncWrites = cfg.Storage.SyncWrites
			engCfg.MetricLabels = prometheus.Labels{"db": db, "shard": fmt.Sprintf("%d", id)}
			engCfg.Logger = log.With("db", db, "shard", id)

			eng, err := storage.NewBadgerEngine(engCfg)
			if err != nil {
				return engines, fmt.Errorf("open engine %s/%d: %w", db, id, err)
			}
			eng.RegisterFilter(storage.NamespaceMeta, func() reclaim.Filter {
				return reclaim.NewMetaFilter()
			})
			eng.RegisterFilter(storage.NamespaceData, func() reclaim.Filter {
				return reclaim.NewDataFilter(eng, engCfg.Logger)
			})
			eng.RegisterMetrics(registry)
			engines = append(engines, eng)

			s := &shard.Shard{
				DB:             db,
				ID:             id,
				Engine:         eng,
				CheckpointRoot: filepath.Join(cfg.Storage.CheckpointDir, db, fmt.Sprintf("shard%d", id)),
			}
			if err := shards.Register(s); err != nil {
				return engines, err
			}
		}
	}
	return engines, nil
}

// watchConfig reloads the log level when the configuration file changes.
func watchConfig(path string, cfg *config.Config, log *slog.Logger) (*confloader.Watcher, error) {
	if path == "" {
		return nil, nil
	}

	watcher, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		return nil, err
	}
	watcher.OnChange(func(changed string) {
		if filepath.Base(changed) != filepath.Base(path) {
			return
		}
		fresh := config.Default()
		loader := confloader.NewLoader(confloader.WithConfigFile(path))
		if err := loader.Load(fresh); err != nil {
			log.Warn("config reload failed", "error", err)
			return
		}
		if fresh.Log.Level != cfg.Log.Level {
			log.Info("log level changed", "from", cfg.Log.Level, "to", fresh.Log.Level)
			logger.SetLevel(fresh.Log.Level)
			cfg.Log.Level = fresh.Log.Level
		}
	})
	if err := watcher.Watch(path); err != nil {
		watcher.Stop()
		return nil, err
	}
	watcher.StartAsync()
	return watcher, nil
}
