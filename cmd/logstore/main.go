package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/logstore"
	"github.com/devrev/pairdb/logstore/internal/config"
	"github.com/devrev/pairdb/logstore/internal/health"
	"github.com/devrev/pairdb/logstore/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("config_path", configPath),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int64("max_segment_size", cfg.Segment.MaxSize),
		zap.Float64("compaction_threshold", cfg.Compaction.Threshold))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	db, err := logstore.Open(cfg.Storage.DataDir, toOptions(cfg, logger, registry))
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		Dir:      cfg.Storage.DataDir,
		Interval: 10 * time.Second,
	}, db, logger)
	go checker.Start(ctx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, registry, db, checker, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	go logStats(ctx, db, cfg.Storage.StatsInterval, logger)

	logger.Info("Store ready",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int64("keys", db.Size()),
		zap.Int("segments", len(db.ListSegmentIDs())))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	checker.SetReadiness(false)
	cancel()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}

	if err := db.Close(); err != nil {
		logger.Error("Failed to close store", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func toOptions(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) logstore.Options {
	opts := logstore.DefaultOptions()
	opts.MaxSegmentSize = cfg.Segment.MaxSize
	opts.FlushDataSize = cfg.Segment.FlushDataSize
	opts.SyncWrites = cfg.Storage.SyncWrites
	opts.MaxKeySize = cfg.Storage.MaxKeySize
	opts.MaxValueSize = cfg.Storage.MaxValueSize
	opts.RecoveryParallelism = cfg.Storage.RecoveryParallelism
	if cfg.Storage.IndexShards > 0 {
		opts.IndexShards = cfg.Storage.IndexShards
	}
	opts.CompactionThreshold = cfg.Compaction.Threshold
	opts.CompactionMinStaleBytes = cfg.Compaction.MinStaleBytes
	opts.CompactionInterval = cfg.Compaction.Interval
	opts.CompactionBytesPerSecond = cfg.Compaction.BytesPerSecond
	opts.ReadCacheSize = cfg.Cache.MaxEntries
	opts.DiskUsageLimit = cfg.Disk.UsageLimit
	opts.Logger = logger
	opts.Registerer = reg
	return opts
}

// logStats periodically logs a summary of the store's state
func logStats(ctx context.Context, db *logstore.DB, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if db.IsClosed() {
				return
			}
			stats := db.Stats()
			logger.Info("Store stats",
				zap.Int64("keys", stats.Size),
				zap.Int64("puts", stats.Puts),
				zap.Int64("gets", stats.Gets),
				zap.Int64("deletes", stats.Deletes),
				zap.Int("data_segments", stats.DataSegments),
				zap.Int("tombstone_segments", stats.TombstoneSegments),
				zap.Int64("total_bytes", stats.TotalBytes),
				zap.Int64("stale_bytes", stats.StaleBytes),
				zap.Int64("bytes_reclaimed", stats.BytesReclaimed),
				zap.Int64("compaction_errors", stats.CompactionErrors),
				zap.Bool("compaction_complete", stats.CompactionComplete))
		case <-ctx.Done():
			return
		}
	}
}

// initLogger builds the process logger from the logging section
func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stdout"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	return zcfg.Build()
}
