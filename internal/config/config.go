package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration of a logstore process
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Segment    SegmentConfig    `yaml:"segment"`
	Compaction CompactionConfig `yaml:"compaction"`
	Cache      CacheConfig      `yaml:"cache"`
	Disk       DiskConfig       `yaml:"disk"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir             string        `yaml:"data_dir"`
	SyncWrites          bool          `yaml:"sync_writes"`
	MaxKeySize          int           `yaml:"max_key_size"`
	MaxValueSize        int           `yaml:"max_value_size"`
	RecoveryParallelism int           `yaml:"recovery_parallelism"`
	IndexShards         int           `yaml:"index_shards"`
	StatsInterval       time.Duration `yaml:"stats_interval"`
}

// SegmentConfig holds segment file configuration
type SegmentConfig struct {
	MaxSize       int64 `yaml:"max_size"`
	FlushDataSize int64 `yaml:"flush_data_size"`
}

// CompactionConfig holds compaction configuration
type CompactionConfig struct {
	Threshold      float64       `yaml:"threshold"`
	MinStaleBytes  int64         `yaml:"min_stale_bytes"`
	Interval       time.Duration `yaml:"interval"`
	BytesPerSecond int64         `yaml:"bytes_per_second"`
}

// CacheConfig holds read cache configuration
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// DiskConfig holds disk guard configuration
type DiskConfig struct {
	// UsageLimit is the filesystem usage percentage at which writes are
	// refused, 0 to disable the guard
	UsageLimit float64 `yaml:"usage_limit"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, fills defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/logstore"
	}
	if cfg.Storage.MaxKeySize == 0 {
		cfg.Storage.MaxKeySize = 1024
	}
	if cfg.Storage.MaxValueSize == 0 {
		cfg.Storage.MaxValueSize = 10 * 1024 * 1024
	}
	if cfg.Storage.RecoveryParallelism == 0 {
		cfg.Storage.RecoveryParallelism = 4
	}
	if cfg.Storage.StatsInterval == 0 {
		cfg.Storage.StatsInterval = time.Minute
	}

	if cfg.Segment.MaxSize == 0 {
		cfg.Segment.MaxSize = 64 * 1024 * 1024
	}
	if cfg.Segment.FlushDataSize == 0 {
		cfg.Segment.FlushDataSize = 1024 * 1024
	}

	if cfg.Compaction.Threshold == 0 {
		cfg.Compaction.Threshold = 0.5
	}
	if cfg.Compaction.Interval == 0 {
		cfg.Compaction.Interval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Segment.MaxSize <= 0 {
		return fmt.Errorf("segment.max_size must be positive")
	}
	if c.Segment.FlushDataSize < 0 {
		return fmt.Errorf("segment.flush_data_size must not be negative")
	}
	if c.Compaction.Threshold <= 0 || c.Compaction.Threshold > 1 {
		return fmt.Errorf("compaction.threshold must be in (0, 1]")
	}
	if c.Compaction.MinStaleBytes < 0 || c.Compaction.BytesPerSecond < 0 {
		return fmt.Errorf("compaction limits must not be negative")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	if c.Disk.UsageLimit < 0 || c.Disk.UsageLimit > 100 {
		return fmt.Errorf("disk.usage_limit must be between 0 and 100")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}
