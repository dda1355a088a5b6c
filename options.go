package logstore

import (
	"fmt"
	"time"

	"github.com/devrev/pairdb/logstore/internal/errors"
	"github.com/devrev/pairdb/logstore/internal/record"
	"github.com/devrev/pairdb/logstore/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Options configures a store. Start from DefaultOptions.
type Options struct {
	// MaxSegmentSize is the size at which the active segment is sealed and
	// a new one started
	MaxSegmentSize int64

	// CompactionThreshold is the stale fraction in (0, 1] at which a sealed
	// segment is compacted
	CompactionThreshold float64
	// CompactionMinStaleBytes also selects segments holding at least this
	// many stale bytes, 0 to disable
	CompactionMinStaleBytes int64
	// CompactionInterval is how often the compactor looks for work
	CompactionInterval time.Duration
	// CompactionBytesPerSecond caps compaction copy throughput, 0 for no limit
	CompactionBytesPerSecond int64

	// SyncWrites fsyncs every record before Put or Delete returns
	SyncWrites bool
	// FlushDataSize fsyncs the active segment once this many bytes are
	// pending, 0 to leave flushing to the OS
	FlushDataSize int64

	MaxKeySize   int
	MaxValueSize int

	// ReadCacheSize is the number of values kept in the read cache, 0 to disable
	ReadCacheSize int
	// DiskUsageLimit refuses writes once the filesystem is this percent
	// full, 0 to disable
	DiskUsageLimit float64

	// RecoveryParallelism bounds how many segments are replayed at once
	RecoveryParallelism int
	// IndexShards is the number of index shards, rounded up to a power of two
	IndexShards int

	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// DefaultOptions returns the default configuration
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize:      64 * 1024 * 1024,
		CompactionThreshold: 0.5,
		CompactionInterval:  time.Second,
		FlushDataSize:       1024 * 1024,
		MaxKeySize:          validation.DefaultMaxKeySize,
		MaxValueSize:        validation.DefaultMaxValueSize,
		RecoveryParallelism: 4,
		IndexShards:         64,
	}
}

// Validate reports the first invalid option
func (o *Options) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.InvalidArgument(fmt.Sprintf(format, args...), nil)
	}

	if o.MaxSegmentSize <= 0 {
		return invalid("max segment size must be positive, got %d", o.MaxSegmentSize)
	}
	if o.CompactionThreshold <= 0 || o.CompactionThreshold > 1 {
		return invalid("compaction threshold must be in (0, 1], got %v", o.CompactionThreshold)
	}
	if o.CompactionMinStaleBytes < 0 {
		return invalid("compaction min stale bytes must not be negative")
	}
	if o.CompactionInterval < 0 {
		return invalid("compaction interval must not be negative")
	}
	if o.CompactionBytesPerSecond < 0 {
		return invalid("compaction rate must not be negative")
	}
	if o.FlushDataSize < 0 {
		return invalid("flush data size must not be negative")
	}
	if o.MaxKeySize <= 0 || o.MaxKeySize > record.MaxKeySize {
		return invalid("max key size must be in [1, %d], got %d", record.MaxKeySize, o.MaxKeySize)
	}
	if o.MaxValueSize <= 0 || uint64(o.MaxValueSize) > record.MaxValueSize {
		return invalid("max value size must be in [1, %d], got %d", uint64(record.MaxValueSize), o.MaxValueSize)
	}
	if o.ReadCacheSize < 0 {
		return invalid("read cache size must not be negative")
	}
	if o.DiskUsageLimit < 0 || o.DiskUsageLimit > 100 {
		return invalid("disk usage limit must be a percentage, got %v", o.DiskUsageLimit)
	}
	if o.RecoveryParallelism < 0 || o.IndexShards < 0 {
		return invalid("recovery parallelism and index shards must not be negative")
	}
	return nil
}
