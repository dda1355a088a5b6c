package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/logstore/internal/errors"
	"go.uber.org/zap"
)

// UsageFunc reports filesystem usage for a directory
type UsageFunc func(dir string) (usagePercent float64, availableBytes uint64, err error)

// DiskManager guards appends against filling up the filesystem that holds
// the store directory
type DiskManager struct {
	dir           string
	logger        *zap.Logger
	usage         UsageFunc
	checkInterval time.Duration

	// thresholds, in percent of filesystem capacity
	limit             float64 // reject every write at or above this
	throttleThreshold float64 // reject large writes at or above this
	warningThreshold  float64

	mu                   sync.Mutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	isThrottled          bool
	isFull               bool
}

// Config holds configuration for the disk manager
type Config struct {
	Dir           string
	CheckInterval time.Duration
	// UsageLimit is the filesystem usage percentage at which writes fail
	UsageLimit float64
	// Usage overrides the statfs probe; used by tests
	Usage UsageFunc
}

// NewDiskManager creates a disk manager. The throttle and warning thresholds
// sit 5 and 10 points below the usage limit.
func NewDiskManager(cfg *Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.UsageLimit <= 0 || cfg.UsageLimit > 100 {
		return nil, fmt.Errorf("disk usage limit must be in (0, 100], got %.2f", cfg.UsageLimit)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.Usage == nil {
		cfg.Usage = StatFS
	}

	dm := &DiskManager{
		dir:               cfg.Dir,
		logger:            logger,
		usage:             cfg.Usage,
		checkInterval:     cfg.CheckInterval,
		limit:             cfg.UsageLimit,
		throttleThreshold: cfg.UsageLimit - 5,
		warningThreshold:  cfg.UsageLimit - 10,
	}

	dm.mu.Lock()
	if err := dm.checkLocked(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	dm.mu.Unlock()

	return dm, nil
}

// CheckBeforeWrite returns DiskFull or DiskThrottled when an append of
// estimatedBytes should be refused
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.isFull || estimatedBytes > dm.cachedAvailableBytes {
		return errors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes)
	}
	// small writes still pass while throttled
	if dm.isThrottled && estimatedBytes > dm.cachedAvailableBytes/10 {
		return errors.DiskThrottled(dm.cachedUsagePercent)
	}
	return nil
}

// ForceCheck refreshes the cached usage immediately
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkLocked()
}

// GetDiskUsage returns the cached usage, refreshing it if stale
func (dm *DiskManager) GetDiskUsage() UsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return UsageStats{
		UsagePercent:   dm.cachedUsagePercent,
		AvailableBytes: dm.cachedAvailableBytes,
		IsThrottled:    dm.isThrottled,
		IsFull:         dm.isFull,
		LastCheck:      dm.lastCheck,
	}
}

func (dm *DiskManager) checkLocked() error {
	usagePercent, available, err := dm.usage(dm.dir)
	if err != nil {
		return err
	}

	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = available
	dm.lastCheck = time.Now()

	wasFull := dm.isFull
	wasThrottled := dm.isThrottled

	dm.isFull = usagePercent >= dm.limit
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isFull

	if dm.isFull && !wasFull {
		dm.logger.Error("Disk usage limit reached, rejecting writes",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("limit", dm.limit))
	} else if !dm.isFull && wasFull {
		dm.logger.Info("Disk usage back below limit",
			zap.Float64("usage_percent", usagePercent))
	}

	if dm.isThrottled && !wasThrottled {
		dm.logger.Warn("Disk write throttling enabled",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("threshold", dm.throttleThreshold))
	} else if !dm.isThrottled && wasThrottled && !dm.isFull {
		dm.logger.Info("Disk write throttling disabled",
			zap.Float64("usage_percent", usagePercent))
	}

	if usagePercent >= dm.warningThreshold && !dm.isThrottled && !dm.isFull {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}

	return nil
}

// StatFS returns the used percentage and available bytes of the filesystem
// holding dir
func StatFS(dir string) (float64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return 0, available, nil
	}
	used := total - available
	return float64(used) / float64(total) * 100.0, available, nil
}

// UsageStats contains disk usage statistics
type UsageStats struct {
	UsagePercent   float64
	AvailableBytes uint64
	IsThrottled    bool
	IsFull         bool
	LastCheck      time.Time
}
