package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/logstore/internal/model"
	"github.com/devrev/pairdb/logstore/internal/service"
	"github.com/devrev/pairdb/logstore/internal/storage/diskmanager"
	"go.uber.org/zap"
)

// Store is the view of an open store the health checker needs
type Store interface {
	IsClosed() bool
	Stats() service.Stats
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	Dir      string
	Interval time.Duration
	// StaleWarningRatio marks the store degraded when this fraction of all
	// segment bytes is stale
	StaleWarningRatio float64
}

const (
	statusHealthy  = "healthy"
	statusWarning  = "warning"
	statusCritical = "critical"

	diskWarningPercent  = 90
	diskCriticalPercent = 95
	fdWarningPercent    = 90
)

// HealthChecker periodically checks an open store and the filesystem under it
type HealthChecker struct {
	dir       string
	store     Store
	interval  time.Duration
	staleWarn float64
	logger    *zap.Logger

	mu        sync.RWMutex
	lastCheck time.Time
	status    model.StoreStatus
	metrics   model.HealthMetrics
	checks    map[string]CheckResult
	ready     bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, store Store, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.StaleWarningRatio <= 0 {
		cfg.StaleWarningRatio = 0.9
	}
	return &HealthChecker{
		dir:       cfg.Dir,
		store:     store,
		interval:  cfg.Interval,
		staleWarn: cfg.StaleWarningRatio,
		logger:    logger,
		checks:    make(map[string]CheckResult),
		ready:     true,
		status:    model.StoreStatusHealthy,
	}
}

func result(name, status, format string, args ...interface{}) CheckResult {
	return CheckResult{
		Name:      name,
		Status:    status,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	}
}

// Start runs health checks until ctx is cancelled
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()
	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and updates the overall status. The store
// is ready unless some check is critical.
func (h *HealthChecker) RunChecks() {
	stats := h.store.Stats()
	disk, diskUsage := h.checkDiskSpace()
	results := []CheckResult{
		h.checkStoreOpen(),
		disk,
		h.checkDataDir(),
		h.checkFileDescriptors(),
		h.checkStaleData(stats),
	}

	status := model.StoreStatusHealthy
	for _, r := range results {
		switch {
		case r.Status == statusCritical:
			status = model.StoreStatusUnhealthy
		case r.Status == statusWarning && status == model.StoreStatusHealthy:
			status = model.StoreStatusDegraded
		}
	}

	var staleRatio float64
	if stats.TotalBytes > 0 {
		staleRatio = float64(stats.StaleBytes) / float64(stats.TotalBytes)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range results {
		h.checks[r.Name] = r
	}
	h.lastCheck = time.Now()
	h.status = status
	h.ready = status != model.StoreStatusUnhealthy
	h.metrics = model.HealthMetrics{
		DiskUsage:      diskUsage,
		LiveKeys:       stats.Size,
		DataSegments:   stats.DataSegments,
		StaleDataRatio: staleRatio,
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(status)),
		zap.Bool("ready", h.ready))
}

func (h *HealthChecker) checkStoreOpen() CheckResult {
	if h.store.IsClosed() {
		return result("store_open", statusCritical, "Store is closed")
	}
	return result("store_open", statusHealthy, "Store is open")
}

func (h *HealthChecker) checkDiskSpace() (CheckResult, float64) {
	const name = "disk_space"
	usage, available, err := diskmanager.StatFS(h.dir)
	switch {
	case err != nil:
		return result(name, statusCritical, "%v", err), 0
	case usage > diskCriticalPercent:
		return result(name, statusCritical, "Disk usage critical: %.2f%%", usage), usage
	case usage > diskWarningPercent:
		return result(name, statusWarning, "Disk usage high: %.2f%%", usage), usage
	}
	return result(name, statusHealthy, "Disk usage: %.2f%%, available: %.2f GB",
		usage, float64(available)/(1<<30)), usage
}

// checkDataDir checks the store directory is still writable. Segment
// discovery ignores the probe file's name.
func (h *HealthChecker) checkDataDir() CheckResult {
	const name = "data_dir_accessible"
	info, err := os.Stat(h.dir)
	if err != nil {
		return result(name, statusCritical, "Store directory not accessible: %v", err)
	}
	if !info.IsDir() {
		return result(name, statusCritical, "Store path is not a directory")
	}

	probe := filepath.Join(h.dir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(probe)
	if err != nil {
		return result(name, statusCritical, "Cannot write to store directory: %v", err)
	}
	f.Close()
	os.Remove(probe)

	return result(name, statusHealthy, "Store directory is writable")
}

// checkFileDescriptors compares open descriptors, one per segment plus the
// lock, with the soft limit
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	const name = "file_descriptors"
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return result(name, statusWarning, "Failed to get rlimit: %v", err)
	}

	// Linux only
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return result(name, statusHealthy, "Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max)
	}

	open := uint64(len(entries))
	usage := float64(open) / float64(rlimit.Cur) * 100
	if usage > fdWarningPercent {
		return result(name, statusWarning, "File descriptor usage high: %.2f%% (%d/%d)", usage, open, rlimit.Cur)
	}
	return result(name, statusHealthy, "File descriptor usage: %.2f%% (%d/%d)", usage, open, rlimit.Cur)
}

// checkStaleData warns when compaction is falling behind
func (h *HealthChecker) checkStaleData(stats service.Stats) CheckResult {
	const name = "stale_data"
	if stats.TotalBytes == 0 {
		return result(name, statusHealthy, "Store is empty")
	}

	ratio := float64(stats.StaleBytes) / float64(stats.TotalBytes)
	if ratio >= h.staleWarn {
		return result(name, statusWarning, "Stale data %.2f%% of %d bytes, %d jobs queued, %d compaction errors",
			ratio*100, stats.TotalBytes, stats.CompactionJobsQueued, stats.CompactionErrors)
	}
	return result(name, statusHealthy, "Stale data %.2f%% of %d bytes", ratio*100, stats.TotalBytes)
}

// IsLive reports whether the process is live. A running checker always is.
func (h *HealthChecker) IsLive() bool {
	return true
}

// IsReady reports whether the store can serve traffic
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// GetStatus returns the outcome of the last run
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		Dir:       h.dir,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
	}
}

// GetChecks returns a copy of the last result of every check
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness overrides readiness until the next run, used during shutdown
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}

// LivenessHandler serves the liveness probe
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, h.IsLive(), map[string]interface{}{
		"healthy": h.IsLive(),
		"status":  h.GetStatus().Status,
	})
}

// ReadinessHandler serves the readiness probe
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()
	writeProbe(w, ready, map[string]interface{}{
		"ready":     ready,
		"status":    status.Status,
		"live_keys": status.Metrics.LiveKeys,
		"stale":     status.Metrics.StaleDataRatio,
		"disk":      status.Metrics.DiskUsage,
	})
}
