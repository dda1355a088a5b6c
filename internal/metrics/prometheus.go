package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "logstore"

// Metrics holds all Prometheus metrics for a store
type Metrics struct {
	// Operation metrics
	PutRequestsTotal    prometheus.Counter
	PutRequestsDuration prometheus.Histogram
	PutRequestsBytes    prometheus.Histogram
	GetRequestsTotal    prometheus.Counter
	GetRequestsDuration prometheus.Histogram
	GetMissesTotal      prometheus.Counter
	DeleteRequestsTotal prometheus.Counter
	OperationErrors     *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal    prometheus.Counter
	CacheMissesTotal  prometheus.Counter
	CacheEntriesTotal prometheus.Gauge

	// Segment metrics
	SegmentsTotal        *prometheus.GaugeVec
	SegmentsCreatedTotal *prometheus.CounterVec
	SegmentsDeletedTotal *prometheus.CounterVec
	SegmentSyncsTotal    prometheus.Counter
	LiveKeys             prometheus.Gauge
	StoreSizeBytes       prometheus.Gauge
	StaleBytes           prometheus.Gauge

	// Compaction metrics
	CompactionJobsTotal      *prometheus.CounterVec
	CompactionJobDuration    prometheus.Histogram
	CompactionRecordsCopied  prometheus.Counter
	CompactionBytesReclaimed prometheus.Counter
	TombstonesCleanedTotal   prometheus.Counter

	// Recovery metrics
	RecoveryDuration       prometheus.Histogram
	RecoveryRecordsScanned prometheus.Counter
	RecoveryTornTailsTotal prometheus.Counter

	// System metrics
	DiskUsagePercent   prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
}

// NewMetrics creates all metrics and registers them on reg. A nil reg gets a
// private registry, so several stores can live in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		PutRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "put_requests_total",
			Help:      "Total number of put requests",
		}),
		PutRequestsDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "put_requests_duration_seconds",
			Help:      "Histogram of put request durations",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		}),
		PutRequestsBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "put_requests_bytes",
			Help:      "Histogram of encoded record sizes in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MB
		}),
		GetRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "get_requests_total",
			Help:      "Total number of get requests",
		}),
		GetRequestsDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "get_requests_duration_seconds",
			Help:      "Histogram of get request durations",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 10),
		}),
		GetMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "get_misses_total",
			Help:      "Total number of gets for absent keys",
		}),
		DeleteRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "delete_requests_total",
			Help:      "Total number of delete requests",
		}),
		OperationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_errors_total",
			Help:      "Total number of failed operations by operation and error code",
		}, []string{"operation", "code"}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of read cache hits",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of read cache misses",
		}),
		CacheEntriesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries_total",
			Help:      "Current number of entries in the read cache",
		}),

		SegmentsTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "files_total",
			Help:      "Current number of segment files by kind",
		}, []string{"kind"}),
		SegmentsCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "created_total",
			Help:      "Total number of segments created by kind",
		}, []string{"kind"}),
		SegmentsDeletedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "deleted_total",
			Help:      "Total number of segments deleted by kind",
		}, []string{"kind"}),
		SegmentSyncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "syncs_total",
			Help:      "Total number of segment fsyncs",
		}),
		LiveKeys: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "keys",
			Help:      "Current number of live keys",
		}),
		StoreSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "size_bytes",
			Help:      "Total bytes of all segment files",
		}),
		StaleBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "stale_bytes",
			Help:      "Total stale bytes across all segments",
		}),

		CompactionJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "jobs_total",
			Help:      "Total number of compaction jobs by type and status",
		}, []string{"type", "status"}),
		CompactionJobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "job_duration_seconds",
			Help:      "Histogram of compaction job durations",
			Buckets:   prometheus.DefBuckets,
		}),
		CompactionRecordsCopied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "records_copied_total",
			Help:      "Total number of live records relocated by compaction",
		}),
		CompactionBytesReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "bytes_reclaimed_total",
			Help:      "Total bytes freed by deleting segments",
		}),
		TombstonesCleanedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "tombstones_cleaned_total",
			Help:      "Total number of tombstones dropped as obsolete",
		}),

		RecoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "duration_seconds",
			Help:      "Histogram of recovery durations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		RecoveryRecordsScanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "records_scanned_total",
			Help:      "Total number of records replayed during recovery",
		}),
		RecoveryTornTailsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "torn_tails_total",
			Help:      "Total number of segments truncated at a torn tail",
		}),

		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_usage_percent",
			Help:      "Filesystem usage percentage of the store directory",
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_available_bytes",
			Help:      "Available bytes on the filesystem of the store directory",
		}),
	}
}

// RecordPut records a successful put
func (m *Metrics) RecordPut(duration float64, bytes int) {
	m.PutRequestsTotal.Inc()
	m.PutRequestsDuration.Observe(duration)
	m.PutRequestsBytes.Observe(float64(bytes))
}

// RecordGet records a get; found is false for absent keys
func (m *Metrics) RecordGet(duration float64, found bool) {
	m.GetRequestsTotal.Inc()
	m.GetRequestsDuration.Observe(duration)
	if !found {
		m.GetMissesTotal.Inc()
	}
}

// RecordDelete records a delete
func (m *Metrics) RecordDelete() {
	m.DeleteRequestsTotal.Inc()
}

// RecordError records a failed operation
func (m *Metrics) RecordError(operation, code string) {
	m.OperationErrors.WithLabelValues(operation, code).Inc()
}

// RecordCacheHit increments cache hit counter
func (m *Metrics) RecordCacheHit() {
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss increments cache miss counter
func (m *Metrics) RecordCacheMiss() {
	m.CacheMissesTotal.Inc()
}

// UpdateCacheEntries sets the number of cached values
func (m *Metrics) UpdateCacheEntries(entries int) {
	m.CacheEntriesTotal.Set(float64(entries))
}

// RecordSegmentCreated counts a new segment of kind
func (m *Metrics) RecordSegmentCreated(kind string) {
	m.SegmentsCreatedTotal.WithLabelValues(kind).Inc()
	m.SegmentsTotal.WithLabelValues(kind).Inc()
}

// RecordSegmentDeleted counts a deleted segment of kind and the bytes it held
func (m *Metrics) RecordSegmentDeleted(kind string, size int64) {
	m.SegmentsDeletedTotal.WithLabelValues(kind).Inc()
	m.SegmentsTotal.WithLabelValues(kind).Dec()
	m.CompactionBytesReclaimed.Add(float64(size))
}

// UpdateStoreStats sets the store-wide gauges
func (m *Metrics) UpdateStoreStats(liveKeys int, sizeBytes, staleBytes int64) {
	m.LiveKeys.Set(float64(liveKeys))
	m.StoreSizeBytes.Set(float64(sizeBytes))
	m.StaleBytes.Set(float64(staleBytes))
}

// RecordCompactionJob records a finished compaction job
func (m *Metrics) RecordCompactionJob(jobType, status string, duration float64, recordsCopied, tombstonesCleaned int64) {
	m.CompactionJobsTotal.WithLabelValues(jobType, status).Inc()
	m.CompactionJobDuration.Observe(duration)
	m.CompactionRecordsCopied.Add(float64(recordsCopied))
	m.TombstonesCleanedTotal.Add(float64(tombstonesCleaned))
}

// RecordRecovery records a finished recovery
func (m *Metrics) RecordRecovery(duration float64, recordsScanned int64, tornTails int) {
	m.RecoveryDuration.Observe(duration)
	m.RecoveryRecordsScanned.Add(float64(recordsScanned))
	m.RecoveryTornTailsTotal.Add(float64(tornTails))
}

// UpdateDiskStats updates filesystem gauges
func (m *Metrics) UpdateDiskStats(usagePercent float64, availableBytes uint64) {
	m.DiskUsagePercent.Set(usagePercent)
	m.DiskAvailableBytes.Set(float64(availableBytes))
}
