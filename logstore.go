// Package logstore is an embedded key-value store built on append-only
// segment files and an in-memory hash index.
//
// Every write appends a record to the active segment and points the index at
// it; a read is one index lookup and one positioned file read. Overwritten and
// deleted records become stale bytes that a background compactor reclaims by
// copying the remaining live records forward and deleting the old segment.
// On open, the index is rebuilt by replaying every segment.
//
// A store directory may be opened by one process at a time. All methods of DB
// are safe for concurrent use.
package logstore

import (
	"github.com/devrev/pairdb/logstore/internal/metrics"
	"github.com/devrev/pairdb/logstore/internal/service"
	"go.uber.org/zap"
)

// DB is an open store
type DB struct {
	store *service.StorageService
}

// Iterator walks every live key of a DB. See DB.NewIterator.
type Iterator = service.Iterator

// Stats is a point-in-time snapshot of a DB's counters and segment state
type Stats = service.Stats

// Open opens the store in dir, creating it if needed, and replays its
// segments to rebuild the index
func Open(dir string, opts Options) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := service.NewStorageService(&service.StorageConfig{
		Dir:                 dir,
		MaxSegmentSize:      opts.MaxSegmentSize,
		SyncWrites:          opts.SyncWrites,
		FlushDataSize:       opts.FlushDataSize,
		MaxKeySize:          opts.MaxKeySize,
		MaxValueSize:        opts.MaxValueSize,
		ReadCacheSize:       opts.ReadCacheSize,
		DiskUsageLimit:      opts.DiskUsageLimit,
		RecoveryParallelism: opts.RecoveryParallelism,
		IndexShards:         opts.IndexShards,
		Compaction: service.CompactionConfig{
			Threshold:      opts.CompactionThreshold,
			MinStaleBytes:  opts.CompactionMinStaleBytes,
			Interval:       opts.CompactionInterval,
			BytesPerSecond: opts.CompactionBytesPerSecond,
		},
	}, logger.With(zap.String("store", dir)), metrics.NewMetrics(opts.Registerer))
	if err != nil {
		return nil, err
	}

	return &DB{store: store}, nil
}

// Get returns the value stored under key, or ErrNotFound
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.store.Get(key)
}

// GetInto copies the value stored under key into dst and returns its length.
// It returns NotFound with ErrNotFound for an absent key, and NotFound with
// ErrBufferTooSmall, leaving dst untouched, when the value does not fit.
func (db *DB) GetInto(key, dst []byte) (int, error) {
	return db.store.GetInto(key, dst)
}

// Put stores value under key, replacing any previous value
func (db *DB) Put(key, value []byte) error {
	return db.store.Put(key, value)
}

// Delete removes key. Deleting an absent key is not an error.
func (db *DB) Delete(key []byte) error {
	return db.store.Delete(key)
}

// Size returns the number of live keys
func (db *DB) Size() int64 {
	return db.store.Size()
}

// Stats returns a snapshot of counters and segment state
func (db *DB) Stats() Stats {
	return db.store.Stats()
}

// ResetStats zeroes the cumulative counters reported by Stats
func (db *DB) ResetStats() {
	db.store.ResetStats()
}

// NewIterator returns an iterator over the live keys. Keys written or
// deleted while iterating may or may not be observed; no key is returned
// twice.
func (db *DB) NewIterator() (*Iterator, error) {
	return db.store.NewIterator()
}

// IsCompactionComplete reports whether the compactor is idle with no
// eligible segment left
func (db *DB) IsCompactionComplete() bool {
	return db.store.IsCompactionComplete()
}

// ListSegmentIDs returns the ids of every segment file in ascending order
func (db *DB) ListSegmentIDs() []uint32 {
	return db.store.ListSegmentIDs()
}

// IsClosed reports whether Close has been called
func (db *DB) IsClosed() bool {
	return db.store.IsClosed()
}

// Close stops compaction, flushes and seals open segments and releases the
// directory. Calling Close more than once is a no-op.
func (db *DB) Close() error {
	return db.store.Close()
}
