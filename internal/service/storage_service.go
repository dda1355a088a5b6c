package service

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/logstore/internal/errors"
	"github.com/devrev/pairdb/logstore/internal/metrics"
	"github.com/devrev/pairdb/logstore/internal/model"
	"github.com/devrev/pairdb/logstore/internal/record"
	"github.com/devrev/pairdb/logstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/logstore/internal/storage/index"
	"github.com/devrev/pairdb/logstore/internal/storage/meta"
	"github.com/devrev/pairdb/logstore/internal/storage/segment"
	"github.com/devrev/pairdb/logstore/internal/validation"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// NotFound is returned by GetInto when the key is absent
const NotFound = -1

// maxReadAttempts bounds how often a read chases a key whose segment was
// reclaimed between the index lookup and the file read
const maxReadAttempts = 8

var errSegmentGone = stderrors.New("segment reclaimed")

// StorageConfig holds storage engine configuration
type StorageConfig struct {
	Dir                 string
	MaxSegmentSize      int64
	SyncWrites          bool
	FlushDataSize       int64
	MaxKeySize          int
	MaxValueSize        int
	ReadCacheSize       int
	DiskUsageLimit      float64
	RecoveryParallelism int
	IndexShards         int
	Compaction          CompactionConfig
}

// StorageService owns one store directory: its segments, the index built
// over them, and the write, read and compaction paths
type StorageService struct {
	config      *StorageConfig
	logger      *zap.Logger
	metrics     *metrics.Metrics
	dirLock     *meta.DirLock
	manager     *segment.Manager
	index       *index.Index
	validator   *validation.Validator
	diskManager *diskmanager.DiskManager
	cache       *CacheService
	compactor   *CompactionService

	// writeMu serializes the write path: sequence assignment, append and
	// index update happen as one step
	writeMu    sync.Mutex
	data       *segment.Appender
	tombstones *segment.Appender
	sequence   atomic.Uint64 // next sequence number to assign

	// metaMu serializes META writes. Once checkpoints is set, every segment
	// creation and seal persists the sequence and segment id high-water marks.
	metaMu           sync.Mutex
	checkpoints      atomic.Bool
	sessionSegmentID uint32

	closed   atomic.Bool
	counters counters
}

// NewStorageService opens the store in cfg.Dir, recovering any existing
// segments, and starts background compaction
func NewStorageService(cfg *StorageConfig, logger *zap.Logger, m *metrics.Metrics) (*StorageService, error) {
	if cfg.Dir == "" {
		return nil, errors.InvalidArgument("store directory is required", nil)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.IOFailure("failed to create store directory", err)
	}

	dirLock, err := meta.Lock(cfg.Dir)
	if err != nil {
		if stderrors.Is(err, meta.ErrLockHeld) {
			return nil, errors.Locked(cfg.Dir, err)
		}
		return nil, errors.IOFailure("failed to lock store directory", err)
	}

	s := &StorageService{
		config:    cfg,
		logger:    logger,
		metrics:   m,
		dirLock:   dirLock,
		index:     index.NewIndex(cfg.IndexShards),
		validator: validation.NewValidatorWithLimits(cfg.MaxKeySize, cfg.MaxValueSize),
	}

	opened := false
	defer func() {
		if !opened {
			if s.manager != nil {
				s.manager.Close()
			}
			dirLock.Unlock()
		}
	}()

	s.manager, err = segment.NewManager(&segment.ManagerConfig{
		Dir:           cfg.Dir,
		BloomElements: bloomElementsFor(cfg.MaxSegmentSize),
		OnCreate:      s.onSegmentCreated,
		OnDelete:      s.onSegmentDeleted,
	}, logger)
	if err != nil {
		return nil, errors.IOFailure("failed to create segment manager", err)
	}

	if cfg.DiskUsageLimit > 0 {
		s.diskManager, err = diskmanager.NewDiskManager(&diskmanager.Config{
			Dir:        cfg.Dir,
			UsageLimit: cfg.DiskUsageLimit,
		}, logger)
		if err != nil {
			return nil, errors.InvalidArgument("invalid disk usage limit", err)
		}
	}

	if cfg.ReadCacheSize > 0 {
		s.cache, err = NewCacheService(&CacheConfig{MaxEntries: cfg.ReadCacheSize}, logger, m)
		if err != nil {
			return nil, errors.InvalidArgument("invalid read cache size", err)
		}
	}

	previous, err := meta.Read(cfg.Dir)
	if err != nil {
		return nil, errors.RecoveryFailed("failed to read metadata", err)
	}

	recovery := NewRecoveryService(&RecoveryConfig{Parallelism: cfg.RecoveryParallelism}, s.manager, s.index, logger, m)
	result, err := recovery.Recover(context.Background(), previous)
	if err != nil {
		return nil, err
	}
	s.sequence.Store(result.NextSequence)
	s.counters.tombstonesFound.Store(result.TombstonesFound)

	s.compactor = NewCompactionService(&cfg.Compaction, s, logger, m)
	s.compactor.MarkForCleanup(result.TombstoneSegments)

	s.data = segment.NewAppender(&segment.AppenderConfig{
		Name:           "data",
		Kind:           model.SegmentKindData,
		MaxSegmentSize: cfg.MaxSegmentSize,
		SyncWrites:     cfg.SyncWrites,
		FlushDataSize:  cfg.FlushDataSize,
		OnSeal:         s.onSegmentSealed,
	}, s.manager, logger)
	s.tombstones = segment.NewAppender(&segment.AppenderConfig{
		Name:           "tombstone",
		Kind:           model.SegmentKindTombstone,
		MaxSegmentSize: cfg.MaxSegmentSize,
		SyncWrites:     cfg.SyncWrites,
		FlushDataSize:  cfg.FlushDataSize,
		OnSeal:         s.onSegmentSealed,
	}, s.manager, logger)

	// every open writes into a fresh data segment
	s.sessionSegmentID = s.manager.NextID()
	if err := s.data.Open(); err != nil {
		return nil, errors.IOFailure("failed to create active segment", err)
	}
	if err := s.writeMeta(true); err != nil {
		return nil, errors.IOFailure("failed to write metadata", err)
	}

	s.checkpoints.Store(true)
	s.compactor.Start()
	opened = true

	s.logger.Info("Store opened",
		zap.String("dir", cfg.Dir),
		zap.Int("keys", s.index.Len()),
		zap.Uint64("next_sequence", result.NextSequence),
		zap.Uint32("active_segment", s.data.Current()),
		zap.Bool("clean_shutdown", result.CleanShutdown))

	return s, nil
}

// bloomElementsFor sizes per-segment key filters for records of about 64 bytes
func bloomElementsFor(maxSegmentSize int64) int {
	n := maxSegmentSize / 64
	if n < 1024 {
		n = 1024
	}
	if n > 1<<20 {
		n = 1 << 20
	}
	return int(n)
}

// Put stores value under key
func (s *StorageService) Put(key, value []byte) error {
	start := time.Now()
	if s.closed.Load() {
		return errors.Closed()
	}

	if err := s.validator.ValidatePut(key, value); err != nil {
		s.metrics.RecordError("put", errors.GetCode(err).String())
		return err
	}

	if s.diskManager != nil {
		estimatedSize := validation.EstimateWriteSize(key, value)
		if err := s.diskManager.CheckBeforeWrite(estimatedSize); err != nil {
			s.logger.Warn("Disk space check failed",
				zap.Uint64("estimated_size", estimatedSize),
				zap.Error(err))
			s.metrics.RecordError("put", errors.GetCode(err).String())
			return err
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return errors.Closed()
	}

	seq := s.sequence.Add(1) - 1
	raw, err := record.Encode(&record.Record{Key: key, Value: value, Sequence: seq, Type: model.RecordTypePut})
	if err != nil {
		return errors.InvalidArgument("failed to encode record", err)
	}

	loc, err := s.data.Append(raw, key, seq)
	if err != nil {
		if loc.SegmentID != 0 {
			// written but not flushed; the bytes are unreachable
			s.creditStale(loc.SegmentID, int64(len(raw)))
		}
		s.logger.Error("Failed to append record",
			zap.Uint64("sequence", seq),
			zap.Error(err))
		s.metrics.RecordError("put", errors.ErrCodeIOFailure.String())
		return errors.IOFailure("failed to append record", err)
	}

	entry := model.IndexEntry{
		SegmentID:  loc.SegmentID,
		Offset:     loc.Offset,
		RecordSize: uint32(len(raw)),
		ValueSize:  uint32(len(value)),
		Sequence:   seq,
	}
	if prev, ok := s.index.Put(key, entry); ok {
		s.supersede(prev)
	}

	s.counters.puts.Add(1)
	s.metrics.RecordPut(time.Since(start).Seconds(), len(raw))
	return nil
}

// Delete removes key. Deleting an absent key is a no-op and writes nothing.
func (s *StorageService) Delete(key []byte) error {
	if s.closed.Load() {
		return errors.Closed()
	}
	if err := s.validator.ValidateKey(key); err != nil {
		s.metrics.RecordError("delete", errors.GetCode(err).String())
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return errors.Closed()
	}

	s.counters.deletes.Add(1)
	s.metrics.RecordDelete()

	if _, ok := s.index.Get(key); !ok {
		return nil
	}

	seq := s.sequence.Add(1) - 1
	raw, err := record.Encode(&record.Record{Key: key, Sequence: seq, Type: model.RecordTypeDelete})
	if err != nil {
		return errors.InvalidArgument("failed to encode tombstone", err)
	}

	loc, err := s.tombstones.Append(raw, key, seq)
	if loc.SegmentID != 0 {
		// tombstones are never reachable through the index
		s.creditStale(loc.SegmentID, int64(len(raw)))
	}
	if err != nil {
		s.logger.Error("Failed to append tombstone",
			zap.Uint64("sequence", seq),
			zap.Error(err))
		s.metrics.RecordError("delete", errors.ErrCodeIOFailure.String())
		return errors.IOFailure("failed to append tombstone", err)
	}

	// the compactor may have relocated the entry since the lookup above, so
	// account against whatever Remove actually displaced
	if prev, ok := s.index.Remove(key); ok {
		s.supersede(prev)
	}
	return nil
}

// supersede credits the record referenced by a displaced index entry as
// stale. It is the only place write-path and compaction displacement is
// accounted.
func (s *StorageService) supersede(prev model.IndexEntry) {
	seg, ok := s.manager.Get(prev.SegmentID)
	if !ok {
		s.logger.Warn("Displaced entry references unknown segment",
			zap.Uint32("segment_id", prev.SegmentID),
			zap.Int64("offset", prev.Offset))
		return
	}
	seg.AddStale(int64(prev.RecordSize))
	if s.compactor != nil && s.compactor.isCandidate(seg) {
		s.compactor.Wake()
	}
}

func (s *StorageService) creditStale(segmentID uint32, n int64) {
	if seg, ok := s.manager.Get(segmentID); ok {
		seg.AddStale(n)
	}
}

// Get returns the value stored under key
func (s *StorageService) Get(key []byte) ([]byte, error) {
	start := time.Now()
	if s.closed.Load() {
		return nil, errors.Closed()
	}

	s.counters.gets.Add(1)
	value, err := s.read(key, nil, false)
	s.metrics.RecordGet(time.Since(start).Seconds(), err == nil)
	return value, err
}

// GetInto copies the value stored under key into dst and returns its
// length. dst is not written when it is too small.
func (s *StorageService) GetInto(key, dst []byte) (int, error) {
	start := time.Now()
	if s.closed.Load() {
		return NotFound, errors.Closed()
	}

	s.counters.gets.Add(1)
	value, err := s.read(key, dst, true)
	s.metrics.RecordGet(time.Since(start).Seconds(), err == nil)
	if err != nil {
		return NotFound, err
	}
	return len(value), nil
}

// read resolves key through the index. With into set the value is copied
// into dst, a nil dst holding nothing, and the result aliases it.
func (s *StorageService) read(key, dst []byte, into bool) ([]byte, error) {
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		entry, ok := s.index.Get(key)
		if !ok {
			return nil, errors.KeyNotFound()
		}
		if into && int(entry.ValueSize) > len(dst) {
			return nil, errors.BufferTooSmall(len(dst), int(entry.ValueSize))
		}

		value, err := s.readEntry(key, entry)
		if err == errSegmentGone {
			if s.closed.Load() {
				return nil, errors.Closed()
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if into {
			n := copy(dst, value)
			return dst[:n], nil
		}
		return value, nil
	}

	return nil, errors.IOFailure(fmt.Sprintf("key relocated during %d consecutive reads", maxReadAttempts), nil)
}

// readEntry reads the exact record an index entry points at. The returned
// slice is owned by the caller.
func (s *StorageService) readEntry(key []byte, entry model.IndexEntry) ([]byte, error) {
	loc := entry.Location()
	if s.cache != nil {
		if cached, ok := s.cache.Get(loc); ok {
			value := make([]byte, len(cached))
			copy(value, cached)
			return value, nil
		}
	}

	seg, ok := s.manager.Acquire(entry.SegmentID)
	if !ok {
		return nil, errSegmentGone
	}
	defer seg.Release()

	buf := make([]byte, entry.RecordSize)
	if _, err := seg.ReadAt(buf, entry.Offset); err != nil {
		s.logger.Error("Failed to read record",
			zap.Uint32("segment_id", entry.SegmentID),
			zap.Int64("offset", entry.Offset),
			zap.Error(err))
		return nil, errors.IOFailure("failed to read record", err)
	}

	rec, _, err := record.Decode(buf)
	if err == nil && !bytes.Equal(rec.Key, key) {
		err = fmt.Errorf("record holds key %q", rec.Key)
	}
	if err != nil {
		s.logger.Error("Corrupt record on read",
			zap.Uint32("segment_id", entry.SegmentID),
			zap.Int64("offset", entry.Offset),
			zap.Error(err))
		return nil, errors.CorruptRecord(entry.SegmentID, entry.Offset, err)
	}

	if s.cache != nil {
		cached := make([]byte, len(rec.Value))
		copy(cached, rec.Value)
		s.cache.Put(loc, cached)
	}
	return rec.Value, nil
}

// Size returns the number of live keys
func (s *StorageService) Size() int64 {
	return int64(s.index.Len())
}

// IsClosed reports whether Close has been called
func (s *StorageService) IsClosed() bool {
	return s.closed.Load()
}

// Stats returns a snapshot of the store's counters and segment state
func (s *StorageService) Stats() Stats {
	st := Stats{Size: s.Size()}
	s.counters.fill(&st)
	fillSegmentStats(&st, s.manager.Infos())
	st.CompactionComplete = s.compactor.IsComplete()
	st.CompactionJobsQueued = s.compactor.Queued()

	s.metrics.UpdateStoreStats(int(st.Size), st.TotalBytes, st.StaleBytes)
	if s.diskManager != nil {
		usage := s.diskManager.GetDiskUsage()
		s.metrics.UpdateDiskStats(usage.UsagePercent, usage.AvailableBytes)
	}
	return st
}

// ResetStats zeroes the cumulative counters
func (s *StorageService) ResetStats() {
	s.counters.reset()
}

// SegmentInfos returns the bookkeeping of every segment
func (s *StorageService) SegmentInfos() []model.SegmentInfo {
	return s.manager.Infos()
}

// ListSegmentIDs returns the ids of every segment file, in ascending order
func (s *StorageService) ListSegmentIDs() []uint32 {
	return s.manager.IDs()
}

// IsCompactionComplete reports whether the compactor has nothing left to do
func (s *StorageService) IsCompactionComplete() bool {
	return s.compactor.IsComplete()
}

// Close stops compaction, flushes every open segment, records a clean
// shutdown and releases the directory
func (s *StorageService) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	// wait for in-flight writes
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	err = multierr.Append(err, s.compactor.Stop())
	err = multierr.Append(err, s.data.Seal())
	err = multierr.Append(err, s.tombstones.Seal())
	err = multierr.Append(err, s.writeMeta(false))
	err = multierr.Append(err, s.manager.Close())
	err = multierr.Append(err, s.dirLock.Unlock())

	if err != nil {
		s.logger.Error("Store closed with errors", zap.String("dir", s.config.Dir), zap.Error(err))
		return errors.IOFailure("failed to close store cleanly", err)
	}

	s.logger.Info("Store closed",
		zap.String("dir", s.config.Dir),
		zap.Int("keys", s.index.Len()),
		zap.Uint64("next_sequence", s.sequence.Load()))
	return nil
}

func (s *StorageService) writeMeta(open bool) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.writeMetaLocked(open)
}

func (s *StorageService) writeMetaLocked(open bool) error {
	return meta.Write(s.config.Dir, &meta.Meta{
		Open:                open,
		Sequence:            s.sequence.Load(),
		NextSegmentID:       s.manager.NextID(),
		MaxSegmentSize:      s.config.MaxSegmentSize,
		CompactionThreshold: s.config.Compaction.Threshold,
		SessionSegmentID:    s.sessionSegmentID,
	})
}

// checkpointMeta records the current high-water marks. A sealed segment may
// be compacted away together with the highest sequence it held, so the mark
// must be durable before that can happen.
func (s *StorageService) checkpointMeta() {
	if !s.checkpoints.Load() {
		return
	}
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if s.closed.Load() {
		return
	}
	if err := s.writeMetaLocked(true); err != nil {
		s.logger.Error("Failed to checkpoint metadata",
			zap.Uint64("sequence", s.sequence.Load()),
			zap.Error(err))
	}
}

func (s *StorageService) onSegmentCreated(seg *segment.Segment) {
	s.checkpointMeta()
	s.counters.segmentsCreated.Add(1)
	s.metrics.RecordSegmentCreated(seg.Kind().String())
	if s.compactor != nil {
		s.compactor.onSegmentCreated(seg)
	}
}

func (s *StorageService) onSegmentDeleted(seg *segment.Segment) {
	s.counters.segmentsDeleted.Add(1)
	s.counters.bytesReclaimed.Add(seg.Size())
	s.metrics.RecordSegmentDeleted(seg.Kind().String(), seg.Size())
	if s.cache != nil {
		s.cache.PurgeSegment(seg.ID())
	}
	if s.compactor != nil {
		s.compactor.onSegmentDeleted(seg)
	}
}

func (s *StorageService) onSegmentSealed(seg *segment.Segment) {
	s.checkpointMeta()
	if s.compactor != nil {
		s.compactor.Wake()
	}
}
