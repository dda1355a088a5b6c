package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/logstore/internal/errors"
	"github.com/devrev/pairdb/logstore/internal/metrics"
	"github.com/devrev/pairdb/logstore/internal/model"
	"github.com/devrev/pairdb/logstore/internal/record"
	"github.com/devrev/pairdb/logstore/internal/storage/segment"
	"github.com/devrev/pairdb/logstore/internal/util/workerpool"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CompactionConfig holds compaction configuration
type CompactionConfig struct {
	// Threshold is the stale fraction at which a sealed data segment is compacted
	Threshold float64
	// MinStaleBytes, when positive, also makes a segment eligible once it
	// holds this many stale bytes
	MinStaleBytes int64
	// Interval between scheduler passes; seals and deletions also wake it
	Interval time.Duration
	// BytesPerSecond caps how fast live records are copied, 0 for no limit
	BytesPerSecond int64
}

// CompactionService reclaims space in the background. Relocation jobs copy
// the live records of a stale data segment into a compaction output segment
// and delete the source; cleanup jobs drop tombstones that no longer shadow
// any record on disk.
type CompactionService struct {
	config  *CompactionConfig
	store   *StorageService
	logger  *zap.Logger
	metrics *metrics.Metrics
	output  *segment.Appender
	pool    *workerpool.WorkerPool
	limiter *rate.Limiter
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	inFlight map[uint32]bool
	// generation counts data segment deletions. A sealed tombstone segment
	// needs cleanup when it was last examined at an older generation.
	generation uint64
	tombstones map[uint32]uint64
}

type jobStats struct {
	scanned  int64
	copied   int64
	replaced int64
	cleaned  int64
	deleted  bool
}

// NewCompactionService creates the compactor. Start launches the scheduler.
func NewCompactionService(cfg *CompactionConfig, store *StorageService, logger *zap.Logger, m *metrics.Metrics) *CompactionService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	c := &CompactionService{
		config:     cfg,
		store:      store,
		logger:     logger.With(zap.String("component", "compaction")),
		metrics:    m,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		inFlight:   make(map[uint32]bool),
		generation: 1,
		tombstones: make(map[uint32]uint64),
	}

	c.output = segment.NewAppender(&segment.AppenderConfig{
		Name:           "compaction",
		Kind:           model.SegmentKindData,
		MaxSegmentSize: store.config.MaxSegmentSize,
		FlushDataSize:  store.config.FlushDataSize,
		OnSeal:         store.onSegmentSealed,
	}, store.manager, logger)

	if cfg.BytesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), int(cfg.BytesPerSecond))
	}

	c.pool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "compaction",
		MaxWorkers: 1,
		QueueSize:  256,
		Logger:     logger,
	})

	return c
}

// Start launches the scheduler goroutine
func (c *CompactionService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.scheduler(ctx)
}

// Stop cancels the scheduler and any running job, then seals the output segment
func (c *CompactionService) Stop() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done

	var err error
	err = multierr.Append(err, c.pool.Stop(30*time.Second))
	err = multierr.Append(err, c.output.Seal())
	return err
}

// Queued returns the number of jobs waiting for the worker
func (c *CompactionService) Queued() int {
	return c.pool.Stats().Queued
}

// Wake asks the scheduler for an immediate pass
func (c *CompactionService) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// MarkForCleanup schedules tombstone segments for examination regardless
// of deletions since they were written
func (c *CompactionService) MarkForCleanup(ids []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.tombstones[id] = 0
	}
}

func (c *CompactionService) scheduler(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.schedule()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.schedule()
		case <-c.wake:
			c.schedule()
		}
	}
}

// schedule submits a job for every eligible segment not already queued
func (c *CompactionService) schedule() {
	for _, seg := range c.store.manager.Segments(model.SegmentKindData) {
		if c.isCandidate(seg) {
			c.submit(model.CompactionJobRelocate, seg.ID())
		}
	}
	for _, seg := range c.store.manager.Segments(model.SegmentKindTombstone) {
		if c.needsCleanup(seg) {
			c.submit(model.CompactionJobTombstoneCleanup, seg.ID())
		}
	}
}

func (c *CompactionService) submit(jobType model.CompactionJobType, segmentID uint32) {
	c.mu.Lock()
	if c.inFlight[segmentID] {
		c.mu.Unlock()
		return
	}
	c.inFlight[segmentID] = true
	c.mu.Unlock()

	job := &model.CompactionJob{
		JobID:     uuid.New().String(),
		Type:      jobType,
		SegmentID: segmentID,
		Status:    model.CompactionStatusPending,
	}

	ok := c.pool.TrySubmit(workerpool.Task{
		ID: job.JobID,
		Fn: func(ctx context.Context) error { return c.execute(ctx, job) },
	})
	if !ok {
		c.mu.Lock()
		delete(c.inFlight, segmentID)
		c.mu.Unlock()
		c.logger.Warn("Compaction queue full",
			zap.String("job_id", job.JobID),
			zap.Uint32("segment_id", segmentID))
	}
}

func (c *CompactionService) isOpen(id uint32) bool {
	if c.output.IsOpen(id) {
		return true
	}
	return c.store.data != nil && c.store.data.IsOpen(id)
}

// isCandidate reports whether a data segment should be relocated
func (c *CompactionService) isCandidate(seg *segment.Segment) bool {
	if seg.Kind() != model.SegmentKindData || !seg.IsSealed() || seg.Size() == 0 {
		return false
	}
	info := seg.Info()
	eligible := info.StaleRatio() >= c.config.Threshold ||
		(c.config.MinStaleBytes > 0 && info.StaleBytes >= c.config.MinStaleBytes)
	return eligible && !c.isOpen(seg.ID())
}

// needsCleanup reports whether a tombstone segment has not been examined
// since the last data segment deletion
func (c *CompactionService) needsCleanup(seg *segment.Segment) bool {
	if !seg.IsSealed() || (c.store.tombstones != nil && c.store.tombstones.IsOpen(seg.ID())) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	checked, ok := c.tombstones[seg.ID()]
	return ok && checked < c.generation
}

func (c *CompactionService) onSegmentCreated(seg *segment.Segment) {
	if seg.Kind() != model.SegmentKindTombstone {
		return
	}
	c.mu.Lock()
	c.tombstones[seg.ID()] = c.generation
	c.mu.Unlock()
}

func (c *CompactionService) onSegmentDeleted(seg *segment.Segment) {
	c.mu.Lock()
	if seg.Kind() == model.SegmentKindData {
		c.generation++
	} else {
		delete(c.tombstones, seg.ID())
	}
	c.mu.Unlock()

	if seg.Kind() == model.SegmentKindData {
		c.Wake()
	}
}

// IsComplete reports whether no job is queued or running and no segment is
// eligible for one
func (c *CompactionService) IsComplete() bool {
	c.mu.Lock()
	busy := len(c.inFlight) > 0
	c.mu.Unlock()
	if busy || c.pool.Busy() {
		return false
	}

	for _, seg := range c.store.manager.Segments(model.SegmentKindData) {
		if c.isCandidate(seg) {
			return false
		}
	}
	for _, seg := range c.store.manager.Segments(model.SegmentKindTombstone) {
		if c.needsCleanup(seg) {
			return false
		}
	}
	return true
}

func (c *CompactionService) execute(ctx context.Context, job *model.CompactionJob) error {
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, job.SegmentID)
		c.mu.Unlock()
	}()

	seg, ok := c.store.manager.Acquire(job.SegmentID)
	if !ok {
		return nil
	}
	defer seg.Release()

	job.Status = model.CompactionStatusRunning
	job.StartedAt = time.Now()

	var st jobStats
	var err error
	switch job.Type {
	case model.CompactionJobRelocate:
		err = c.relocate(ctx, seg, &st)
	case model.CompactionJobTombstoneCleanup:
		err = c.cleanTombstones(ctx, seg, &st)
	default:
		err = fmt.Errorf("unknown compaction job type %q", job.Type)
	}
	duration := time.Since(job.StartedAt)

	c.store.counters.recordsScanned.Add(st.scanned)
	c.store.counters.recordsCopied.Add(st.copied)
	c.store.counters.recordsReplaced.Add(st.replaced)
	c.store.counters.tombstonesCleaned.Add(st.cleaned)

	if err != nil {
		job.Status = model.CompactionStatusFailed
		c.metrics.RecordCompactionJob(string(job.Type), string(job.Status), duration.Seconds(), st.copied, st.cleaned)
		if ctx.Err() != nil {
			return nil
		}
		c.store.counters.compactionErrors.Add(1)
		c.logger.Warn("Compaction job failed, segment will be retried",
			zap.String("job_id", job.JobID),
			zap.Uint32("segment_id", job.SegmentID),
			zap.Error(err))
		return err
	}

	job.Status = model.CompactionStatusCompleted
	c.metrics.RecordCompactionJob(string(job.Type), string(job.Status), duration.Seconds(), st.copied, st.cleaned)
	c.logger.Info("Compaction job completed",
		zap.String("job_id", job.JobID),
		zap.Uint32("segment_id", job.SegmentID),
		zap.Int64("records_scanned", st.scanned),
		zap.Int64("records_copied", st.copied),
		zap.Int64("tombstones_cleaned", st.cleaned),
		zap.Bool("segment_deleted", st.deleted),
		zap.Duration("duration", duration))
	return nil
}

// relocate copies every live record of seg to the output segment and
// deletes seg once all of its bytes are stale. A record is live only if the
// index still points at its exact location.
func (c *CompactionService) relocate(ctx context.Context, seg *segment.Segment, st *jobStats) error {
	idx := c.store.index
	scanner := record.NewScanner(seg.ReaderAt(), seg.Size())

	for scanner.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.scanned++

		rec := scanner.Record()
		entry, ok := idx.Get(rec.Key)
		if !ok || entry.SegmentID != seg.ID() || entry.Offset != scanner.Offset() {
			continue
		}

		raw := scanner.Raw()
		if err := c.throttle(ctx, len(raw)); err != nil {
			return err
		}
		loc, err := c.output.Append(raw, rec.Key, rec.Sequence)
		if err != nil {
			if loc.SegmentID != 0 {
				c.store.creditStale(loc.SegmentID, int64(len(raw)))
			}
			return fmt.Errorf("failed to copy record: %w", err)
		}
		st.copied++

		next := entry
		next.SegmentID = loc.SegmentID
		next.Offset = loc.Offset
		if idx.CompareAndSwap(rec.Key, entry, next) {
			c.store.supersede(entry)
			st.replaced++
		} else {
			// overwritten or deleted while copying; the copy is garbage
			c.store.creditStale(loc.SegmentID, int64(len(raw)))
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.CorruptRecord(seg.ID(), scanner.ValidSize(), err)
	}

	// copies must be durable before the originals disappear
	if err := c.output.Sync(); err != nil {
		return err
	}

	if seg.StaleBytes() < seg.Size() {
		c.logger.Debug("Segment still holds unaccounted bytes after relocation",
			zap.Uint32("segment_id", seg.ID()),
			zap.Int64("stale_bytes", seg.StaleBytes()),
			zap.Int64("size", seg.Size()))
		return nil
	}
	if err := c.store.manager.Delete(seg.ID()); err != nil {
		return err
	}
	st.deleted = true
	return nil
}

func (c *CompactionService) throttle(ctx context.Context, n int) error {
	if c.limiter == nil {
		return nil
	}
	if burst := c.limiter.Burst(); n > burst {
		n = burst
	}
	return c.limiter.WaitN(ctx, n)
}

// cleanTombstones drops every tombstone in seg that cannot shadow a record
// on disk and carries the rest forward into the active tombstone segment.
// A tombstone (K, t) still matters while some data segment holding records
// older than t may contain K.
func (c *CompactionService) cleanTombstones(ctx context.Context, seg *segment.Segment, st *jobStats) error {
	dataSegments := c.store.manager.Segments(model.SegmentKindData)
	scanner := record.NewScanner(seg.ReaderAt(), seg.Size())

	for scanner.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.scanned++

		rec := scanner.Record()
		if !shadowsRecord(dataSegments, rec) {
			st.cleaned++
			continue
		}

		raw := scanner.Raw()
		loc, err := c.store.tombstones.Append(raw, rec.Key, rec.Sequence)
		if loc.SegmentID != 0 {
			c.store.creditStale(loc.SegmentID, int64(len(raw)))
		}
		if err != nil {
			return fmt.Errorf("failed to carry tombstone forward: %w", err)
		}
		st.copied++
	}
	if err := scanner.Err(); err != nil {
		return errors.CorruptRecord(seg.ID(), scanner.ValidSize(), err)
	}

	if err := c.store.tombstones.Sync(); err != nil {
		return err
	}
	if err := c.store.manager.Delete(seg.ID()); err != nil {
		return err
	}
	st.deleted = true
	return nil
}

func shadowsRecord(dataSegments []*segment.Segment, tombstone *record.Record) bool {
	for _, ds := range dataSegments {
		if ds.MinSequence() < tombstone.Sequence && ds.MayContain(tombstone.Key) {
			return true
		}
	}
	return false
}
