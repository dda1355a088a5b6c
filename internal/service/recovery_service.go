package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/devrev/pairdb/logstore/internal/errors"
	"github.com/devrev/pairdb/logstore/internal/metrics"
	"github.com/devrev/pairdb/logstore/internal/model"
	"github.com/devrev/pairdb/logstore/internal/record"
	"github.com/devrev/pairdb/logstore/internal/storage/index"
	"github.com/devrev/pairdb/logstore/internal/storage/meta"
	"github.com/devrev/pairdb/logstore/internal/storage/segment"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RecoveryConfig holds recovery configuration
type RecoveryConfig struct {
	// Parallelism bounds how many segments are scanned at once
	Parallelism int
}

// RecoveryResult summarizes a recovery run
type RecoveryResult struct {
	NextSequence      uint64
	RecordsScanned    int64
	TombstonesFound   int64
	TornTails         int
	DataSegments      int
	TombstoneSegments []uint32
	CleanShutdown     bool
}

// RecoveryService rebuilds the index from the segments on disk
type RecoveryService struct {
	config  *RecoveryConfig
	manager *segment.Manager
	index   *index.Index
	logger  *zap.Logger
	metrics *metrics.Metrics

	// tails is set after an unclean shutdown; segments with ids from
	// tailsFrom on may end in a torn write
	tails     bool
	tailsFrom uint32
}

type segmentScan struct {
	records  int64
	maxSeq   uint64
	tornTail bool
}

type applyFunc func(seg *segment.Segment, rec *record.Record, offset int64, size int)

// NewRecoveryService creates a new recovery service
func NewRecoveryService(cfg *RecoveryConfig, manager *segment.Manager, idx *index.Index, logger *zap.Logger, m *metrics.Metrics) *RecoveryService {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &RecoveryService{
		config:  cfg,
		manager: manager,
		index:   idx,
		logger:  logger.With(zap.String("component", "recovery")),
		metrics: m,
	}
}

// Recover discovers every segment and replays it into the index.
//
// Data segments are replayed first, then tombstone segments. Within each
// phase segments are replayed concurrently: a put only replaces an entry
// with a lower sequence number and a tombstone only removes an entry with a
// lower sequence number, so the outcome does not depend on replay order.
func (r *RecoveryService) Recover(ctx context.Context, previous *meta.Meta) (*RecoveryResult, error) {
	start := time.Now()
	result := &RecoveryResult{CleanShutdown: previous == nil || !previous.Open}
	r.tails = !result.CleanShutdown
	if r.tails {
		r.tailsFrom = previous.SessionSegmentID
		r.logger.Warn("Store was not closed cleanly, replaying all segments",
			zap.Uint32("session_segment_id", r.tailsFrom))
	}

	segments, err := r.manager.Discover()
	if err != nil {
		return nil, errors.RecoveryFailed("failed to discover segments", err)
	}

	var data, tombstones []*segment.Segment
	for _, seg := range segments {
		if seg.Kind() == model.SegmentKindData {
			data = append(data, seg)
		} else {
			tombstones = append(tombstones, seg)
		}
	}
	r.metrics.SegmentsTotal.WithLabelValues(model.SegmentKindData.String()).Add(float64(len(data)))
	r.metrics.SegmentsTotal.WithLabelValues(model.SegmentKindTombstone.String()).Add(float64(len(tombstones)))

	dataScans, err := r.scanAll(ctx, data, r.applyPut)
	if err != nil {
		return nil, err
	}
	tombstoneScans, err := r.scanAll(ctx, tombstones, r.applyTombstone)
	if err != nil {
		return nil, err
	}

	var maxSeq uint64
	seen := false
	for i, scan := range append(dataScans, tombstoneScans...) {
		result.RecordsScanned += scan.records
		if scan.tornTail {
			result.TornTails++
		}
		if scan.records > 0 {
			seen = true
			if scan.maxSeq > maxSeq {
				maxSeq = scan.maxSeq
			}
		}
		if i >= len(dataScans) {
			result.TombstonesFound += scan.records
		}
	}

	r.recomputeStale(segments)

	// segments left empty by a crash right after creation carry nothing
	for _, seg := range segments {
		if seg.Size() > 0 {
			if seg.Kind() == model.SegmentKindData {
				result.DataSegments++
			} else {
				result.TombstoneSegments = append(result.TombstoneSegments, seg.ID())
			}
			continue
		}
		if err := r.manager.Delete(seg.ID()); err != nil {
			return nil, errors.RecoveryFailed("failed to remove empty segment", err)
		}
	}

	if seen {
		result.NextSequence = maxSeq + 1
	}
	if previous != nil {
		if previous.Sequence > result.NextSequence {
			result.NextSequence = previous.Sequence
		}
		r.manager.EnsureNextID(previous.NextSegmentID)
	}

	duration := time.Since(start)
	r.metrics.RecordRecovery(duration.Seconds(), result.RecordsScanned, result.TornTails)
	r.logger.Info("Recovery completed",
		zap.Int("data_segments", result.DataSegments),
		zap.Int("tombstone_segments", len(result.TombstoneSegments)),
		zap.Int64("records_scanned", result.RecordsScanned),
		zap.Int64("tombstones_found", result.TombstonesFound),
		zap.Int("torn_tails", result.TornTails),
		zap.Int("keys", r.index.Len()),
		zap.Uint64("next_sequence", result.NextSequence),
		zap.Duration("duration", duration))

	return result, nil
}

func (r *RecoveryService) scanAll(ctx context.Context, segments []*segment.Segment, apply applyFunc) ([]segmentScan, error) {
	scans := make([]segmentScan, len(segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Parallelism)
	for i, seg := range segments {
		i, seg := i, seg
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			scan, err := r.scanSegment(seg, apply)
			scans[i] = scan
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scans, nil
}

// scanSegment replays one segment. A torn final record in a segment the
// crashed process was writing is cut off; any other invalid record fails
// recovery. A sealed segment was fsynced in full, so an incomplete record
// there is corruption, whatever its header claims.
func (r *RecoveryService) scanSegment(seg *segment.Segment, apply applyFunc) (segmentScan, error) {
	var scan segmentScan
	want := model.RecordTypePut
	if seg.Kind() == model.SegmentKindTombstone {
		want = model.RecordTypeDelete
	}

	size := seg.Size()
	scanner := record.NewScanner(seg.ReaderAt(), size)
	for scanner.Next() {
		rec := scanner.Record()
		if rec.Type != want {
			return scan, errors.RecoveryFailed(
				fmt.Sprintf("%s record in %s segment %d at offset %d", rec.Type, seg.Kind(), seg.ID(), scanner.Offset()), nil)
		}

		apply(seg, rec, scanner.Offset(), len(scanner.Raw()))
		scan.records++
		if rec.Sequence > scan.maxSeq {
			scan.maxSeq = rec.Sequence
		}
	}

	err := scanner.Err()
	if err == nil {
		return scan, nil
	}

	var scanErr *record.ScanError
	torn := stderrors.As(err, &scanErr) && scanErr.IsTail(size)
	if !torn || !r.mayBeTorn(seg) {
		r.logger.Error("Corrupt record inside segment",
			zap.Uint32("segment_id", seg.ID()),
			zap.String("kind", seg.Kind().String()),
			zap.Bool("incomplete", torn),
			zap.Error(err))
		return scan, errors.RecoveryFailed("segment is corrupt",
			errors.CorruptRecord(seg.ID(), scanner.ValidSize(), err))
	}

	r.logger.Warn("Truncating torn tail",
		zap.Uint32("segment_id", seg.ID()),
		zap.String("kind", seg.Kind().String()),
		zap.Int64("valid_size", scanner.ValidSize()),
		zap.Int64("file_size", size),
		zap.Error(err))
	if err := seg.Truncate(scanner.ValidSize()); err != nil {
		return scan, errors.RecoveryFailed("failed to truncate torn tail", err)
	}
	scan.tornTail = true
	return scan, nil
}

// mayBeTorn reports whether seg could have been open for appends when the
// previous process stopped
func (r *RecoveryService) mayBeTorn(seg *segment.Segment) bool {
	return r.tails && seg.ID() >= r.tailsFrom
}

func (r *RecoveryService) applyPut(seg *segment.Segment, rec *record.Record, offset int64, size int) {
	seg.Track(rec.Key, rec.Sequence)
	r.index.PutIfNewer(rec.Key, model.IndexEntry{
		SegmentID:  seg.ID(),
		Offset:     offset,
		RecordSize: uint32(size),
		ValueSize:  uint32(len(rec.Value)),
		Sequence:   rec.Sequence,
	})
}

func (r *RecoveryService) applyTombstone(seg *segment.Segment, rec *record.Record, offset int64, size int) {
	seg.Track(rec.Key, rec.Sequence)
	r.index.RemoveIfOlder(rec.Key, rec.Sequence)
}

// recomputeStale sets every segment's stale counter to the bytes the
// rebuilt index does not reach
func (r *RecoveryService) recomputeStale(segments []*segment.Segment) {
	live := make(map[uint32]int64)
	r.index.Range(func(_ []byte, e model.IndexEntry) bool {
		live[e.SegmentID] += int64(e.RecordSize)
		return true
	})

	for _, seg := range segments {
		seg.SetStale(seg.Size() - live[seg.ID()])
	}
}
