package service

import (
	"sync/atomic"

	"github.com/devrev/pairdb/logstore/internal/model"
)

// Stats is a point-in-time snapshot of store counters and segment state
type Stats struct {
	// Size is the number of live keys
	Size int64

	// Cumulative counters, zeroed by ResetStats
	Puts              int64
	Deletes           int64
	Gets              int64
	SegmentsCreated   int64
	SegmentsDeleted   int64
	BytesReclaimed    int64
	RecordsCopied     int64
	RecordsReplaced   int64
	RecordsScanned    int64
	TombstonesFound   int64
	TombstonesCleaned int64
	CompactionErrors  int64

	// Current segment state
	DataSegments      int
	TombstoneSegments int
	TotalBytes        int64
	StaleBytes        int64
	// StaleDataPercentPerSegment maps each data segment id to the percentage
	// of its bytes that are stale
	StaleDataPercentPerSegment map[uint32]float64

	CompactionComplete bool
	// CompactionJobsQueued is the number of jobs waiting for the compaction worker
	CompactionJobsQueued int
}

// counters holds the cumulative counters behind Stats
type counters struct {
	puts              atomic.Int64
	deletes           atomic.Int64
	gets              atomic.Int64
	segmentsCreated   atomic.Int64
	segmentsDeleted   atomic.Int64
	bytesReclaimed    atomic.Int64
	recordsCopied     atomic.Int64
	recordsReplaced   atomic.Int64
	recordsScanned    atomic.Int64
	tombstonesFound   atomic.Int64
	tombstonesCleaned atomic.Int64
	compactionErrors  atomic.Int64
}

func (c *counters) reset() {
	for _, v := range []*atomic.Int64{
		&c.puts, &c.deletes, &c.gets,
		&c.segmentsCreated, &c.segmentsDeleted, &c.bytesReclaimed,
		&c.recordsCopied, &c.recordsReplaced, &c.recordsScanned,
		&c.tombstonesFound, &c.tombstonesCleaned, &c.compactionErrors,
	} {
		v.Store(0)
	}
}

func (c *counters) fill(s *Stats) {
	s.Puts = c.puts.Load()
	s.Deletes = c.deletes.Load()
	s.Gets = c.gets.Load()
	s.SegmentsCreated = c.segmentsCreated.Load()
	s.SegmentsDeleted = c.segmentsDeleted.Load()
	s.BytesReclaimed = c.bytesReclaimed.Load()
	s.RecordsCopied = c.recordsCopied.Load()
	s.RecordsReplaced = c.recordsReplaced.Load()
	s.RecordsScanned = c.recordsScanned.Load()
	s.TombstonesFound = c.tombstonesFound.Load()
	s.TombstonesCleaned = c.tombstonesCleaned.Load()
	s.CompactionErrors = c.compactionErrors.Load()
}

func fillSegmentStats(s *Stats, infos []model.SegmentInfo) {
	s.StaleDataPercentPerSegment = make(map[uint32]float64)
	for _, info := range infos {
		s.TotalBytes += info.Size
		s.StaleBytes += info.StaleBytes
		switch info.Kind {
		case model.SegmentKindData:
			s.DataSegments++
			s.StaleDataPercentPerSegment[info.ID] = info.StaleRatio() * 100
		case model.SegmentKindTombstone:
			s.TombstoneSegments++
		}
	}
}
