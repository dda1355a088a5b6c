package model

import "time"

// SegmentKind distinguishes value segments from tombstone segments
type SegmentKind uint8

const (
	SegmentKindData      SegmentKind = 1
	SegmentKindTombstone SegmentKind = 2
)

// String returns the kind name, also used as the file extension
func (k SegmentKind) String() string {
	switch k {
	case SegmentKindData:
		return "data"
	case SegmentKindTombstone:
		return "tombstone"
	default:
		return "unknown"
	}
}

// SegmentInfo is a point-in-time view of a segment's bookkeeping
type SegmentInfo struct {
	ID         uint32
	Kind       SegmentKind
	Size       int64
	StaleBytes int64
	Sealed     bool
}

// StaleRatio returns the fraction of the segment that is no longer reachable
func (s SegmentInfo) StaleRatio() float64 {
	if s.Size == 0 {
		return 0
	}
	return float64(s.StaleBytes) / float64(s.Size)
}

// CompactionJobType identifies what a compaction job does to its segment
type CompactionJobType string

const (
	CompactionJobRelocate         CompactionJobType = "relocate"
	CompactionJobTombstoneCleanup CompactionJobType = "tombstone_cleanup"
)

// CompactionJob represents a compaction task for a single sealed segment
type CompactionJob struct {
	JobID     string
	Type      CompactionJobType
	SegmentID uint32
	StartedAt time.Time
	Status    CompactionStatus
}

// CompactionStatus indicates the state of a compaction job
type CompactionStatus string

const (
	CompactionStatusPending   CompactionStatus = "pending"
	CompactionStatusRunning   CompactionStatus = "running"
	CompactionStatusCompleted CompactionStatus = "completed"
	CompactionStatusFailed    CompactionStatus = "failed"
)
