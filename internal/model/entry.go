package model

// RecordType tags a log record as a write or a delete marker
type RecordType uint8

const (
	RecordTypePut    RecordType = 1
	RecordTypeDelete RecordType = 2
)

// String returns the lowercase name of the record type
func (t RecordType) String() string {
	switch t {
	case RecordTypePut:
		return "put"
	case RecordTypeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known record type
func (t RecordType) Valid() bool {
	return t == RecordTypePut || t == RecordTypeDelete
}

// Location addresses a record inside a segment
type Location struct {
	SegmentID uint32
	Offset    int64
}

// IndexEntry points at the current record of a key
type IndexEntry struct {
	SegmentID  uint32
	Offset     int64
	RecordSize uint32 // on-disk length including header and key
	ValueSize  uint32
	Sequence   uint64
}

// Location returns where the record referenced by the entry lives
func (e IndexEntry) Location() Location {
	return Location{SegmentID: e.SegmentID, Offset: e.Offset}
}

// SameLocation reports whether both entries reference the same record
func (e IndexEntry) SameLocation(other IndexEntry) bool {
	return e.SegmentID == other.SegmentID && e.Offset == other.Offset
}
