package record

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ScanError describes where and why a sequential scan stopped
type ScanError struct {
	Offset int64 // start of the record that failed
	End    int64 // end of the failed record as declared by its header, -1 if unknown
	Err    error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("record at offset %d: %v", e.Offset, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// IsTail reports whether the failure can only be a torn final write: either
// the data ends before the record does, or the failed record is the last one
// in the scanned range.
func (e *ScanError) IsTail(size int64) bool {
	if errors.Is(e.Err, ErrTruncatedRecord) {
		return true
	}
	return e.End >= size
}

// Scanner reads records sequentially from the first size bytes of r
type Scanner struct {
	r      *bufio.Reader
	size   int64
	offset int64

	raw    []byte
	rec    *Record
	recOff int64
	err    error
}

// NewScanner creates a scanner over the byte range [0, size) of r
func NewScanner(r io.ReaderAt, size int64) *Scanner {
	return &Scanner{
		r:    bufio.NewReaderSize(io.NewSectionReader(r, 0, size), 64*1024),
		size: size,
	}
}

// Next advances to the next record. It returns false at the end of the
// range or on the first invalid record; Err distinguishes the two.
func (s *Scanner) Next() bool {
	if s.err != nil || s.offset >= s.size {
		return false
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(s.r, header[:]); err != nil {
		s.fail(-1, ErrTruncatedRecord)
		return false
	}
	h, _ := DecodeHeader(header[:])
	end := s.offset + h.RecordSize()
	if end > s.size {
		s.fail(end, ErrTruncatedRecord)
		return false
	}

	raw := make([]byte, h.RecordSize())
	copy(raw, header[:])
	if _, err := io.ReadFull(s.r, raw[HeaderSize:]); err != nil {
		s.fail(end, ErrTruncatedRecord)
		return false
	}

	rec, n, err := Decode(raw)
	if err != nil {
		s.fail(end, err)
		return false
	}

	s.raw = raw
	s.rec = rec
	s.recOff = s.offset
	s.offset += int64(n)
	return true
}

func (s *Scanner) fail(end int64, err error) {
	s.err = &ScanError{Offset: s.offset, End: end, Err: err}
	s.raw = nil
	s.rec = nil
}

// Record returns the current record
func (s *Scanner) Record() *Record {
	return s.rec
}

// Raw returns the encoded bytes of the current record
func (s *Scanner) Raw() []byte {
	return s.raw
}

// Offset returns the offset of the current record
func (s *Scanner) Offset() int64 {
	return s.recOff
}

// ValidSize returns the number of bytes consumed by valid records so far
func (s *Scanner) ValidSize() int64 {
	return s.offset
}

// Err returns the scan failure, or nil when the range ended cleanly
func (s *Scanner) Err() error {
	if s.err == nil {
		return nil
	}
	return s.err
}
