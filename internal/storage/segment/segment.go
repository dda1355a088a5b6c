package segment

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/devrev/pairdb/logstore/internal/model"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Segment is a single append-only file. Bytes below Size() never change.
//
// A segment is reference counted: the Manager holds one reference for as long
// as the segment is registered, and every reader holds one while it uses the
// file. The file is closed, and unlinked if the segment was deleted, when the
// last reference is released.
type Segment struct {
	id     uint32
	kind   model.SegmentKind
	path   string
	file   *os.File
	logger *zap.Logger

	writeMu  sync.Mutex // serializes write, sync and seal
	unsynced int64

	size       atomic.Int64
	staleBytes atomic.Int64
	sealed     atomic.Bool
	minSeq     atomic.Uint64
	bloom      *BloomFilter

	refs    atomic.Int32
	removed atomic.Bool
}

// FileName returns the file name used for a segment id and kind
func FileName(id uint32, kind model.SegmentKind) string {
	return fmt.Sprintf("%010d.%s", id, kind)
}

// openSegment opens or creates the segment file and takes the manager's reference
func openSegment(dir string, id uint32, kind model.SegmentKind, create bool, bloomElements int, logger *zap.Logger) (*Segment, error) {
	path := filepath.Join(dir, FileName(id, kind))

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file %s: %w", path, err)
	}

	s := &Segment{
		id:     id,
		kind:   kind,
		path:   path,
		file:   file,
		logger: logger,
	}
	s.size.Store(info.Size())
	s.minSeq.Store(math.MaxUint64)
	s.refs.Store(1)
	if kind == model.SegmentKindData {
		s.bloom = NewBloomFilter(bloomElements, 0.01)
	}
	return s, nil
}

// ID returns the segment id
func (s *Segment) ID() uint32 {
	return s.id
}

// Kind returns whether the segment holds values or tombstones
func (s *Segment) Kind() model.SegmentKind {
	return s.kind
}

// Path returns the segment file path
func (s *Segment) Path() string {
	return s.path
}

// Size returns the number of committed bytes
func (s *Segment) Size() int64 {
	return s.size.Load()
}

// StaleBytes returns the number of bytes no longer reachable through the index
func (s *Segment) StaleBytes() int64 {
	return s.staleBytes.Load()
}

// AddStale credits n bytes as stale and returns the new total
func (s *Segment) AddStale(n int64) int64 {
	return s.staleBytes.Add(n)
}

// SetStale overwrites the stale counter; used after recovery
func (s *Segment) SetStale(n int64) {
	s.staleBytes.Store(n)
}

// IsSealed reports whether the segment no longer receives appends
func (s *Segment) IsSealed() bool {
	return s.sealed.Load()
}

// MinSequence returns the lowest sequence number stored in the segment,
// math.MaxUint64 when empty
func (s *Segment) MinSequence() uint64 {
	return s.minSeq.Load()
}

// MayContain reports whether the segment may hold a record for key.
// Tombstone segments always answer true.
func (s *Segment) MayContain(key []byte) bool {
	if s.bloom == nil {
		return true
	}
	return s.bloom.MayContain(key)
}

// Track records that a record for key with sequence seq lives in the segment
func (s *Segment) Track(key []byte, seq uint64) {
	if s.bloom != nil {
		s.bloom.Add(key)
	}
	for {
		cur := s.minSeq.Load()
		if seq >= cur || s.minSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Info returns a snapshot of the segment's bookkeeping
func (s *Segment) Info() model.SegmentInfo {
	return model.SegmentInfo{
		ID:         s.id,
		Kind:       s.kind,
		Size:       s.Size(),
		StaleBytes: s.StaleBytes(),
		Sealed:     s.IsSealed(),
	}
}

// ReadAt reads len(p) bytes at off. Only committed bytes can be read.
func (s *Segment) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > s.Size() {
		return 0, fmt.Errorf("read of %d bytes at offset %d beyond segment %d size %d", len(p), off, s.id, s.Size())
	}
	return s.file.ReadAt(p, off)
}

// ReaderAt exposes the committed prefix of the file for sequential scans
func (s *Segment) ReaderAt() *os.File {
	return s.file
}

// write appends raw at the end of the segment. On failure the segment is
// rolled back to its previous size so the partial bytes are never replayed.
func (s *Segment) write(raw []byte) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.sealed.Load() {
		return 0, fmt.Errorf("append to sealed segment %d", s.id)
	}

	off := s.size.Load()
	if _, err := s.file.WriteAt(raw, off); err != nil {
		err = fmt.Errorf("failed to write segment %d: %w", s.id, err)
		if terr := s.file.Truncate(off); terr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to roll back segment %d to %d bytes: %w", s.id, off, terr))
		}
		return 0, err
	}
	s.size.Store(off + int64(len(raw)))
	s.unsynced += int64(len(raw))
	return off, nil
}

// pendingSync returns the number of bytes written since the last fsync
func (s *Segment) pendingSync() int64 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.unsynced
}

// Sync flushes written bytes to stable storage
func (s *Segment) Sync() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.syncLocked()
}

func (s *Segment) syncLocked() error {
	if s.unsynced == 0 {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %d: %w", s.id, err)
	}
	s.unsynced = 0
	return nil
}

// Seal flushes the segment and marks it read-only
func (s *Segment) Seal() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.syncLocked(); err != nil {
		return err
	}
	s.sealed.Store(true)
	return nil
}

// markSealed flags a recovered segment as read-only without syncing
func (s *Segment) markSealed() {
	s.sealed.Store(true)
}

// Truncate cuts the file at size; used by recovery to drop a torn tail
func (s *Segment) Truncate(size int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate segment %d: %w", s.id, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %d: %w", s.id, err)
	}
	s.size.Store(size)
	return nil
}

// acquire takes a reference unless the segment has already been released
func (s *Segment) acquire() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Release drops a reference. The last release closes the file and, for a
// deleted segment, removes it from disk.
func (s *Segment) Release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	if err := s.file.Close(); err != nil {
		s.logger.Warn("Failed to close segment file",
			zap.Uint32("segment_id", s.id),
			zap.Error(err))
	}
	if !s.removed.Load() {
		return
	}
	if err := os.Remove(s.path); err != nil {
		s.logger.Error("Failed to remove deleted segment file",
			zap.Uint32("segment_id", s.id),
			zap.String("path", s.path),
			zap.Error(err))
	}
}
