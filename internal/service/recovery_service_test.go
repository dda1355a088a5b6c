package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/logstore/internal/errors"
	"github.com/devrev/pairdb/logstore/internal/metrics"
	"github.com/devrev/pairdb/logstore/internal/model"
	"github.com/devrev/pairdb/logstore/internal/record"
	"github.com/devrev/pairdb/logstore/internal/storage/index"
	"github.com/devrev/pairdb/logstore/internal/storage/meta"
	"github.com/devrev/pairdb/logstore/internal/storage/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func snapshotIndex(idx *index.Index) map[string]model.IndexEntry {
	out := make(map[string]model.IndexEntry)
	idx.Range(func(key []byte, e model.IndexEntry) bool {
		out[string(key)] = e
		return true
	})
	return out
}

func appendToFile(t *testing.T, path string, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func encodeRecord(t *testing.T, key, value string, seq uint64, typ model.RecordType) []byte {
	t.Helper()
	raw, err := record.Encode(&record.Record{Key: []byte(key), Value: []byte(value), Sequence: seq, Type: typ})
	require.NoError(t, err)
	return raw
}

// populate writes a mix of puts, overwrites and deletes spread over several
// segments and closes the store
func populate(t *testing.T, cfg *StorageConfig) {
	t.Helper()
	s := openTestStore(t, cfg)
	for i := 0; i < 60; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%02d", i%25)), []byte(fmt.Sprintf("value-%d", i))))
		if i%7 == 0 {
			require.NoError(t, s.Delete([]byte(fmt.Sprintf("key-%02d", (i+3)%25))))
		}
	}
	require.NoError(t, s.Close())
}

func newRecovery(t *testing.T, dir string) (*RecoveryService, *segment.Manager, *index.Index) {
	t.Helper()
	mgr, err := segment.NewManager(&segment.ManagerConfig{Dir: dir, BloomElements: 1024}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	idx := index.NewIndex(0)
	return NewRecoveryService(&RecoveryConfig{Parallelism: 4}, mgr, idx, zap.NewNop(), metrics.NewMetrics(nil)), mgr, idx
}

func TestRecovery_Idempotent(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxSegmentSize = 256
	cfg.Compaction.Threshold = 1.0
	populate(t, cfg)

	r, mgr, idx := newRecovery(t, cfg.Dir)
	result, err := r.Recover(context.Background(), nil)
	require.NoError(t, err)
	assert.Greater(t, result.RecordsScanned, int64(0))
	assert.Greater(t, result.TombstonesFound, int64(0))
	first := snapshotIndex(idx)
	require.NotEmpty(t, first)

	// replaying the same segments into the populated index changes nothing
	ctx := context.Background()
	_, err = r.scanAll(ctx, mgr.Segments(model.SegmentKindData), r.applyPut)
	require.NoError(t, err)
	_, err = r.scanAll(ctx, mgr.Segments(model.SegmentKindTombstone), r.applyTombstone)
	require.NoError(t, err)
	assert.Equal(t, first, snapshotIndex(idx))

	// nor does a second, independent recovery of the same directory
	r2, _, idx2 := newRecovery(t, cfg.Dir)
	result2, err := r2.Recover(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, first, snapshotIndex(idx2))
	assert.Equal(t, result.NextSequence, result2.NextSequence)
}

func TestRecovery_ReplayOrderIndependent(t *testing.T) {
	dir := t.TempDir()

	// the older record sits in the higher segment id, as after a relocation
	seg1 := filepath.Join(dir, segment.FileName(1, model.SegmentKindData))
	seg2 := filepath.Join(dir, segment.FileName(2, model.SegmentKindData))
	tomb := filepath.Join(dir, segment.FileName(3, model.SegmentKindTombstone))
	require.NoError(t, os.WriteFile(seg1, append(encodeRecord(t, "k", "new", 5, model.RecordTypePut),
		encodeRecord(t, "gone", "x", 2, model.RecordTypePut)...), 0644))
	require.NoError(t, os.WriteFile(seg2, append(encodeRecord(t, "k", "old", 1, model.RecordTypePut),
		encodeRecord(t, "back", "y", 9, model.RecordTypePut)...), 0644))
	// a tombstone older than the surviving put must not remove it
	require.NoError(t, os.WriteFile(tomb, append(encodeRecord(t, "gone", "", 3, model.RecordTypeDelete),
		encodeRecord(t, "back", "", 7, model.RecordTypeDelete)...), 0644))

	r, _, idx := newRecovery(t, dir)
	result, err := r.Recover(context.Background(), nil)
	require.NoError(t, err)

	entry, ok := idx.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, uint64(5), entry.Sequence)
	assert.Equal(t, uint32(1), entry.SegmentID)

	_, ok = idx.Get([]byte("gone"))
	assert.False(t, ok)
	_, ok = idx.Get([]byte("back"))
	assert.True(t, ok)

	assert.Equal(t, uint64(10), result.NextSequence)
	assert.Equal(t, []uint32{3}, result.TombstoneSegments)
}

// crashCopy copies a store directory while its store is still open, leaving
// what a crash at this point would leave on disk
func crashCopy(t *testing.T, dir string) string {
	t.Helper()
	crashed := t.TempDir()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(crashed, e.Name()), data, 0644))
	}
	return crashed
}

// corruptValueLength flips the high bit of the first record's value length,
// so the record claims to run far past the end of the file
func corruptValueLength(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[record.HeaderSize-1] ^= 0x80
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func TestRecovery_TornTail(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.SyncWrites = true
	s := openTestStore(t, cfg)
	defer s.Close()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put([]byte(k), []byte("value-"+k)))
	}
	active := s.data.Current()

	crashed := crashCopy(t, cfg.Dir)
	path := filepath.Join(crashed, segment.FileName(active, model.SegmentKindData))
	before := fileSize(t, path)

	torn := encodeRecord(t, "d", "value-d", 100, model.RecordTypePut)
	appendToFile(t, path, torn[:len(torn)-3])

	s2 := openTestStore(t, testConfig(crashed))
	defer s2.Close()

	for _, k := range []string{"a", "b", "c"} {
		got, err := s2.Get([]byte(k))
		require.NoError(t, err)
		assert.Equal(t, "value-"+k, string(got))
	}
	_, err := s2.Get([]byte("d"))
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	assert.Equal(t, before, fileSize(t, path), "torn tail should be truncated")
	assertAccounting(t, s2)
}

func TestRecovery_TornTailAfterCleanShutdown(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s := openTestStore(t, cfg)
	require.NoError(t, s.Put([]byte("a"), []byte("value-a")))
	active := s.data.Current()
	require.NoError(t, s.Close())

	// a cleanly closed store has no partial writes, so this is damage
	path := filepath.Join(cfg.Dir, segment.FileName(active, model.SegmentKindData))
	torn := encodeRecord(t, "b", "value-b", 100, model.RecordTypePut)
	appendToFile(t, path, torn[:len(torn)-3])
	size := fileSize(t, path)

	_, err := NewStorageService(cfg, zap.NewNop(), metrics.NewMetrics(nil))
	assert.ErrorIs(t, err, errors.ErrRecoveryFailed)
	assert.ErrorIs(t, err, errors.ErrCorruptRecord)
	assert.Equal(t, size, fileSize(t, path), "a failed recovery must not truncate")
}

func TestRecovery_CorruptLengthIsNotATornTail(t *testing.T) {
	putAll := func(t *testing.T, s *StorageService, keys ...string) {
		for _, k := range keys {
			require.NoError(t, s.Put([]byte(k), []byte("value-"+k)))
		}
	}

	t.Run("after clean shutdown", func(t *testing.T) {
		cfg := testConfig(t.TempDir())
		s := openTestStore(t, cfg)
		putAll(t, s, "a", "b", "c")
		active := s.data.Current()
		require.NoError(t, s.Close())

		path := filepath.Join(cfg.Dir, segment.FileName(active, model.SegmentKindData))
		corruptValueLength(t, path)
		size := fileSize(t, path)

		_, err := NewStorageService(cfg, zap.NewNop(), metrics.NewMetrics(nil))
		assert.ErrorIs(t, err, errors.ErrRecoveryFailed)
		assert.ErrorIs(t, err, errors.ErrCorruptRecord)
		assert.Equal(t, size, fileSize(t, path))
	})

	t.Run("in a segment sealed before the crash", func(t *testing.T) {
		cfg := testConfig(t.TempDir())
		cfg.SyncWrites = true
		s := openTestStore(t, cfg)
		putAll(t, s, "a", "b", "c")
		sealed := s.data.Current()
		s = reopen(t, s)
		defer s.Close()
		putAll(t, s, "d")

		crashed := crashCopy(t, cfg.Dir)
		path := filepath.Join(crashed, segment.FileName(sealed, model.SegmentKindData))
		corruptValueLength(t, path)
		size := fileSize(t, path)

		_, err := NewStorageService(testConfig(crashed), zap.NewNop(), metrics.NewMetrics(nil))
		assert.ErrorIs(t, err, errors.ErrRecoveryFailed)
		assert.ErrorIs(t, err, errors.ErrCorruptRecord)
		assert.Equal(t, size, fileSize(t, path))
	})
}

func TestRecovery_MidSegmentCorruption(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s := openTestStore(t, cfg)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put([]byte(k), []byte("value-"+k)))
	}
	active := s.data.Current()
	require.NoError(t, s.Close())

	path := filepath.Join(cfg.Dir, segment.FileName(active, model.SegmentKindData))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[record.HeaderSize+1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = NewStorageService(cfg, zap.NewNop(), metrics.NewMetrics(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRecoveryFailed)
	assert.ErrorIs(t, err, errors.ErrCorruptRecord)

	// the failed open must release the directory
	_, err = NewStorageService(cfg, zap.NewNop(), metrics.NewMetrics(nil))
	assert.ErrorIs(t, err, errors.ErrRecoveryFailed)
}

func TestRecovery_RecordOfWrongKind(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s := openTestStore(t, cfg)
	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	active := s.data.Current()
	require.NoError(t, s.Close())

	path := filepath.Join(cfg.Dir, segment.FileName(active, model.SegmentKindData))
	appendToFile(t, path, encodeRecord(t, "a", "", 50, model.RecordTypeDelete))

	_, err := NewStorageService(cfg, zap.NewNop(), metrics.NewMetrics(nil))
	assert.ErrorIs(t, err, errors.ErrRecoveryFailed)
}

func TestRecovery_UncleanShutdown(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.SyncWrites = true
	s := openTestStore(t, cfg)
	defer s.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, s.Delete([]byte("k3")))

	s2 := openTestStore(t, testConfig(crashCopy(t, cfg.Dir)))
	defer s2.Close()

	assert.Equal(t, int64(9), s2.Size())
	_, err := s2.Get([]byte("k3"))
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	got, err := s2.Get([]byte("k9"))
	require.NoError(t, err)
	assert.Equal(t, "v9", string(got))

	// sequence numbers are never reused
	assert.GreaterOrEqual(t, s2.sequence.Load(), s.sequence.Load())
	require.NoError(t, s2.Put([]byte("k0"), []byte("after")))
	entry, ok := s2.index.Get([]byte("k0"))
	require.True(t, ok)
	assert.GreaterOrEqual(t, entry.Sequence, s.sequence.Load())
	assert.Greater(t, s2.data.Current(), s.data.Current(),
		"the recovered store must not append to a segment a crashed writer had open")
}

func TestRecovery_RemovesEmptySegments(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s := openTestStore(t, cfg)
	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Close())

	empty := filepath.Join(cfg.Dir, segment.FileName(9, model.SegmentKindData))
	require.NoError(t, os.WriteFile(empty, nil, 0644))

	s = openTestStore(t, cfg)
	defer s.Close()

	assert.NotContains(t, s.ListSegmentIDs(), uint32(9))
	_, err := os.Stat(empty)
	assert.True(t, os.IsNotExist(err))
	assert.Greater(t, s.data.Current(), uint32(9), "segment ids are never reused")
}

func TestRecovery_SequenceContinuesAfterReopen(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s := openTestStore(t, cfg)
	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))
	last, ok := s.index.Get([]byte("b"))
	require.True(t, ok)

	s = reopen(t, s)
	defer s.Close()

	require.NoError(t, s.Put([]byte("c"), []byte("3")))
	entry, ok := s.index.Get([]byte("c"))
	require.True(t, ok)
	assert.Greater(t, entry.Sequence, last.Sequence)
}

func TestRecovery_SequenceSurvivesReclaimedSegments(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxSegmentSize = 128
	cfg.Compaction.Threshold = 1.0
	cfg.SyncWrites = true
	s := openTestStore(t, cfg)
	defer s.Close()

	first := s.data.Current()
	var last model.IndexEntry
	for i := 0; s.data.Current() == first; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		require.NoError(t, s.Put(key, []byte("v")))
		var ok bool
		last, ok = s.index.Get(key)
		require.True(t, ok)
	}

	// the roll persisted the high-water marks
	m, err := meta.Read(cfg.Dir)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.Open)
	assert.Equal(t, last.Sequence+1, m.Sequence)
	assert.Equal(t, s.data.Current()+1, m.NextSegmentID)
	assert.Equal(t, first, m.SessionSegmentID)

	// lose every segment, as if compaction had reclaimed them all
	crashed := crashCopy(t, cfg.Dir)
	for _, id := range s.ListSegmentIDs() {
		require.NoError(t, os.Remove(filepath.Join(crashed, segment.FileName(id, model.SegmentKindData))))
	}

	s2 := openTestStore(t, testConfig(crashed))
	defer s2.Close()
	assert.Equal(t, int64(0), s2.Size())
	assert.Greater(t, s2.sequence.Load(), last.Sequence)
	assert.Greater(t, s2.data.Current(), s.data.Current())
}
