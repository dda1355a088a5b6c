package service

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/devrev/pairdb/logstore/internal/errors"
	"github.com/devrev/pairdb/logstore/internal/metrics"
	"github.com/devrev/pairdb/logstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func testConfig(dir string) *StorageConfig {
	return &StorageConfig{
		Dir:                 dir,
		MaxSegmentSize:      1 << 20,
		MaxKeySize:          1024,
		MaxValueSize:        1 << 20,
		RecoveryParallelism: 4,
		Compaction: CompactionConfig{
			Threshold: 0.5,
			Interval:  10 * time.Millisecond,
		},
	}
}

func openTestStore(t *testing.T, cfg *StorageConfig) *StorageService {
	t.Helper()
	s, err := NewStorageService(cfg, zap.NewNop(), metrics.NewMetrics(nil))
	require.NoError(t, err)
	return s
}

func reopen(t *testing.T, s *StorageService) *StorageService {
	t.Helper()
	require.NoError(t, s.Close())
	return openTestStore(t, s.config)
}

func waitForCompaction(t *testing.T, s *StorageService) {
	t.Helper()
	require.Eventually(t, s.IsCompactionComplete, 10*time.Second, 10*time.Millisecond)
}

// assertAccounting checks that every byte of every segment is either
// reachable through the index or counted as stale
func assertAccounting(t *testing.T, s *StorageService) {
	t.Helper()
	var live int64
	s.index.Range(func(_ []byte, e model.IndexEntry) bool {
		live += int64(e.RecordSize)
		return true
	})
	var total, stale int64
	for _, info := range s.SegmentInfos() {
		total += info.Size
		stale += info.StaleBytes
	}
	assert.Equal(t, total, live+stale, "live %d + stale %d must equal total %d", live, stale, total)
}

func TestStorageService_RoundTrip(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	defer s.Close()

	tests := []struct {
		name  string
		key   []byte
		value []byte
	}{
		{"simple", []byte("user:1"), []byte("alice")},
		{"empty value", []byte("empty"), []byte{}},
		{"binary", []byte{0x00, 0xFF, 0x10}, []byte{0x00, 0x00, 0x01}},
		{"large value", []byte("large"), bytes.Repeat([]byte("x"), 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.Put(tt.key, tt.value))
			got, err := s.Get(tt.key)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.value, got))
			assert.NotNil(t, got)
		})
	}

	assert.Equal(t, int64(len(tests)), s.Size())

	s = reopen(t, s)
	for _, tt := range tests {
		got, err := s.Get(tt.key)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(tt.value, got), tt.name)
	}
}

func TestStorageService_LatestWriteWins(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	defer s.Close()

	require.NoError(t, s.Put([]byte("k"), []byte("v1")))
	require.NoError(t, s.Put([]byte("k"), []byte("v2")))

	got, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
	assert.Equal(t, int64(1), s.Size())
	assertAccounting(t, s)

	s = reopen(t, s)
	got, err = s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestStorageService_Delete(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	defer s.Close()

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))
	require.NoError(t, s.Delete([]byte("a")))

	_, err := s.Get([]byte("a"))
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	assert.Equal(t, int64(1), s.Size())
	assertAccounting(t, s)

	s = reopen(t, s)
	_, err = s.Get([]byte("a"))
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	got, err := s.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))
	assert.Equal(t, int64(1), s.Size())
	assertAccounting(t, s)
}

func TestStorageService_DeleteAbsentKeyWritesNothing(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	defer s.Close()

	before := s.ListSegmentIDs()
	require.NoError(t, s.Delete([]byte("missing")))
	assert.Equal(t, before, s.ListSegmentIDs())
	assert.Equal(t, 0, s.Stats().TombstoneSegments)
	assert.Equal(t, int64(1), s.Stats().Deletes)
}

func TestStorageService_GetInto(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	defer s.Close()

	require.NoError(t, s.Put([]byte("k"), []byte("hello")))

	t.Run("exact buffer", func(t *testing.T) {
		buf := make([]byte, 5)
		n, err := s.GetInto([]byte("k"), buf)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, "hello", string(buf))
	})

	t.Run("larger buffer", func(t *testing.T) {
		buf := bytes.Repeat([]byte{'#'}, 8)
		n, err := s.GetInto([]byte("k"), buf)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, "hello###", string(buf))
	})

	t.Run("buffer too small leaves dst untouched", func(t *testing.T) {
		buf := bytes.Repeat([]byte{0xAA}, 4)
		n, err := s.GetInto([]byte("k"), buf)
		assert.ErrorIs(t, err, errors.ErrBufferTooSmall)
		assert.Equal(t, NotFound, n)
		assert.Equal(t, bytes.Repeat([]byte{0xAA}, 4), buf)
	})

	t.Run("absent key", func(t *testing.T) {
		n, err := s.GetInto([]byte("missing"), make([]byte, 16))
		assert.ErrorIs(t, err, errors.ErrKeyNotFound)
		assert.Equal(t, NotFound, n)
	})

	t.Run("nil buffer", func(t *testing.T) {
		n, err := s.GetInto([]byte("k"), nil)
		assert.ErrorIs(t, err, errors.ErrBufferTooSmall)
		assert.Equal(t, NotFound, n)
	})

	t.Run("nil buffer fits empty value", func(t *testing.T) {
		require.NoError(t, s.Put([]byte("empty"), nil))
		n, err := s.GetInto([]byte("empty"), nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestStorageService_Validation(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxKeySize = 8
	cfg.MaxValueSize = 16
	s := openTestStore(t, cfg)
	defer s.Close()

	tests := []struct {
		name     string
		key      []byte
		value    []byte
		wantCode errors.ErrorCode
	}{
		{"empty key", nil, []byte("v"), errors.ErrCodeInvalidArgument},
		{"key too large", []byte("123456789"), []byte("v"), errors.ErrCodeKeyTooLarge},
		{"value too large", []byte("k"), bytes.Repeat([]byte("v"), 17), errors.ErrCodeValueTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Put(tt.key, tt.value)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.GetCode(err))
		})
	}

	stats := s.Stats()
	assert.Equal(t, int64(0), stats.Puts)
	assert.Equal(t, int64(0), stats.TotalBytes, "rejected writes must not touch disk")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(s.Delete(nil)))
}

func TestStorageService_Closed(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	assert.ErrorIs(t, s.Put([]byte("k"), []byte("v")), errors.ErrClosed)
	assert.ErrorIs(t, s.Delete([]byte("k")), errors.ErrClosed)
	_, err := s.Get([]byte("k"))
	assert.ErrorIs(t, err, errors.ErrClosed)
	_, err = s.GetInto([]byte("k"), make([]byte, 1))
	assert.ErrorIs(t, err, errors.ErrClosed)
	_, err = s.NewIterator()
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestStorageService_DirectoryLocked(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s := openTestStore(t, cfg)

	_, err := NewStorageService(cfg, zap.NewNop(), metrics.NewMetrics(nil))
	assert.ErrorIs(t, err, errors.ErrLocked)

	require.NoError(t, s.Close())
	s2 := openTestStore(t, cfg)
	require.NoError(t, s2.Close())
}

func TestStorageService_SegmentRollover(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxSegmentSize = 1024
	s := openTestStore(t, cfg)
	defer s.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte("v"), 20)))
	}

	stats := s.Stats()
	assert.Greater(t, stats.DataSegments, 1)
	assert.Greater(t, stats.SegmentsCreated, int64(1))
	for _, info := range s.SegmentInfos() {
		assert.LessOrEqual(t, info.Size, int64(1024))
	}
}

func TestStorageService_ReadCache(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.ReadCacheSize = 16
	s := openTestStore(t, cfg)
	defer s.Close()

	require.NoError(t, s.Put([]byte("k"), []byte("value")))

	first, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, 1, s.cache.Len())

	// callers own returned slices; scribbling on one must not leak into the cache
	first[0] = 'X'
	second, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "value", string(second))

	require.NoError(t, s.Put([]byte("k"), []byte("newer")))
	third, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "newer", string(third))
}

func TestStorageService_StatsAndReset(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	defer s.Close()

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))
	_, _ = s.Get([]byte("a"))
	require.NoError(t, s.Delete([]byte("a")))

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Size)
	assert.Equal(t, int64(2), stats.Puts)
	assert.Equal(t, int64(1), stats.Deletes)
	assert.Equal(t, int64(1), stats.Gets)
	assert.Equal(t, 1, stats.DataSegments)
	assert.Equal(t, 1, stats.TombstoneSegments)
	assert.Contains(t, stats.StaleDataPercentPerSegment, s.data.Current())

	s.ResetStats()
	stats = s.Stats()
	assert.Equal(t, int64(0), stats.Puts)
	assert.Equal(t, int64(0), stats.Deletes)
	assert.Equal(t, int64(0), stats.Gets)
	assert.Equal(t, int64(1), stats.Size, "reset does not touch store state")
	assert.Equal(t, 1, stats.DataSegments)
}

func TestStorageService_StaleAccounting(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxSegmentSize = 512
	s := openTestStore(t, cfg)
	defer func() { s.Close() }()

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		key := []byte(fmt.Sprintf("key-%d", rng.Intn(60)))
		if rng.Intn(4) == 0 {
			require.NoError(t, s.Delete(key))
			continue
		}
		require.NoError(t, s.Put(key, bytes.Repeat([]byte{byte(i)}, rng.Intn(40))))
	}

	waitForCompaction(t, s)
	assertAccounting(t, s)
	assert.Greater(t, s.Stats().SegmentsDeleted, int64(0))

	s = reopen(t, s)
	waitForCompaction(t, s)
	assertAccounting(t, s)
}

func TestStorageService_ConcurrentReadersAndWriter(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxSegmentSize = 2048
	cfg.ReadCacheSize = 32
	s := openTestStore(t, cfg)
	defer s.Close()

	const keys = 20
	value := func(k, v int) []byte { return []byte(fmt.Sprintf("key-%d-version-%06d", k, v)) }
	for k := 0; k < keys; k++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%d", k)), value(k, 0)))
	}

	g := new(errgroup.Group)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		for v := 1; v <= 300; v++ {
			for k := 0; k < keys; k++ {
				if err := s.Put([]byte(fmt.Sprintf("key-%d", k)), value(k, v)); err != nil {
					return err
				}
			}
		}
		return nil
	})

	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				default:
				}
				k := rand.Intn(keys)
				got, err := s.Get([]byte(fmt.Sprintf("key-%d", k)))
				if err != nil {
					return err
				}
				if !bytes.HasPrefix(got, []byte(fmt.Sprintf("key-%d-version-", k))) {
					return fmt.Errorf("key-%d returned foreign value %q", k, got)
				}
			}
		})
	}

	require.NoError(t, g.Wait())

	for k := 0; k < keys; k++ {
		got, err := s.Get([]byte(fmt.Sprintf("key-%d", k)))
		require.NoError(t, err)
		assert.Equal(t, value(k, 300), got)
	}
	waitForCompaction(t, s)
	assertAccounting(t, s)
}
