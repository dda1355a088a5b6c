// Package index holds the in-memory map from every live key to the location
// of its current record.
package index

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/logstore/internal/model"
)

// DefaultShardCount is used when NewIndex is given a non-positive count
const DefaultShardCount = 64

type shard struct {
	mu      sync.RWMutex
	entries map[string]model.IndexEntry
}

// Index is a concurrent hash index sharded by key hash. Each operation
// locks exactly one shard.
type Index struct {
	shards []*shard
	mask   uint64
}

// NewIndex creates an index with shardCount shards, rounded up to a power of two
func NewIndex(shardCount int) *Index {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	n := 1
	for n < shardCount {
		n <<= 1
	}

	idx := &Index{
		shards: make([]*shard, n),
		mask:   uint64(n - 1),
	}
	for i := range idx.shards {
		idx.shards[i] = &shard{entries: make(map[string]model.IndexEntry)}
	}
	return idx
}

func (idx *Index) shardFor(key []byte) *shard {
	return idx.shards[xxhash.Sum64(key)&idx.mask]
}

// Get returns the entry for key
func (idx *Index) Get(key []byte) (model.IndexEntry, bool) {
	s := idx.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[string(key)]
	s.mu.RUnlock()
	return e, ok
}

// Put stores entry for key and returns the entry it replaced
func (idx *Index) Put(key []byte, entry model.IndexEntry) (model.IndexEntry, bool) {
	s := idx.shardFor(key)
	s.mu.Lock()
	prev, ok := s.entries[string(key)]
	s.entries[string(key)] = entry
	s.mu.Unlock()
	return prev, ok
}

// Remove deletes key and returns the entry it held
func (idx *Index) Remove(key []byte) (model.IndexEntry, bool) {
	s := idx.shardFor(key)
	s.mu.Lock()
	prev, ok := s.entries[string(key)]
	if ok {
		delete(s.entries, string(key))
	}
	s.mu.Unlock()
	return prev, ok
}

// CompareAndSwap replaces the entry for key with next only if it still
// points at the same record as expected
func (idx *Index) CompareAndSwap(key []byte, expected, next model.IndexEntry) bool {
	s := idx.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[string(key)]
	if !ok || !cur.SameLocation(expected) {
		return false
	}
	s.entries[string(key)] = next
	return true
}

// PutIfNewer stores entry unless the key already maps to a newer record. A
// record is newer when its sequence number is higher; the same sequence in a
// higher segment id is a compacted copy and wins over its source. It returns
// the displaced entry, if any, and whether entry was stored.
func (idx *Index) PutIfNewer(key []byte, entry model.IndexEntry) (prev model.IndexEntry, hadPrev bool, stored bool) {
	s := idx.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, hadPrev = s.entries[string(key)]
	if hadPrev && !newer(entry, prev) {
		return prev, hadPrev, false
	}
	s.entries[string(key)] = entry
	return prev, hadPrev, true
}

func newer(e, than model.IndexEntry) bool {
	if e.Sequence != than.Sequence {
		return e.Sequence > than.Sequence
	}
	return e.SegmentID > than.SegmentID
}

// RemoveIfOlder deletes key when its entry's sequence is below seq and
// returns the removed entry
func (idx *Index) RemoveIfOlder(key []byte, seq uint64) (model.IndexEntry, bool) {
	s := idx.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[string(key)]
	if !ok || cur.Sequence >= seq {
		return model.IndexEntry{}, false
	}
	delete(s.entries, string(key))
	return cur, true
}

// Len returns the number of keys
func (idx *Index) Len() int {
	n := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// ShardCount returns the number of shards
func (idx *Index) ShardCount() int {
	return len(idx.shards)
}

// Keys returns a snapshot of the keys held by one shard
func (idx *Index) Keys(shard int) [][]byte {
	s := idx.shards[shard]
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([][]byte, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, []byte(k))
	}
	return keys
}

// Range calls fn for every entry until fn returns false. Each shard is
// read-locked while it is visited, so fn must not modify the index.
func (idx *Index) Range(fn func(key []byte, entry model.IndexEntry) bool) {
	for _, s := range idx.shards {
		s.mu.RLock()
		for k, e := range s.entries {
			if !fn([]byte(k), e) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}
