package service

import (
	"github.com/devrev/pairdb/logstore/internal/errors"
)

// Iterator walks every live key. Keys are snapshotted one index shard at a
// time and each value is resolved through a fresh index lookup, so keys
// deleted after the snapshot are skipped and keys written after it may or
// may not be seen. No key is returned twice.
type Iterator struct {
	store *StorageService
	shard int
	keys  [][]byte
	pos   int

	key   []byte
	value []byte
	err   error
}

// NewIterator creates an iterator positioned before the first key
func (s *StorageService) NewIterator() (*Iterator, error) {
	if s.closed.Load() {
		return nil, errors.Closed()
	}
	return &Iterator{store: s}, nil
}

// Next advances to the next live key. It returns false when the keys are
// exhausted or an error occurred; Err tells them apart.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.key, it.value = nil, nil

	for {
		if it.store.closed.Load() {
			it.err = errors.Closed()
			return false
		}

		if it.pos >= len(it.keys) {
			if it.shard >= it.store.index.ShardCount() {
				return false
			}
			it.keys = it.store.index.Keys(it.shard)
			it.shard++
			it.pos = 0
			continue
		}

		key := it.keys[it.pos]
		it.pos++

		value, err := it.store.read(key, nil, false)
		if err != nil {
			if errors.GetCode(err) == errors.ErrCodeKeyNotFound {
				continue
			}
			it.err = err
			return false
		}

		it.key = key
		it.value = value
		return true
	}
}

// Key returns the current key
func (it *Iterator) Key() []byte {
	return it.key
}

// Value returns the current value
func (it *Iterator) Value() []byte {
	return it.value
}

// Err returns the error that stopped iteration, if any
func (it *Iterator) Err() error {
	return it.err
}

// Reset rewinds the iterator to before the first key
func (it *Iterator) Reset() {
	it.shard = 0
	it.keys = nil
	it.pos = 0
	it.key, it.value = nil, nil
	it.err = nil
}
