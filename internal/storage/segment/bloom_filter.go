package segment

import (
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a probabilistic set of the keys written to a segment.
// It is rebuilt from the segment contents on open, never persisted.
type BloomFilter struct {
	mu        sync.RWMutex
	bits      []uint64
	size      uint64
	hashCount uint64
}

// NewBloomFilter creates a new bloom filter with expected elements and false positive rate
func NewBloomFilter(expectedElements int, falsePositiveRate float64) *BloomFilter {
	if expectedElements < 1 {
		expectedElements = 1
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	size := uint64(-float64(expectedElements) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if size < 64 {
		size = 64
	}

	// k = (m/n) * ln(2)
	hashCount := uint64(float64(size) / float64(expectedElements) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}

	return &BloomFilter{
		bits:      make([]uint64, (size+63)/64),
		size:      size,
		hashCount: hashCount,
	}
}

// Add inserts a key into the bloom filter
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.hashes(key)

	bf.mu.Lock()
	defer bf.mu.Unlock()
	for i := uint64(0); i < bf.hashCount; i++ {
		pos := (h1 + i*h2) % bf.size
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
}

// MayContain checks if a key might be in the set
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bf.hashes(key)

	bf.mu.RLock()
	defer bf.mu.RUnlock()
	for i := uint64(0); i < bf.hashCount; i++ {
		pos := (h1 + i*h2) % bf.size
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// hashes derives the two base hashes for double hashing: h(i) = h1 + i*h2
func (bf *BloomFilter) hashes(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)
	h2 := h1>>33 | h1<<31
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2 | 1
}
