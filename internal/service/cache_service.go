package service

import (
	"github.com/devrev/pairdb/logstore/internal/metrics"
	"github.com/devrev/pairdb/logstore/internal/model"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// CacheService is an LRU cache of values keyed by record location. A
// location is never rewritten, so a cached value can only become
// unreachable, never wrong.
type CacheService struct {
	cache   *lru.Cache
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	MaxEntries int
}

// NewCacheService creates a new cache service
func NewCacheService(cfg *CacheConfig, logger *zap.Logger, m *metrics.Metrics) (*CacheService, error) {
	cache, err := lru.New(cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &CacheService{
		cache:   cache,
		logger:  logger,
		metrics: m,
	}, nil
}

// Get retrieves the value stored at loc
func (s *CacheService) Get(loc model.Location) ([]byte, bool) {
	v, ok := s.cache.Get(loc)
	if !ok {
		s.metrics.RecordCacheMiss()
		return nil, false
	}
	s.metrics.RecordCacheHit()
	return v.([]byte), true
}

// Put caches the value stored at loc. The slice must not be modified afterwards.
func (s *CacheService) Put(loc model.Location, value []byte) {
	s.cache.Add(loc, value)
	s.metrics.UpdateCacheEntries(s.cache.Len())
}

// PurgeSegment drops every value cached from a deleted segment
func (s *CacheService) PurgeSegment(segmentID uint32) {
	removed := 0
	for _, k := range s.cache.Keys() {
		if loc, ok := k.(model.Location); ok && loc.SegmentID == segmentID {
			s.cache.Remove(k)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Purged cached values of deleted segment",
			zap.Uint32("segment_id", segmentID),
			zap.Int("entries", removed))
	}
	s.metrics.UpdateCacheEntries(s.cache.Len())
}

// Len returns the number of cached values
func (s *CacheService) Len() int {
	return s.cache.Len()
}
