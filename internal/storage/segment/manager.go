package segment

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/devrev/pairdb/logstore/internal/model"
	"go.uber.org/zap"
)

var fileNamePattern = regexp.MustCompile(`^(\d{10})\.(data|tombstone)$`)

// ManagerConfig holds segment manager configuration
type ManagerConfig struct {
	Dir string
	// BloomElements sizes the per-segment key filter of data segments
	BloomElements int
	// OnCreate and OnDelete are invoked after a segment is registered or
	// unregistered, without the manager's lock held. They must not create or
	// delete segments.
	OnCreate func(*Segment)
	OnDelete func(*Segment)
}

// Manager owns the set of segment files of a store directory
type Manager struct {
	config   *ManagerConfig
	logger   *zap.Logger
	mu       sync.RWMutex
	segments map[uint32]*Segment
	nextID   uint32
	closed   bool
}

// NewManager creates a segment manager for the configured directory
func NewManager(cfg *ManagerConfig, logger *zap.Logger) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("segment directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}
	if cfg.BloomElements <= 0 {
		cfg.BloomElements = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		config:   cfg,
		logger:   logger,
		segments: make(map[uint32]*Segment),
		nextID:   1,
	}, nil
}

// Discover registers every segment file already present in the directory.
// Discovered segments are sealed. They are returned in ascending id order.
func (m *Manager) Discover() ([]*Segment, error) {
	entries, err := os.ReadDir(m.config.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list segment directory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var found []*Segment
	for _, entry := range entries {
		match := fileNamePattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}

		id64, err := strconv.ParseUint(match[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid segment file name %s: %w", entry.Name(), err)
		}
		id := uint32(id64)
		kind := model.SegmentKindData
		if match[2] == model.SegmentKindTombstone.String() {
			kind = model.SegmentKindTombstone
		}

		seg, err := openSegment(m.config.Dir, id, kind, false, m.config.BloomElements, m.logger)
		if err != nil {
			return nil, err
		}
		seg.markSealed()

		m.segments[id] = seg
		if id >= m.nextID {
			m.nextID = id + 1
		}
		found = append(found, seg)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].id < found[j].id })

	m.logger.Info("Discovered segments",
		zap.String("dir", m.config.Dir),
		zap.Int("count", len(found)),
		zap.Uint32("next_id", m.nextID))

	return found, nil
}

// EnsureNextID raises the next segment id to at least id
func (m *Manager) EnsureNextID(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id > m.nextID {
		m.nextID = id
	}
}

// NextID returns the id the next created segment will receive
func (m *Manager) NextID() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextID
}

// Create creates and registers a new empty segment
func (m *Manager) Create(kind model.SegmentKind) (*Segment, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("segment manager is closed")
	}
	id := m.nextID
	seg, err := openSegment(m.config.Dir, id, kind, true, m.config.BloomElements, m.logger)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.nextID++
	m.segments[id] = seg
	m.mu.Unlock()

	m.logger.Debug("Created segment",
		zap.Uint32("segment_id", id),
		zap.String("kind", kind.String()))

	if m.config.OnCreate != nil {
		m.config.OnCreate(seg)
	}
	return seg, nil
}

// Acquire returns a referenced segment. The caller must call Release.
// It returns false if the segment does not exist or has been deleted.
func (m *Manager) Acquire(id uint32) (*Segment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seg, ok := m.segments[id]
	if !ok || !seg.acquire() {
		return nil, false
	}
	return seg, true
}

// Get returns a registered segment without taking a reference
func (m *Manager) Get(id uint32) (*Segment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seg, ok := m.segments[id]
	return seg, ok
}

// Delete unregisters the segment. The file is removed once every reader
// holding a reference has released it.
func (m *Manager) Delete(id uint32) error {
	m.mu.Lock()
	seg, ok := m.segments[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("segment %d not found", id)
	}
	delete(m.segments, id)
	m.mu.Unlock()

	seg.removed.Store(true)
	seg.Release()

	m.logger.Debug("Deleted segment",
		zap.Uint32("segment_id", id),
		zap.String("kind", seg.kind.String()),
		zap.Int64("size", seg.Size()))

	if m.config.OnDelete != nil {
		m.config.OnDelete(seg)
	}
	return nil
}

// Segments returns the registered segments of the given kind in ascending id
// order. No references are taken.
func (m *Manager) Segments(kind model.SegmentKind) []*Segment {
	m.mu.RLock()
	out := make([]*Segment, 0, len(m.segments))
	for _, seg := range m.segments {
		if seg.kind == kind {
			out = append(out, seg)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// IDs returns every registered segment id in ascending order
func (m *Manager) IDs() []uint32 {
	m.mu.RLock()
	ids := make([]uint32, 0, len(m.segments))
	for id := range m.segments {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Infos returns a bookkeeping snapshot of every registered segment
func (m *Manager) Infos() []model.SegmentInfo {
	m.mu.RLock()
	infos := make([]model.SegmentInfo, 0, len(m.segments))
	for _, seg := range m.segments {
		infos = append(infos, seg.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close drops the manager's reference on every segment. Files still in use
// by readers are closed when those readers release them.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for id, seg := range m.segments {
		seg.Release()
		delete(m.segments, id)
	}
	return nil
}
