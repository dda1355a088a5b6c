package segment

import (
	"fmt"
	"sync"

	"github.com/devrev/pairdb/logstore/internal/model"
	"go.uber.org/zap"
)

// AppenderConfig holds append policy for one stream of segments
type AppenderConfig struct {
	Name           string
	Kind           model.SegmentKind
	MaxSegmentSize int64
	SyncWrites     bool
	FlushDataSize  int64
	// OnSeal is called after a segment filled up and was sealed
	OnSeal func(*Segment)
}

// Appender writes records to the tail of a stream of segments of one kind,
// rolling over to a new segment when the current one is full. An appender
// is not safe for concurrent use; callers serialize appends.
type Appender struct {
	config  *AppenderConfig
	manager *Manager
	logger  *zap.Logger

	mu      sync.Mutex
	current *Segment
}

// NewAppender creates an appender. No segment is created until the first append.
func NewAppender(cfg *AppenderConfig, manager *Manager, logger *zap.Logger) *Appender {
	return &Appender{
		config:  cfg,
		manager: manager,
		logger:  logger.With(zap.String("appender", cfg.Name)),
	}
}

// Open makes sure the appender has an active segment
func (a *Appender) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return nil
	}
	return a.rollLocked()
}

// Append writes one encoded record and returns where it landed. key and seq
// feed the segment's key filter and minimum sequence. If the bytes were
// written but the flush failed, the location is returned with the error so
// the caller can account for them.
func (a *Appender) Append(raw, key []byte, seq uint64) (model.Location, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := int64(len(raw))
	if a.current == nil {
		if err := a.rollLocked(); err != nil {
			return model.Location{}, err
		}
	} else if size := a.current.Size(); size > 0 && size+n > a.config.MaxSegmentSize {
		if err := a.sealLocked(); err != nil {
			return model.Location{}, err
		}
		if err := a.rollLocked(); err != nil {
			return model.Location{}, err
		}
	}

	seg := a.current
	off, err := seg.write(raw)
	if err != nil {
		return model.Location{}, err
	}
	seg.Track(key, seq)
	loc := model.Location{SegmentID: seg.ID(), Offset: off}

	if a.config.SyncWrites || (a.config.FlushDataSize > 0 && seg.pendingSync() >= a.config.FlushDataSize) {
		if err := seg.Sync(); err != nil {
			return loc, err
		}
	}

	return loc, nil
}

// Current returns the active segment id, 0 if none
func (a *Appender) Current() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return 0
	}
	return a.current.ID()
}

// IsOpen reports whether id is the appender's active segment
func (a *Appender) IsOpen(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil && a.current.ID() == id
}

// Sync flushes the active segment
func (a *Appender) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	return a.current.Sync()
}

// Seal seals the active segment. The next append starts a new one.
func (a *Appender) Seal() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	return a.sealLocked()
}

func (a *Appender) sealLocked() error {
	seg := a.current
	if err := seg.Seal(); err != nil {
		return err
	}
	a.current = nil

	a.logger.Debug("Sealed segment",
		zap.Uint32("segment_id", seg.ID()),
		zap.Int64("size", seg.Size()))

	if a.config.OnSeal != nil {
		a.config.OnSeal(seg)
	}
	return nil
}

func (a *Appender) rollLocked() error {
	seg, err := a.manager.Create(a.config.Kind)
	if err != nil {
		return fmt.Errorf("failed to roll %s segment: %w", a.config.Kind, err)
	}
	a.current = seg
	return nil
}
