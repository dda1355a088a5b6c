// Package meta persists the store-wide metadata file and guards the store
// directory with an exclusive lock.
package meta

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// FileName is the metadata file inside the store directory
	FileName = "META"
	// CurrentVersion is the metadata format version written by this package
	CurrentVersion = 1

	fieldVersion             protowire.Number = 1
	fieldOpen                protowire.Number = 2
	fieldSequence            protowire.Number = 3
	fieldNextSegmentID       protowire.Number = 4
	fieldMaxSegmentSize      protowire.Number = 5
	fieldCompactionThreshold protowire.Number = 6
	fieldSessionSegmentID    protowire.Number = 7
)

// Meta is the store-wide state that cannot be derived from segment contents
// alone. Open is true while a process has the store open; finding it set on
// startup means the previous process did not shut down cleanly.
type Meta struct {
	Version             uint32
	Open                bool
	Sequence            uint64 // next sequence number to assign
	NextSegmentID       uint32
	MaxSegmentSize      int64
	CompactionThreshold float64
	// SessionSegmentID is the first segment id created by the process that
	// opened the store. Only segments from there on can end in a torn write.
	SessionSegmentID uint32
}

// Marshal encodes m in protobuf wire format
func (m *Meta) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Version))
	b = protowire.AppendTag(b, fieldOpen, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.Open))
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Sequence)
	b = protowire.AppendTag(b, fieldNextSegmentID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.NextSegmentID))
	b = protowire.AppendTag(b, fieldMaxSegmentSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.MaxSegmentSize))
	b = protowire.AppendTag(b, fieldCompactionThreshold, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(m.CompactionThreshold))
	b = protowire.AppendTag(b, fieldSessionSegmentID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SessionSegmentID))
	return b
}

// Unmarshal decodes protobuf wire format into m. Unknown fields are skipped.
func (m *Meta) Unmarshal(b []byte) error {
	*m = Meta{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("invalid metadata tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("invalid metadata field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldVersion:
				m.Version = uint32(v)
			case fieldOpen:
				m.Open = protowire.DecodeBool(v)
			case fieldSequence:
				m.Sequence = v
			case fieldNextSegmentID:
				m.NextSegmentID = uint32(v)
			case fieldMaxSegmentSize:
				m.MaxSegmentSize = int64(v)
			case fieldSessionSegmentID:
				m.SessionSegmentID = uint32(v)
			}
		case typ == protowire.Fixed64Type && num == fieldCompactionThreshold:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("invalid metadata field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			m.CompactionThreshold = math.Float64frombits(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("invalid metadata field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// Read loads the metadata file from dir. It returns (nil, nil) when the
// file does not exist.
func Read(dir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	m := &Meta{}
	if err := m.Unmarshal(data); err != nil {
		return nil, err
	}
	if m.Version > CurrentVersion {
		return nil, fmt.Errorf("unsupported metadata version %d", m.Version)
	}
	return m, nil
}

// Write atomically replaces the metadata file in dir
func Write(dir string, m *Meta) error {
	if m.Version == 0 {
		m.Version = CurrentVersion
	}

	tmpPath := filepath.Join(dir, FileName+".tmp")
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create metadata file: %w", err)
	}

	if _, err := file.Write(m.Marshal()); err != nil {
		file.Close()
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close metadata file: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, FileName)); err != nil {
		return fmt.Errorf("failed to install metadata file: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}
