// Package record implements the on-disk encoding of a single log entry.
//
// Layout (little endian, fixed 19-byte header):
//
//	checksum   uint32  CRC32 of every byte that follows it
//	sequence   uint64
//	type       uint8   model.RecordType
//	key size   uint16
//	value size uint32
//	key        [key size]byte
//	value      [value size]byte
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/devrev/pairdb/logstore/internal/model"
	"github.com/devrev/pairdb/logstore/internal/util"
)

const (
	// HeaderSize is the fixed size of a record header
	HeaderSize = 19

	// MaxKeySize is the largest key the header can describe
	MaxKeySize = math.MaxUint16
	// MaxValueSize is the largest value the header can describe
	MaxValueSize = math.MaxUint32 - HeaderSize - MaxKeySize

	checksumOffset = 0
	sequenceOffset = 4
	typeOffset     = 12
	keySizeOffset  = 13
	valSizeOffset  = 15
)

var (
	// ErrCorruptRecord is returned when a record fails checksum validation
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrTruncatedRecord is returned when a buffer ends before the record does
	ErrTruncatedRecord = errors.New("truncated record")
)

// Record is a decoded log entry. Key and Value may alias the buffer the
// record was decoded from.
type Record struct {
	Key      []byte
	Value    []byte
	Sequence uint64
	Type     model.RecordType
}

// Header is the fixed-width prefix of an encoded record
type Header struct {
	Checksum  uint32
	Sequence  uint64
	Type      model.RecordType
	KeySize   uint16
	ValueSize uint32
}

// RecordSize returns the encoded size of the record the header describes
func (h Header) RecordSize() int64 {
	return int64(HeaderSize) + int64(h.KeySize) + int64(h.ValueSize)
}

// EncodedSize returns the encoded size of a record with the given key and value lengths
func EncodedSize(keyLen, valueLen int) int {
	return HeaderSize + keyLen + valueLen
}

// Encode serializes r into a newly allocated buffer
func Encode(r *Record) ([]byte, error) {
	if len(r.Key) > MaxKeySize {
		return nil, fmt.Errorf("key of %d bytes exceeds encodable maximum %d", len(r.Key), MaxKeySize)
	}
	if uint64(len(r.Value)) > MaxValueSize {
		return nil, fmt.Errorf("value of %d bytes exceeds encodable maximum %d", len(r.Value), uint64(MaxValueSize))
	}
	if !r.Type.Valid() {
		return nil, fmt.Errorf("unknown record type %d", r.Type)
	}

	buf := make([]byte, EncodedSize(len(r.Key), len(r.Value)))
	binary.LittleEndian.PutUint64(buf[sequenceOffset:], r.Sequence)
	buf[typeOffset] = byte(r.Type)
	binary.LittleEndian.PutUint16(buf[keySizeOffset:], uint16(len(r.Key)))
	binary.LittleEndian.PutUint32(buf[valSizeOffset:], uint32(len(r.Value)))
	copy(buf[HeaderSize:], r.Key)
	copy(buf[HeaderSize+len(r.Key):], r.Value)

	binary.LittleEndian.PutUint32(buf[checksumOffset:], util.ComputeChecksum(buf[sequenceOffset:]))
	return buf, nil
}

// DecodeHeader parses the fixed header at the start of buf without
// validating the checksum
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTruncatedRecord
	}
	return Header{
		Checksum:  binary.LittleEndian.Uint32(buf[checksumOffset:]),
		Sequence:  binary.LittleEndian.Uint64(buf[sequenceOffset:]),
		Type:      model.RecordType(buf[typeOffset]),
		KeySize:   binary.LittleEndian.Uint16(buf[keySizeOffset:]),
		ValueSize: binary.LittleEndian.Uint32(buf[valSizeOffset:]),
	}, nil
}

// Decode validates and parses the record at the start of buf. The returned
// record aliases buf. The second return value is the encoded size.
func Decode(buf []byte) (*Record, int, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	size := h.RecordSize()
	if int64(len(buf)) < size {
		return nil, 0, ErrTruncatedRecord
	}
	if !util.ValidateChecksum(buf[sequenceOffset:size], h.Checksum) {
		return nil, 0, ErrCorruptRecord
	}
	if !h.Type.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown record type %d", ErrCorruptRecord, h.Type)
	}

	keyEnd := HeaderSize + int(h.KeySize)
	return &Record{
		Key:      buf[HeaderSize:keyEnd:keyEnd],
		Value:    buf[keyEnd:size:size],
		Sequence: h.Sequence,
		Type:     h.Type,
	}, int(size), nil
}
