package validation

import (
	"github.com/devrev/pairdb/logstore/internal/errors"
	"github.com/devrev/pairdb/logstore/internal/record"
)

const (
	// Size limits
	DefaultMaxKeySize   = 1024             // 1 KB
	DefaultMaxValueSize = 10 * 1024 * 1024 // 10 MB
)

// Validator validates store operations
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   DefaultMaxKeySize,
		maxValueSize: DefaultMaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits. Limits are
// capped at what the record header can describe.
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	if maxKeySize <= 0 || maxKeySize > record.MaxKeySize {
		maxKeySize = record.MaxKeySize
	}
	if maxValueSize <= 0 || uint64(maxValueSize) > record.MaxValueSize {
		maxValueSize = DefaultMaxValueSize
	}
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidatePut validates a put operation
func (v *Validator) ValidatePut(key, value []byte) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	return v.ValidateValue(value)
}

// ValidateKey validates a key. Keys are opaque bytes; only emptiness and
// size are checked.
func (v *Validator) ValidateKey(key []byte) error {
	if len(key) == 0 {
		return errors.InvalidArgument("key cannot be empty", nil)
	}
	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}
	return nil
}

// ValidateValue validates a value. Nil and empty values are valid.
func (v *Validator) ValidateValue(value []byte) error {
	if len(value) > v.maxValueSize {
		return errors.ValueTooLarge(len(value), v.maxValueSize)
	}
	return nil
}

// MaxKeySize returns the configured key limit
func (v *Validator) MaxKeySize() int {
	return v.maxKeySize
}

// MaxValueSize returns the configured value limit
func (v *Validator) MaxValueSize() int {
	return v.maxValueSize
}

// EstimateWriteSize returns the bytes a put will append to disk
func EstimateWriteSize(key, value []byte) uint64 {
	return uint64(record.EncodedSize(len(key), len(value)))
}
