package validation

import (
	"bytes"
	"testing"

	"github.com/devrev/pairdb/logstore/internal/errors"
	"github.com/devrev/pairdb/logstore/internal/record"
	"github.com/stretchr/testify/assert"
)

func TestValidator_ValidatePut(t *testing.T) {
	v := NewValidatorWithLimits(8, 16)

	tests := []struct {
		name     string
		key      []byte
		value    []byte
		wantCode errors.ErrorCode
	}{
		{"valid", []byte("key"), []byte("value"), errors.ErrCodeOK},
		{"binary key", []byte{0x00, 0x01, '\n'}, nil, errors.ErrCodeOK},
		{"empty value", []byte("k"), []byte{}, errors.ErrCodeOK},
		{"key at limit", bytes.Repeat([]byte("k"), 8), nil, errors.ErrCodeOK},
		{"value at limit", []byte("k"), bytes.Repeat([]byte("v"), 16), errors.ErrCodeOK},
		{"empty key", []byte{}, []byte("v"), errors.ErrCodeInvalidArgument},
		{"nil key", nil, []byte("v"), errors.ErrCodeInvalidArgument},
		{"key too large", bytes.Repeat([]byte("k"), 9), nil, errors.ErrCodeKeyTooLarge},
		{"value too large", []byte("k"), bytes.Repeat([]byte("v"), 17), errors.ErrCodeValueTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePut(tt.key, tt.value)
			assert.Equal(t, tt.wantCode, errors.GetCode(err))
		})
	}
}

func TestNewValidatorWithLimits_Caps(t *testing.T) {
	v := NewValidatorWithLimits(1<<20, 0)
	assert.Equal(t, record.MaxKeySize, v.MaxKeySize())
	assert.Equal(t, DefaultMaxValueSize, v.MaxValueSize())

	d := NewValidator()
	assert.Equal(t, DefaultMaxKeySize, d.MaxKeySize())
}

func TestEstimateWriteSize(t *testing.T) {
	assert.Equal(t, uint64(record.HeaderSize+3+5), EstimateWriteSize([]byte("key"), []byte("value")))
}
