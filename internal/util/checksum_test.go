package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint32
	}{
		{"empty", nil, 0},
		{"check value", []byte("123456789"), 0xCBF43926},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeChecksum(tt.data))
		})
	}
}

func TestValidateChecksum(t *testing.T) {
	data := []byte("segment record payload")
	sum := ComputeChecksum(data)

	assert.True(t, ValidateChecksum(data, sum))
	assert.False(t, ValidateChecksum(data, sum+1))

	flipped := append([]byte{}, data...)
	flipped[3] ^= 0x01
	assert.False(t, ValidateChecksum(flipped, sum))
}

func BenchmarkComputeChecksum(b *testing.B) {
	record := make([]byte, 19+32+1024)
	b.SetBytes(int64(len(record)))
	for i := 0; i < b.N; i++ {
		ComputeChecksum(record)
	}
}
