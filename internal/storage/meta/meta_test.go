package meta

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestReadWrite(t *testing.T) {
	dir := t.TempDir()

	m, err := Read(dir)
	require.NoError(t, err)
	assert.Nil(t, m, "missing file is not an error")

	want := &Meta{
		Open:                true,
		Sequence:            1 << 33,
		NextSegmentID:       42,
		MaxSegmentSize:      64 << 20,
		CompactionThreshold: 0.75,
		SessionSegmentID:    40,
	}
	require.NoError(t, Write(dir, want))

	got, err := Read(dir)
	require.NoError(t, err)
	assert.Equal(t, uint32(CurrentVersion), got.Version)
	assert.Equal(t, *want, *got)

	want.Open = false
	want.Sequence++
	require.NoError(t, Write(dir, want))
	got, err = Read(dir)
	require.NoError(t, err)
	assert.False(t, got.Open)
	assert.Equal(t, want.Sequence, got.Sequence)

	_, err = os.Stat(filepath.Join(dir, FileName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	m := &Meta{Version: 1, Sequence: 9, NextSegmentID: 3}
	b := m.Marshal()
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	var got Meta
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, uint64(9), got.Sequence)
	assert.Equal(t, uint32(3), got.NextSegmentID)
}

func TestRead_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated varint", []byte{0x08, 0xFF}},
		{"future version", (&Meta{Version: CurrentVersion + 1}).Marshal()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), tt.data, 0644))
			_, err := Read(dir)
			assert.Error(t, err)
		})
	}
}

func TestLock(t *testing.T) {
	dir := t.TempDir()

	l, err := Lock(dir)
	require.NoError(t, err)

	_, err = Lock(dir)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, l.Unlock())

	assert.NoError(t, l.Unlock(), "second unlock is a no-op")

	l2, err := Lock(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, LockFileName))
	assert.NoError(t, l2.Unlock())
}
