package diskmanager

import (
	"testing"
	"time"

	"github.com/devrev/pairdb/logstore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedUsage(percent *float64, available *uint64) UsageFunc {
	return func(string) (float64, uint64, error) {
		return *percent, *available, nil
	}
}

func TestDiskManager_CheckBeforeWrite(t *testing.T) {
	tests := []struct {
		name      string
		usage     float64
		available uint64
		write     uint64
		wantCode  errors.ErrorCode
	}{
		{"plenty of space", 40, 1 << 30, 4096, errors.ErrCodeOK},
		{"warning only", 82, 1 << 30, 4096, errors.ErrCodeOK},
		{"throttled small write", 87, 1 << 20, 1024, errors.ErrCodeOK},
		{"throttled large write", 87, 1 << 20, 512 << 10, errors.ErrCodeDiskThrottled},
		{"over limit", 91, 1 << 30, 1, errors.ErrCodeDiskFull},
		{"write larger than free space", 10, 100, 200, errors.ErrCodeDiskFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			usage, available := tt.usage, tt.available
			dm, err := NewDiskManager(&Config{
				Dir:           t.TempDir(),
				UsageLimit:    90,
				CheckInterval: time.Hour,
				Usage:         fixedUsage(&usage, &available),
			}, zap.NewNop())
			require.NoError(t, err)

			err = dm.CheckBeforeWrite(tt.write)
			if tt.wantCode == errors.ErrCodeOK {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.GetCode(err))
		})
	}
}

func TestDiskManager_ForceCheck(t *testing.T) {
	usage, available := 95.0, uint64(1<<20)
	dm, err := NewDiskManager(&Config{
		Dir:           t.TempDir(),
		UsageLimit:    90,
		CheckInterval: time.Hour,
		Usage:         fixedUsage(&usage, &available),
	}, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, dm.GetDiskUsage().IsFull)
	assert.Error(t, dm.CheckBeforeWrite(1))

	usage = 50
	require.NoError(t, dm.ForceCheck())
	stats := dm.GetDiskUsage()
	assert.False(t, stats.IsFull)
	assert.False(t, stats.IsThrottled)
	assert.NoError(t, dm.CheckBeforeWrite(1))
}

func TestNewDiskManager_Validation(t *testing.T) {
	_, err := NewDiskManager(&Config{UsageLimit: 90}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewDiskManager(&Config{Dir: t.TempDir(), UsageLimit: 150}, zap.NewNop())
	assert.Error(t, err)
}

func TestStatfsUsage(t *testing.T) {
	percent, available, err := StatFS(t.TempDir())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, percent, 0.0)
	assert.LessOrEqual(t, percent, 100.0)
	assert.Greater(t, available, uint64(0))
}
