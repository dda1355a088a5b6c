package meta

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is the lock file inside the store directory
const LockFileName = "LOCK"

// ErrLockHeld is returned when another process or handle owns the directory
var ErrLockHeld = errors.New("store directory is locked by another process")

// DirLock is an exclusive advisory lock on a store directory. The kernel
// drops it if the owning process dies.
type DirLock struct {
	lock *flock.Flock
}

// Lock takes the directory lock without blocking
func Lock(dir string) (*DirLock, error) {
	lock := flock.New(filepath.Join(dir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock directory: %w", err)
	}
	if !locked {
		return nil, ErrLockHeld
	}
	return &DirLock{lock: lock}, nil
}

// Unlock releases the lock
func (l *DirLock) Unlock() error {
	if l == nil || l.lock == nil {
		return nil
	}
	err := l.lock.Unlock()
	l.lock = nil
	return err
}
