package logstore

import (
	"github.com/devrev/pairdb/logstore/internal/errors"
	"github.com/devrev/pairdb/logstore/internal/service"
)

// NotFound is the length GetInto returns when it copies nothing
const NotFound = service.NotFound

// Errors returned by DB methods, for use with errors.Is
var (
	ErrNotFound        error = errors.ErrKeyNotFound
	ErrKeyTooLarge     error = errors.ErrKeyTooLarge
	ErrValueTooLarge   error = errors.ErrValueTooLarge
	ErrBufferTooSmall  error = errors.ErrBufferTooSmall
	ErrInvalidArgument error = errors.ErrInvalidArgument
	ErrClosed          error = errors.ErrClosed
	ErrIOFailure       error = errors.ErrIOFailure
	ErrCorruptRecord   error = errors.ErrCorruptRecord
	ErrRecoveryFailed  error = errors.ErrRecoveryFailed
	ErrLocked          error = errors.ErrLocked
	ErrDiskFull        error = errors.ErrDiskFull
	ErrDiskThrottled   error = errors.ErrDiskThrottled
)

// Code returns the short name of the error class err belongs to, such as
// "key_not_found", or "ok" for nil
func Code(err error) string {
	return errors.GetCode(err).String()
}
