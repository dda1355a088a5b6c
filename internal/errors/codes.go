package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for store operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors, recoverable by retrying with valid input
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyNotFound     ErrorCode = 1001
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeBufferTooSmall  ErrorCode = 1004
	ErrCodeClosed          ErrorCode = 1005

	// Engine errors
	ErrCodeInternal       ErrorCode = 2000
	ErrCodeIOFailure      ErrorCode = 2001
	ErrCodeDiskFull       ErrorCode = 2002
	ErrCodeDiskThrottled  ErrorCode = 2003
	ErrCodeCorruptRecord  ErrorCode = 2004
	ErrCodeRecoveryFailed ErrorCode = 2005
	ErrCodeLocked         ErrorCode = 2006
)

// String returns a short name for the code
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeKeyNotFound:
		return "key_not_found"
	case ErrCodeKeyTooLarge:
		return "key_too_large"
	case ErrCodeValueTooLarge:
		return "value_too_large"
	case ErrCodeBufferTooSmall:
		return "buffer_too_small"
	case ErrCodeClosed:
		return "closed"
	case ErrCodeIOFailure:
		return "io_failure"
	case ErrCodeDiskFull:
		return "disk_full"
	case ErrCodeDiskThrottled:
		return "disk_throttled"
	case ErrCodeCorruptRecord:
		return "corrupt_record"
	case ErrCodeRecoveryFailed:
		return "recovery_failed"
	case ErrCodeLocked:
		return "locked"
	default:
		return "internal"
	}
}

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches any StorageError carrying the same code, so callers can use
// errors.Is(err, ErrKeyNotFound) regardless of message and details.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeKeyTooLarge, ErrCodeValueTooLarge:
		return codes.InvalidArgument
	case ErrCodeBufferTooSmall:
		return codes.OutOfRange
	case ErrCodeKeyNotFound:
		return codes.NotFound
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeDiskThrottled, ErrCodeClosed:
		return codes.Unavailable
	case ErrCodeCorruptRecord, ErrCodeRecoveryFailed:
		return codes.DataLoss
	case ErrCodeLocked:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons. Only the code is compared.
var (
	ErrInvalidArgument = NewStorageError(ErrCodeInvalidArgument, "invalid argument", nil)
	ErrKeyNotFound     = NewStorageError(ErrCodeKeyNotFound, "key not found", nil)
	ErrKeyTooLarge     = NewStorageError(ErrCodeKeyTooLarge, "key too large", nil)
	ErrValueTooLarge   = NewStorageError(ErrCodeValueTooLarge, "value too large", nil)
	ErrBufferTooSmall  = NewStorageError(ErrCodeBufferTooSmall, "buffer too small", nil)
	ErrClosed          = NewStorageError(ErrCodeClosed, "store is closed", nil)
	ErrIOFailure       = NewStorageError(ErrCodeIOFailure, "i/o failure", nil)
	ErrCorruptRecord   = NewStorageError(ErrCodeCorruptRecord, "corrupt record", nil)
	ErrRecoveryFailed  = NewStorageError(ErrCodeRecoveryFailed, "recovery failed", nil)
	ErrLocked          = NewStorageError(ErrCodeLocked, "directory is locked", nil)
	ErrDiskFull        = NewStorageError(ErrCodeDiskFull, "disk full", nil)
	ErrDiskThrottled   = NewStorageError(ErrCodeDiskThrottled, "disk write throttled", nil)
)

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound() *StorageError {
	return NewStorageError(ErrCodeKeyNotFound, "key not found", nil)
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func BufferTooSmall(size, required int) *StorageError {
	return NewStorageError(ErrCodeBufferTooSmall, fmt.Sprintf("buffer of %d bytes cannot hold value of %d bytes", size, required), nil).
		WithDetail("size", size).
		WithDetail("required", required)
}

func Closed() *StorageError {
	return NewStorageError(ErrCodeClosed, "store is closed", nil)
}

func IOFailure(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeIOFailure, message, cause)
}

func CorruptRecord(segmentID uint32, offset int64, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptRecord, fmt.Sprintf("corrupt record in segment %d at offset %d", segmentID, offset), cause).
		WithDetail("segment_id", segmentID).
		WithDetail("offset", offset)
}

func RecoveryFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeRecoveryFailed, message, cause)
}

func Locked(dir string, cause error) *StorageError {
	return NewStorageError(ErrCodeLocked, fmt.Sprintf("directory %s is in use by another store", dir), cause).
		WithDetail("dir", dir)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *StorageError {
	return NewStorageError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

// IsStorageError checks if an error is, or wraps, a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}
