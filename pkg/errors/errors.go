// Package errors provides the structured error system used across the cache
// layer, with stable error codes, categories, and per-operation context.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure. Codes are stable and are the unit
// of matching: two CacheErrors compare equal under errors.Is iff their codes
// are equal.
type ErrorCode string

const (
	// Request admission errors
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"

	// Lifecycle errors
	ErrCodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrCodeAlreadyInitialized ErrorCode = "ALREADY_INITIALIZED"
	ErrCodeShutdown           ErrorCode = "SHUTDOWN"

	// Remote filesystem errors
	ErrCodeConnect ErrorCode = "CONNECT_ERROR"
	ErrCodeRemote  ErrorCode = "REMOTE_ERROR"

	// Local filesystem errors
	ErrCodeLocalIO ErrorCode = "LOCAL_IO_ERROR"

	// Flow-control outcomes
	ErrCodeCanceled ErrorCode = "CANCELED"

	// Broken invariants. Should never occur; logged and finalization
	// proceeds best-effort.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// ErrorCategory groups codes for logging and metrics labels.
type ErrorCategory string

const (
	CategoryRequest   ErrorCategory = "request"
	CategoryLifecycle ErrorCategory = "lifecycle"
	CategoryRemote    ErrorCategory = "remote"
	CategoryLocal     ErrorCategory = "local"
	CategoryFlow      ErrorCategory = "flow"
	CategoryInternal  ErrorCategory = "internal"
)

// CacheError is the structured error type of the cache layer. Configuration
// loading, registry construction and the S3 adapter return plain errors,
// which their callers wrap into CacheErrors. The zero Path/Operation fields
// are omitted from the message.
type CacheError struct {
	Code      ErrorCode
	Message   string
	Component string
	Operation string
	Path      string
	Cause     error
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		if e.Operation != "" {
			fmt.Fprintf(&b, "[%s:%s] ", e.Component, e.Operation)
		} else {
			fmt.Fprintf(&b, "[%s] ", e.Component)
		}
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Path != "" {
		fmt.Fprintf(&b, " (path %q)", e.Path)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %s", e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is matches by code so callers can test against a bare New(code, "").
func (e *CacheError) Is(target error) bool {
	if ce, ok := target.(*CacheError); ok {
		return e.Code == ce.Code
	}
	return false
}

// New creates a CacheError with the retryability default for its code.
func New(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableByDefault(code),
	}
}

// Newf creates a CacheError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a CacheError with a cause attached.
func Wrap(code ErrorCode, message string, cause error) *CacheError {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithComponent sets the reporting component.
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the failing operation.
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithPath sets the remote path the failure relates to.
func (e *CacheError) WithPath(path string) *CacheError {
	e.Path = path
	return e
}

// Category returns the category for the error's code.
func Category(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidArgument, ErrCodeNotFound:
		return CategoryRequest
	case ErrCodeNotInitialized, ErrCodeAlreadyInitialized, ErrCodeShutdown:
		return CategoryLifecycle
	case ErrCodeConnect, ErrCodeRemote:
		return CategoryRemote
	case ErrCodeLocalIO:
		return CategoryLocal
	case ErrCodeCanceled:
		return CategoryFlow
	default:
		return CategoryInternal
	}
}

// IsCode reports whether err is (or wraps) a CacheError with the given code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if ce, ok := err.(*CacheError); ok && ce.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf returns the code of the outermost CacheError in err's chain, or
// ErrCodeInternal if err carries no CacheError.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if ce, ok := err.(*CacheError); ok {
			return ce.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrCodeInternal
}

func retryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnect, ErrCodeRemote:
		return true
	default:
		return false
	}
}
