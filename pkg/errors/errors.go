// Package errors defines the classified error taxonomy shared by all
// sheetgate components and its mapping to HTTP statuses and response
// envelopes.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code classifies an error for callers and for the HTTP surface
type Code string

// The error taxonomy. Every error that crosses a component boundary carries
// one of these codes.
const (
	CodeTenantUnknown Code = "tenant-unknown"
	CodeNotFound      Code = "not-found"
	CodeRateLimited   Code = "rate-limited"
	CodePoolExhausted Code = "pool-exhausted"
	CodeAuthFailure   Code = "auth-failure"
	CodeTimeout       Code = "timeout"
	CodeConflict      Code = "conflict"
	CodeInvariant     Code = "invariant-violation"
	CodeCancelled     Code = "cancelled"
)

// Error is a classified error with optional retry-after information
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	cause      error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error { return e.cause }

// WithRetryAfter returns a copy of the error carrying a retry-after hint
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	clone := *e
	clone.RetryAfter = d
	return &clone
}

// New creates a new classified error
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new classified error with a formatted message
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a classification
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the classification from an error chain. Unclassified
// errors report invariant-violation: anything internal that escapes without
// a code is a bug.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeInvariant
}

// IsCode reports whether the error chain carries the given code
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// RetryAfterOf returns the retry-after hint from an error chain, zero when
// none is present
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// HTTPStatus maps a classified error to its response status
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeTenantUnknown, CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodePoolExhausted:
		return http.StatusServiceUnavailable
	case CodeAuthFailure:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeConflict:
		return http.StatusConflict
	case CodeCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// As is a convenience re-export so callers don't need both packages
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is a convenience re-export so callers don't need both packages
func Is(err, target error) bool { return errors.Is(err, target) }
