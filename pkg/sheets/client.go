// Package sheets defines the DocumentClient capability through which
// sheetgate reaches the remote spreadsheet service, the classification of
// remote errors, and decorators around concrete clients.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Handle is an opaque remote-session object for one tenant's document
type Handle interface {
	SheetRef() string
}

// Sheet is a single worksheet within an open document
type Sheet interface {
	Title() string
}

// Row is a sheet row with its remote identifier
type Row struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// DocumentClient is the only remote dependency of sheetgate. Implementations
// must be safe for concurrent use.
type DocumentClient interface {
	Open(ctx context.Context, sheetRef string) (Handle, error)
	LoadInfo(ctx context.Context, h Handle) error
	EnsureSheet(ctx context.Context, h Handle, title string, headers []string) (Sheet, error)
	GetRows(ctx context.Context, s Sheet, rng string) ([]Row, error)
	AddRows(ctx context.Context, s Sheet, rows []Row) error
	UpdateRow(ctx context.Context, s Sheet, rowID string, fields map[string]interface{}) error
	DeleteRow(ctx context.Context, s Sheet, rowID string) error
	Close(ctx context.Context, h Handle) error
}

// CredentialRefresher is implemented by clients whose credentials can be
// refreshed after a transient auth failure. The pool refreshes once before
// giving up.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context, sheetRef string) error
}

// Class classifies a remote error
type Class int

// Remote error classes
const (
	ClassTransient Class = iota
	ClassRateLimited
	ClassAuth
	ClassConflict
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate-limited"
	case ClassAuth:
		return "auth"
	case ClassConflict:
		return "conflict"
	case ClassFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// ClientError is a classified remote error
type ClientError struct {
	Class      Class
	Message    string
	RetryAfter time.Duration
	// Fatal auth errors (revoked credentials, missing permissions) are not
	// recoverable by a refresh.
	AuthFatal bool
	cause     error
}

// Error implements the error interface
func (e *ClientError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("sheets: %s: %s: %v", e.Class, e.Message, e.cause)
	}
	return fmt.Sprintf("sheets: %s: %s", e.Class, e.Message)
}

// Unwrap returns the underlying error
func (e *ClientError) Unwrap() error { return e.cause }

// NewClientError builds a classified remote error
func NewClientError(class Class, message string, cause error) *ClientError {
	return &ClientError{Class: class, Message: message, cause: cause}
}

// Classify maps any error returned by a DocumentClient to a class. Unknown
// errors are treated as transient so the retry policy gets one chance before
// they bubble up.
func Classify(err error) Class {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassFatal
	}
	return ClassTransient
}

// IsAuthFatal reports whether the error is an auth failure that a credential
// refresh cannot fix
func IsAuthFatal(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Class == ClassAuth && ce.AuthFatal
	}
	return false
}

// RetryAfter returns the remote retry-after hint, zero when absent
func RetryAfter(err error) time.Duration {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
