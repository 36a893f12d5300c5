// Package retry centralizes the retry decisions consulted by the connection
// pool and the batch coordinator: transient failures retry with jittered
// backoff, rate-limited work is deferred, auth failures refresh credentials
// once.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	sgerrors "github.com/adcraft-io/sheetgate/pkg/errors"
	"github.com/adcraft-io/sheetgate/pkg/sheets"
)

// Policy defines the retry policy interface
type Policy interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	NextDelay(attempt int) time.Duration
}

// Config contains retry configuration
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      int
}

// ExponentialBackoff implements exponential backoff with ±20% jitter
type ExponentialBackoff struct {
	config Config
}

// NewExponentialBackoff creates a new exponential backoff retry policy
func NewExponentialBackoff(config Config) Policy {
	if config.InitialInterval <= 0 {
		config.InitialInterval = 100 * time.Millisecond
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 5 * time.Second
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	return &ExponentialBackoff{config: config}
}

// Execute runs fn, retrying only while the failure is retryable per Decide
func (e *ExponentialBackoff) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		attempt++
		if attempt >= e.config.MaxRetries {
			return err
		}
		if Decide(err) != ActionRetry {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-time.After(e.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NextDelay calculates the next delay with jitter
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.config.InitialInterval) * math.Pow(e.config.Multiplier, float64(attempt-1))
	if delay > float64(e.config.MaxInterval) {
		delay = float64(e.config.MaxInterval)
	}
	jitter := delay * 0.2 * (rand.Float64()*2 - 1)
	return time.Duration(delay + jitter)
}

// Action tells a caller how to proceed after a failed remote operation
type Action int

const (
	// ActionFail means the error is not recoverable by the caller
	ActionFail Action = iota
	// ActionRetry means retry in place with jittered backoff
	ActionRetry
	// ActionDefer means keep the work queued and try again after the
	// rate-limit window
	ActionDefer
	// ActionRefreshAuth means refresh credentials once, then retry
	ActionRefreshAuth
)

// Decide maps a classified error to the action the caller should take.
// Remote client errors are decided by their sheets classification; errors
// already carrying a taxonomy code are decided by that code. Anything else
// gets one retry before it bubbles up.
func Decide(err error) Action {
	var ce *sheets.ClientError
	if sgerrors.As(err, &ce) {
		switch ce.Class {
		case sheets.ClassRateLimited:
			return ActionDefer
		case sheets.ClassAuth:
			if ce.AuthFatal {
				return ActionFail
			}
			return ActionRefreshAuth
		case sheets.ClassTransient:
			return ActionRetry
		default:
			return ActionFail
		}
	}

	var se *sgerrors.Error
	if sgerrors.As(err, &se) {
		switch se.Code {
		case sgerrors.CodeRateLimited:
			return ActionDefer
		case sgerrors.CodeAuthFailure:
			return ActionRefreshAuth
		case sgerrors.CodeTimeout, sgerrors.CodePoolExhausted:
			return ActionRetry
		default:
			return ActionFail
		}
	}

	if err == context.Canceled || err == context.DeadlineExceeded {
		return ActionFail
	}
	return ActionRetry
}
