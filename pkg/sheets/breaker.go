package sheets

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/adcraft-io/sheetgate/pkg/observability"
)

// BreakerClient decorates a DocumentClient with a circuit breaker. When the
// breaker is open, calls fail fast with a transient error so the retry
// policy defers instead of hammering a failing upstream.
type BreakerClient struct {
	inner  DocumentClient
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

// BreakerSettings tunes the circuit breaker
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultBreakerSettings returns the production defaults
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         3,
		Interval:            30 * time.Second,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// NewBreakerClient wraps a DocumentClient with a circuit breaker
func NewBreakerClient(inner DocumentClient, settings BreakerSettings, logger observability.Logger) *BreakerClient {
	if logger == nil {
		logger = observability.NewLogger("sheets.breaker")
	}

	bc := &BreakerClient{inner: inner, logger: logger}
	bc.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "document-client",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// Rate limits and auth problems are the caller's business; only
			// transport-level failures should trip the breaker.
			if err == nil {
				return true
			}
			switch Classify(err) {
			case ClassRateLimited, ClassAuth, ClassConflict:
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return bc
}

func (b *BreakerClient) execute(fn func() (interface{}, error)) (interface{}, error) {
	v, err := b.cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, NewClientError(ClassTransient, "document service unavailable (circuit open)", err)
	}
	return v, err
}

// Open implements DocumentClient
func (b *BreakerClient) Open(ctx context.Context, sheetRef string) (Handle, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.inner.Open(ctx, sheetRef)
	})
	if err != nil {
		return nil, err
	}
	return v.(Handle), nil
}

// LoadInfo implements DocumentClient
func (b *BreakerClient) LoadInfo(ctx context.Context, h Handle) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.LoadInfo(ctx, h)
	})
	return err
}

// EnsureSheet implements DocumentClient
func (b *BreakerClient) EnsureSheet(ctx context.Context, h Handle, title string, headers []string) (Sheet, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.inner.EnsureSheet(ctx, h, title, headers)
	})
	if err != nil {
		return nil, err
	}
	return v.(Sheet), nil
}

// GetRows implements DocumentClient
func (b *BreakerClient) GetRows(ctx context.Context, s Sheet, rng string) ([]Row, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.inner.GetRows(ctx, s, rng)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Row), nil
}

// AddRows implements DocumentClient
func (b *BreakerClient) AddRows(ctx context.Context, s Sheet, rows []Row) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.AddRows(ctx, s, rows)
	})
	return err
}

// UpdateRow implements DocumentClient
func (b *BreakerClient) UpdateRow(ctx context.Context, s Sheet, rowID string, fields map[string]interface{}) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.UpdateRow(ctx, s, rowID, fields)
	})
	return err
}

// DeleteRow implements DocumentClient
func (b *BreakerClient) DeleteRow(ctx context.Context, s Sheet, rowID string) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.DeleteRow(ctx, s, rowID)
	})
	return err
}

// Close implements DocumentClient. Closing bypasses the breaker: releasing
// resources must work even when the upstream is failing.
func (b *BreakerClient) Close(ctx context.Context, h Handle) error {
	return b.inner.Close(ctx, h)
}

// RefreshCredentials implements CredentialRefresher when the inner client
// supports it
func (b *BreakerClient) RefreshCredentials(ctx context.Context, sheetRef string) error {
	if r, ok := b.inner.(CredentialRefresher); ok {
		return r.RefreshCredentials(ctx, sheetRef)
	}
	return nil
}
