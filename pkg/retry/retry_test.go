package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sgerrors "github.com/adcraft-io/sheetgate/pkg/errors"
	"github.com/adcraft-io/sheetgate/pkg/sheets"
)

func TestDecideRemoteClasses(t *testing.T) {
	cases := []struct {
		err  error
		want Action
	}{
		{sheets.NewClientError(sheets.ClassTransient, "blip", nil), ActionRetry},
		{sheets.NewClientError(sheets.ClassRateLimited, "quota", nil), ActionDefer},
		{sheets.NewClientError(sheets.ClassAuth, "expired", nil), ActionRefreshAuth},
		{&sheets.ClientError{Class: sheets.ClassAuth, Message: "revoked", AuthFatal: true}, ActionFail},
		{sheets.NewClientError(sheets.ClassFatal, "gone", nil), ActionFail},
		{sheets.NewClientError(sheets.ClassConflict, "exists", nil), ActionFail},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Decide(c.err), c.err.Error())
	}
}

func TestDecideTaxonomyCodes(t *testing.T) {
	assert.Equal(t, ActionDefer, Decide(sgerrors.New(sgerrors.CodeRateLimited, "x")))
	assert.Equal(t, ActionRefreshAuth, Decide(sgerrors.New(sgerrors.CodeAuthFailure, "x")))
	assert.Equal(t, ActionRetry, Decide(sgerrors.New(sgerrors.CodeTimeout, "x")))
	assert.Equal(t, ActionRetry, Decide(sgerrors.New(sgerrors.CodePoolExhausted, "x")))
	assert.Equal(t, ActionFail, Decide(sgerrors.New(sgerrors.CodeInvariant, "x")))
	assert.Equal(t, ActionFail, Decide(context.Canceled))
	assert.Equal(t, ActionRetry, Decide(fmt.Errorf("unknown")))
}

func TestExecuteRetriesTransient(t *testing.T) {
	p := NewExponentialBackoff(Config{InitialInterval: time.Millisecond, MaxRetries: 3})

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return sheets.NewClientError(sheets.ClassTransient, "blip", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	p := NewExponentialBackoff(Config{InitialInterval: time.Millisecond, MaxRetries: 5})

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return sheets.NewClientError(sheets.ClassFatal, "gone", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteHonorsMaxRetries(t *testing.T) {
	p := NewExponentialBackoff(Config{InitialInterval: time.Millisecond, MaxRetries: 3})

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return sheets.NewClientError(sheets.ClassTransient, "blip", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestNextDelayGrowsAndCaps(t *testing.T) {
	p := NewExponentialBackoff(Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     300 * time.Millisecond,
		Multiplier:      2,
		MaxRetries:      10,
	})

	d1 := p.NextDelay(1)
	assert.InDelta(t, float64(100*time.Millisecond), float64(d1), float64(20*time.Millisecond))

	d4 := p.NextDelay(4)
	assert.LessOrEqual(t, d4, 360*time.Millisecond, "capped at max interval plus jitter")
}
