package sheets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcraft-io/sheetgate/pkg/observability"
)

func TestBreakerPassesThrough(t *testing.T) {
	fake := NewFakeClient()
	bc := NewBreakerClient(fake, DefaultBreakerSettings(), observability.NewNoopLogger())
	ctx := context.Background()

	h, err := bc.Open(ctx, "ref")
	require.NoError(t, err)
	require.NoError(t, bc.LoadInfo(ctx, h))

	s, err := bc.EnsureSheet(ctx, h, "Sheet1", []string{"name"})
	require.NoError(t, err)
	require.NoError(t, bc.AddRows(ctx, s, []Row{{ID: "r1", Fields: map[string]interface{}{"name": "a"}}}))

	rows, err := bc.GetRows(ctx, s, "")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestBreakerOpensAfterConsecutiveTransientFailures(t *testing.T) {
	fake := NewFakeClient()
	fake.OpenErr = func(sheetRef string) error {
		return NewClientError(ClassTransient, "down", nil)
	}
	settings := DefaultBreakerSettings()
	settings.ConsecutiveFailures = 2
	bc := NewBreakerClient(fake, settings, observability.NewNoopLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := bc.Open(ctx, "ref")
		require.Error(t, err)
	}

	opensBefore := fake.Counters()["opens"]
	_, err := bc.Open(ctx, "ref")
	require.Error(t, err)
	assert.Equal(t, ClassTransient, Classify(err), "open breaker surfaces a transient error")
	assert.Equal(t, opensBefore, fake.Counters()["opens"], "open breaker fails fast without a remote call")
}

func TestBreakerIgnoresRateLimitFailures(t *testing.T) {
	fake := NewFakeClient()
	fake.OpenErr = func(sheetRef string) error {
		return NewClientError(ClassRateLimited, "quota", nil)
	}
	settings := DefaultBreakerSettings()
	settings.ConsecutiveFailures = 2
	bc := NewBreakerClient(fake, settings, observability.NewNoopLogger())
	ctx := context.Background()

	// Rate limits never trip the breaker: every call reaches the remote.
	for i := 0; i < 5; i++ {
		_, err := bc.Open(ctx, "ref")
		require.Error(t, err)
		assert.Equal(t, ClassRateLimited, Classify(err))
	}
	assert.Equal(t, int64(5), fake.Counters()["opens"])
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassTransient, Classify(assert.AnError))
	assert.Equal(t, ClassAuth, Classify(NewClientError(ClassAuth, "x", nil)))
	assert.Equal(t, ClassFatal, Classify(context.DeadlineExceeded))
}

func TestIsAuthFatal(t *testing.T) {
	assert.True(t, IsAuthFatal(&ClientError{Class: ClassAuth, AuthFatal: true}))
	assert.False(t, IsAuthFatal(NewClientError(ClassAuth, "x", nil)))
	assert.False(t, IsAuthFatal(assert.AnError))
}
