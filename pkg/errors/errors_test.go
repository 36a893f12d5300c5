package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeRateLimited, CodeOf(New(CodeRateLimited, "slow down")))
	assert.Equal(t, CodeTimeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, CodeCancelled, CodeOf(context.Canceled))
	assert.Equal(t, CodeInvariant, CodeOf(fmt.Errorf("unclassified")))
}

func TestCodeOfWrappedChain(t *testing.T) {
	inner := New(CodePoolExhausted, "no slots")
	outer := fmt.Errorf("acquire: %w", inner)
	assert.Equal(t, CodePoolExhausted, CodeOf(outer))
	assert.True(t, IsCode(outer, CodePoolExhausted))
	assert.False(t, IsCode(outer, CodeTimeout))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("tcp reset")
	err := Wrap(CodeTimeout, "fetch failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "tcp reset")
}

func TestWithRetryAfter(t *testing.T) {
	base := New(CodeRateLimited, "slow down")
	withHint := base.WithRetryAfter(3 * time.Second)

	assert.Equal(t, 3*time.Second, RetryAfterOf(withHint))
	assert.Equal(t, time.Duration(0), RetryAfterOf(base), "the original is untouched")
	assert.Equal(t, time.Duration(0), RetryAfterOf(fmt.Errorf("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeTenantUnknown: http.StatusNotFound,
		CodeNotFound:      http.StatusNotFound,
		CodeRateLimited:   http.StatusTooManyRequests,
		CodePoolExhausted: http.StatusServiceUnavailable,
		CodeAuthFailure:   http.StatusBadGateway,
		CodeTimeout:       http.StatusGatewayTimeout,
		CodeConflict:      http.StatusConflict,
		CodeInvariant:     http.StatusInternalServerError,
		CodeCancelled:     499,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(code, "x")), string(code))
	}
}
