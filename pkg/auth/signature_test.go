package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcraft-io/sheetgate/pkg/observability"
)

func TestSignVerifyRoundtrip(t *testing.T) {
	s := NewSigner("secret", observability.NewNoopLogger())

	sig := s.Sign("POST", "t1", "batch:flush", "nonce-1")
	require.NoError(t, s.Verify("POST", "t1", "batch:flush", "nonce-1", sig))
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	s := NewSigner("secret", observability.NewNoopLogger())
	sig := s.Sign("POST", "t1", "batch:flush", "nonce-1")

	assert.Error(t, s.Verify("POST", "t2", "batch:flush", "nonce-1", sig))
	assert.Error(t, s.Verify("DELETE", "t1", "batch:flush", "nonce-1", sig))
	assert.Error(t, s.Verify("POST", "t1", "cache:invalidate-tenant", "nonce-1", sig))
	assert.Error(t, s.Verify("POST", "t1", "batch:flush", "nonce-2", sig))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := NewSigner("secret", observability.NewNoopLogger())
	other := NewSigner("different", observability.NewNoopLogger())

	sig := other.Sign("POST", "t1", "batch:flush", "nonce-1")
	assert.Error(t, signer.Verify("POST", "t1", "batch:flush", "nonce-1", sig))
}

func TestNonceReplayRejected(t *testing.T) {
	s := NewSigner("secret", observability.NewNoopLogger())
	sig := s.Sign("POST", "t1", "batch:flush", "nonce-1")

	require.NoError(t, s.Verify("POST", "t1", "batch:flush", "nonce-1", sig))
	err := s.Verify("POST", "t1", "batch:flush", "nonce-1", sig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replayed")
}

func TestVerifyRequiresNonceAndSignature(t *testing.T) {
	s := NewSigner("secret", observability.NewNoopLogger())
	assert.Error(t, s.Verify("POST", "t1", "batch:flush", "", "sig"))
	assert.Error(t, s.Verify("POST", "t1", "batch:flush", "nonce", ""))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewSigner("secret", observability.NewNoopLogger())

	router := gin.New()
	router.POST("/flush", s.Middleware("batch:flush"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	t.Run("unsigned request rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/flush", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("signed request accepted", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/flush", nil)
		req.Header.Set(HeaderTenant, "t1")
		req.Header.Set(HeaderAction, "batch:flush")
		req.Header.Set(HeaderNonce, "nonce-mw-1")
		req.Header.Set(HeaderSignature, s.Sign("POST", "t1", "batch:flush", "nonce-mw-1"))
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("action mismatch rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/flush", nil)
		req.Header.Set(HeaderTenant, "t1")
		req.Header.Set(HeaderAction, "cache:invalidate-tenant")
		req.Header.Set(HeaderNonce, "nonce-mw-2")
		req.Header.Set(HeaderSignature, s.Sign("POST", "t1", "cache:invalidate-tenant", "nonce-mw-2"))
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("replayed nonce rejected", func(t *testing.T) {
		sig := s.Sign("POST", "t1", "batch:flush", "nonce-mw-3")
		for i, want := range []int{http.StatusOK, http.StatusForbidden} {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/flush", nil)
			req.Header.Set(HeaderTenant, "t1")
			req.Header.Set(HeaderAction, "batch:flush")
			req.Header.Set(HeaderNonce, "nonce-mw-3")
			req.Header.Set(HeaderSignature, sig)
			router.ServeHTTP(w, req)
			assert.Equal(t, want, w.Code, "attempt %d", i)
		}
	})
}
