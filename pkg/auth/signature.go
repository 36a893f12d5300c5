// Package auth implements request signing for the mutating admin surface:
// HMAC-SHA256 over the request identity plus a single-use nonce.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/adcraft-io/sheetgate/pkg/observability"
)

// Signed request headers
const (
	HeaderTenant    = "X-Sheetgate-Tenant"
	HeaderAction    = "X-Sheetgate-Action"
	HeaderNonce     = "X-Sheetgate-Nonce"
	HeaderSignature = "X-Sheetgate-Signature"
)

// NonceWindow is how long a nonce stays burned. Signatures older than the
// window are rejected by virtue of the nonce cache retaining them.
const NonceWindow = 5 * time.Minute

// Signer signs and verifies admin requests with a shared secret
type Signer struct {
	secret []byte

	mu     sync.Mutex
	nonces map[string]time.Time
	logger observability.Logger
}

// NewSigner creates a signer for the shared admin secret
func NewSigner(secret string, logger observability.Logger) *Signer {
	if logger == nil {
		logger = observability.NewLogger("auth")
	}
	return &Signer{
		secret: []byte(secret),
		nonces: make(map[string]time.Time),
		logger: logger,
	}
}

// Sign computes the hex signature for a request
func (s *Signer) Sign(method, tenantID, action, nonce string) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%s:%s:%s", strings.ToUpper(method), tenantID, action, nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature and burns the nonce. A reused nonce fails
// even with a valid signature.
func (s *Signer) Verify(method, tenantID, action, nonce, signature string) error {
	if nonce == "" || signature == "" {
		return fmt.Errorf("missing nonce or signature")
	}

	expected := s.Sign(method, tenantID, action, nonce)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	if _, seen := s.nonces[nonce]; seen {
		return fmt.Errorf("nonce replayed")
	}
	s.nonces[nonce] = now
	return nil
}

// pruneLocked drops nonces older than the window. Caller holds the lock.
func (s *Signer) pruneLocked(now time.Time) {
	cutoff := now.Add(-NonceWindow)
	for n, t := range s.nonces {
		if t.Before(cutoff) {
			delete(s.nonces, n)
		}
	}
}

// Middleware rejects unsigned or replayed mutating requests with 403. The
// action the caller signed must match the route's action name.
func (s *Signer) Middleware(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(HeaderTenant)
		gotAction := c.GetHeader(HeaderAction)
		nonce := c.GetHeader(HeaderNonce)
		signature := c.GetHeader(HeaderSignature)

		if gotAction != action {
			s.reject(c, tenantID, "action mismatch")
			return
		}
		if err := s.Verify(c.Request.Method, tenantID, gotAction, nonce, signature); err != nil {
			s.reject(c, tenantID, err.Error())
			return
		}
		c.Next()
	}
}

func (s *Signer) reject(c *gin.Context, tenantID, reason string) {
	s.logger.Warn("rejected admin request", map[string]interface{}{
		"tenant_id": tenantID,
		"path":      c.Request.URL.Path,
		"reason":    reason,
	})
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"ok":    false,
		"code":  "auth-failure",
		"error": "invalid request signature",
	})
}
