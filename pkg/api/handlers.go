package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adcraft-io/sheetgate/pkg/auth"
	sgerrors "github.com/adcraft-io/sheetgate/pkg/errors"
)

// handleHealth reports liveness with summary counters
func (s *Server) handleHealth(c *gin.Context) {
	poolStats := s.pool.Stats()
	cacheStats := s.cache.Stats()
	batchStats := s.batch.Stats()

	respondOK(c, http.StatusOK, gin.H{
		"status":  "healthy",
		"tenants": s.registry.Count(),
		"pool": gin.H{
			"total":  poolStats.Total,
			"active": poolStats.Active,
			"idle":   poolStats.Idle,
		},
		"cache": gin.H{
			"hit_rate": cacheStats.HitRate,
			"entries":  cacheStats.Entries,
		},
		"batch": gin.H{
			"enqueued": batchStats.Enqueued,
			"flushed":  batchStats.Flushed,
		},
	})
}

func (s *Server) handlePoolStats(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{"stats": s.pool.Stats()})
}

func (s *Server) handleRateLimit(c *gin.Context) {
	info, err := s.pool.RateLimitInfo(c.Param("tenantId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"tenant_id":    info.TenantID,
		"capacity":     info.Capacity,
		"remaining":    info.Remaining,
		"reset_in_sec": info.ResetIn.Seconds(),
	})
}

func (s *Server) handleBatchStats(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{"stats": s.batch.Stats()})
}

// handleBatchFlush force-flushes all queues, or one tenant's queues when
// the body names it
func (s *Server) handleBatchFlush(c *gin.Context) {
	var body struct {
		TenantID string `json:"tenant_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			respondErr(c, sgerrors.Wrap(sgerrors.CodeInvariant, "malformed flush request", err))
			return
		}
	}

	if body.TenantID != "" {
		s.batch.FlushAll(c.Request.Context(), body.TenantID)
	} else {
		s.batch.FlushAll(c.Request.Context())
	}
	respondOK(c, http.StatusOK, gin.H{"stats": s.batch.Stats()})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{"stats": s.cache.Stats()})
}

func (s *Server) handleCacheTenant(c *gin.Context) {
	tenantID := c.Param("tenantId")
	if _, err := s.registry.Resolve(tenantID); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"tenant_id": tenantID,
		"stats":     s.cache.TenantStats(tenantID),
	})
}

// handleCacheInvalidate drops every cache entry of one tenant. The signed
// tenant header must match the path parameter.
func (s *Server) handleCacheInvalidate(c *gin.Context) {
	tenantID := c.Param("tenantId")
	if c.GetHeader(auth.HeaderTenant) != tenantID {
		c.JSON(http.StatusForbidden, gin.H{
			"ok":    false,
			"code":  "auth-failure",
			"error": "signed tenant does not match path",
		})
		return
	}
	s.cache.InvalidateTenant(tenantID)
	respondOK(c, http.StatusOK, gin.H{"tenant_id": tenantID, "invalidated": true})
}
