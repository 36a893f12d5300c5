// Package api exposes the health, diagnostics, and admin HTTP surface.
// Mutating admin routes require signed requests; everything else is
// read-only.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adcraft-io/sheetgate/pkg/auth"
	"github.com/adcraft-io/sheetgate/pkg/batch"
	"github.com/adcraft-io/sheetgate/pkg/cache"
	"github.com/adcraft-io/sheetgate/pkg/config"
	"github.com/adcraft-io/sheetgate/pkg/observability"
	"github.com/adcraft-io/sheetgate/pkg/pool"
	"github.com/adcraft-io/sheetgate/pkg/registry"
)

// Admin action names bound into request signatures
const (
	ActionBatchFlush      = "batch:flush"
	ActionCacheInvalidate = "cache:invalidate-tenant"
)

// Server is the sheetgate HTTP server
type Server struct {
	router *gin.Engine
	server *http.Server

	registry *registry.Registry
	pool     *pool.Pool
	batch    *batch.Coordinator
	cache    *cache.Cache
	signer   *auth.Signer
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// New creates the HTTP server and registers all routes
func New(cfg config.APIConfig, reg *registry.Registry, p *pool.Pool, b *batch.Coordinator, c *cache.Cache, signer *auth.Signer, logger observability.Logger, metrics observability.MetricsClient) *Server {
	if logger == nil {
		logger = observability.NewLogger("api")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		router:   router,
		registry: reg,
		pool:     p,
		batch:    b,
		cache:    c,
		signer:   signer,
		logger:   logger,
		metrics:  metrics,
		server: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}

	router.Use(gin.Recovery())
	router.Use(s.requestIDMiddleware())
	router.Use(s.accessLogMiddleware())

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)

	admin := s.router.Group("/admin")
	{
		admin.GET("/pool/stats", s.handlePoolStats)
		admin.GET("/pool/rate-limit/:tenantId", s.handleRateLimit)

		admin.GET("/batch/stats", s.handleBatchStats)
		admin.POST("/batch/flush", s.signer.Middleware(ActionBatchFlush), s.handleBatchFlush)

		admin.GET("/cache/stats", s.handleCacheStats)
		admin.GET("/cache/tenant/:tenantId", s.handleCacheTenant)
		admin.DELETE("/cache/tenant/:tenantId", s.signer.Middleware(ActionCacheInvalidate), s.handleCacheInvalidate)

		admin.GET("/metrics", s.metricsHandler())
	}
}

// Router exposes the gin engine for tests
func (s *Server) Router() http.Handler { return s.router }

// Start serves until Shutdown or a listener error
func (s *Server) Start() error {
	s.logger.Info("http server listening", map[string]interface{}{
		"address": s.server.Addr,
	})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request", map[string]interface{}{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
		})
	}
}

// metricsHandler serves the Prometheus exposition when the metrics client
// carries a registry, and 204 otherwise
func (s *Server) metricsHandler() gin.HandlerFunc {
	type registryCarrier interface {
		Registry() *prometheus.Registry
	}
	if pc, ok := s.metrics.(registryCarrier); ok {
		h := promhttp.HandlerFor(pc.Registry(), promhttp.HandlerOpts{})
		return gin.WrapH(h)
	}
	return func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	}
}
