// Command sheetgate runs the sheet gateway: tenant registry, connection
// pool, batch coordinator, tenant cache, and the health/admin HTTP surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adcraft-io/sheetgate/pkg/api"
	"github.com/adcraft-io/sheetgate/pkg/auth"
	"github.com/adcraft-io/sheetgate/pkg/batch"
	"github.com/adcraft-io/sheetgate/pkg/cache"
	commoncache "github.com/adcraft-io/sheetgate/pkg/common/cache"
	"github.com/adcraft-io/sheetgate/pkg/config"
	"github.com/adcraft-io/sheetgate/pkg/events"
	"github.com/adcraft-io/sheetgate/pkg/gate"
	"github.com/adcraft-io/sheetgate/pkg/observability"
	"github.com/adcraft-io/sheetgate/pkg/pool"
	"github.com/adcraft-io/sheetgate/pkg/registry"
	"github.com/adcraft-io/sheetgate/pkg/sheets"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	logger := observability.NewLogger("sheetgate")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	metrics := observability.NewPrometheusMetricsClient("sheetgate")
	bus := events.NewBus(logger.WithPrefix("events"))

	var regOpts []registry.Option
	var snapshot commoncache.Cache
	if cfg.Redis.Enabled {
		rc, rerr := commoncache.NewRedisCache(commoncache.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			Database: cfg.Redis.Database,
		})
		if rerr != nil {
			logger.Warn("redis unavailable; registry snapshots disabled", map[string]interface{}{
				"address": cfg.Redis.Address,
				"error":   rerr.Error(),
			})
		} else {
			snapshot = rc
			regOpts = append(regOpts, registry.WithSnapshot(rc))
		}
	}

	reg, err := registry.New(cfg.Registry, bus, logger.WithPrefix("registry"), regOpts...)
	if err != nil {
		logger.Fatal("failed to load tenant registry", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// The fake client stands in until a real document backend is wired;
	// the breaker shields the rest of the system either way.
	client := sheets.NewBreakerClient(sheets.NewFakeClient(), sheets.DefaultBreakerSettings(), logger.WithPrefix("sheets"))

	connPool := pool.New(pool.Config{
		MaxGlobalConnections:   cfg.Pool.MaxConnections,
		MaxConcurrentPerTenant: cfg.Pool.MaxConcurrentPerTenant,
		ConnectionTTL:          time.Duration(cfg.Pool.ConnectionTTLSec) * time.Second,
		AcquireTimeout:         time.Duration(cfg.Pool.AcquireTimeoutMs) * time.Millisecond,
		SweepInterval:          time.Duration(cfg.Pool.SweepIntervalSec) * time.Second,
		WaiterHighWatermark:    cfg.Pool.WaiterHighWatermark,
		PerTenantMaxRequests:   cfg.Rate.PerTenantMaxRequests,
		PerTenantWindow:        time.Duration(cfg.Rate.PerTenantWindowMs) * time.Millisecond,
	}, reg, client, logger.WithPrefix("pool"), metrics)
	connPool.Bind(bus)

	coordinator := batch.New(batch.Config{
		BatchDelay:   time.Duration(cfg.Batch.BatchDelayMs) * time.Millisecond,
		MaxBatchSize: cfg.Batch.MaxBatchSize,
		MaxBatchWait: time.Duration(cfg.Batch.MaxBatchWaitMs) * time.Millisecond,
	}, connPool, client, bus, logger.WithPrefix("batch"), metrics)

	tenantCache := cache.New(cache.Config{
		MaxSize:       cfg.Cache.MaxSize,
		ReadTTL:       time.Duration(cfg.Cache.ReadTTLSec) * time.Second,
		WriteTTL:      time.Duration(cfg.Cache.WriteTTLSec) * time.Second,
		ConfigTTL:     time.Duration(cfg.Cache.ConfigTTLSec) * time.Second,
		FairnessSlack: cfg.Cache.FairnessSlack,
	}, logger.WithPrefix("cache"), metrics)
	tenantCache.Bind(bus)

	gw := gate.New(connPool, coordinator, tenantCache, client, logger.WithPrefix("gate"), metrics)

	warmerCfg := cache.DefaultWarmerConfig()
	warmerCfg.Threshold = cfg.Cache.PredictionThreshold
	warmerCfg.BatchSize = cfg.Cache.WarmingBatchSize
	warmer := cache.NewWarmer(warmerCfg, gw.Warm, logger.WithPrefix("warmer"), metrics)
	gw.AttachWarmer(warmer)

	signer := auth.NewSigner(cfg.API.AdminSecret, logger.WithPrefix("auth"))
	server := api.New(cfg.API, reg, connPool, coordinator, tenantCache, signer, logger.WithPrefix("api"), metrics)

	ctx := context.Background()
	connPool.Start(ctx)
	warmer.Start(ctx)
	if cfg.Pool.Prewarm {
		connPool.Prewarm(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("sheetgate started", map[string]interface{}{
		"environment": cfg.Environment,
		"address":     cfg.API.ListenAddress,
		"tenants":     reg.Count(),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	case serr := <-errCh:
		if serr != nil {
			logger.Error("http server failed", map[string]interface{}{"error": serr.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Pending writes land before anything that serves them goes away.
	if err := coordinator.Stop(shutdownCtx); err != nil {
		logger.Warn("batch coordinator stop reported errors", map[string]interface{}{"error": err.Error()})
	}
	_ = warmer.Stop(shutdownCtx)
	_ = connPool.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown reported errors", map[string]interface{}{"error": err.Error()})
	}
	if snapshot != nil {
		_ = snapshot.Close()
	}
	_ = metrics.Close()

	logger.Info("sheetgate stopped", nil)
}
