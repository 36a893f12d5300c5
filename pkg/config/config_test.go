package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.API.ListenAddress)
	assert.Equal(t, 200, cfg.Pool.MaxConnections)
	assert.Equal(t, 3, cfg.Pool.MaxConcurrentPerTenant)
	assert.Equal(t, 80, cfg.Rate.PerTenantMaxRequests)
	assert.Equal(t, 100, cfg.Batch.BatchDelayMs)
	assert.Equal(t, 50, cfg.Batch.MaxBatchSize)
	assert.Equal(t, 10000, cfg.Cache.MaxSize)
	assert.Equal(t, 1.5, cfg.Cache.FairnessSlack)
	assert.False(t, cfg.Redis.Enabled)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("SHEETGATE_POOL_MAX_CONNECTIONS", "42")
	t.Setenv("SHEETGATE_RATE_PER_TENANT_MAX_REQUESTS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Pool.MaxConnections)
	assert.Equal(t, 7, cfg.Rate.PerTenantMaxRequests)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cfg := &Config{}
	cfg.Pool.MaxConnections = 2
	cfg.Pool.MaxConcurrentPerTenant = 5
	cfg.Rate.PerTenantMaxRequests = 10
	cfg.Rate.PerTenantWindowMs = 1000
	cfg.Cache.MaxSize = 100
	cfg.Cache.FairnessSlack = 1.5
	assert.Error(t, cfg.Validate())

	cfg.Pool.MaxConcurrentPerTenant = 2
	require.NoError(t, cfg.Validate())

	cfg.Pool.MaxConcurrentPerTenant = 0
	assert.Error(t, cfg.Validate())

	cfg.Pool.MaxConcurrentPerTenant = 2
	cfg.Rate.PerTenantMaxRequests = 0
	assert.Error(t, cfg.Validate())

	cfg.Rate.PerTenantMaxRequests = 10
	cfg.Cache.MaxSize = 0
	assert.Error(t, cfg.Validate())

	cfg.Cache.MaxSize = 100
	cfg.Cache.FairnessSlack = 0.5
	assert.Error(t, cfg.Validate())
}
