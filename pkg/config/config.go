// Package config loads sheetgate configuration from an optional YAML file
// and SHEETGATE_* environment variables via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// APIConfig defines the HTTP server configuration
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	AdminSecret   string        `mapstructure:"admin_secret"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
}

// PoolConfig defines the connection pool configuration
type PoolConfig struct {
	MaxConnections         int  `mapstructure:"max_connections"`
	MaxConcurrentPerTenant int  `mapstructure:"max_concurrent_per_tenant"`
	ConnectionTTLSec       int  `mapstructure:"connection_ttl_sec"`
	AcquireTimeoutMs       int  `mapstructure:"acquire_timeout_ms"`
	SweepIntervalSec       int  `mapstructure:"sweep_interval_sec"`
	WaiterHighWatermark    int  `mapstructure:"waiter_high_watermark"`
	Prewarm                bool `mapstructure:"prewarm"`
}

// RateConfig defines the per-tenant outbound rate limits
type RateConfig struct {
	PerTenantMaxRequests int `mapstructure:"per_tenant_max_requests"`
	PerTenantWindowMs    int `mapstructure:"per_tenant_window_ms"`
}

// BatchConfig defines the batch coordinator configuration
type BatchConfig struct {
	BatchDelayMs   int `mapstructure:"batch_delay_ms"`
	MaxBatchSize   int `mapstructure:"max_batch_size"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// CacheConfig defines the tenant cache configuration
type CacheConfig struct {
	MaxSize             int     `mapstructure:"max_size"`
	ReadTTLSec          int     `mapstructure:"read_ttl_sec"`
	WriteTTLSec         int     `mapstructure:"write_ttl_sec"`
	ConfigTTLSec        int     `mapstructure:"config_ttl_sec"`
	PredictionThreshold int     `mapstructure:"prediction_threshold"`
	WarmingBatchSize    int     `mapstructure:"warming_batch_size"`
	FairnessSlack       float64 `mapstructure:"fairness_slack"`
}

// RegistryConfig defines the tenant source: an inline tenantID -> sheetRef
// map, a YAML file path, or both (inline wins on conflict).
type RegistryConfig struct {
	Tenants map[string]string `mapstructure:"tenants"`
	Path    string            `mapstructure:"path"`
}

// RedisConfig enables the shared snapshot store
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
}

// Config holds the complete application configuration
type Config struct {
	Environment string         `mapstructure:"environment"`
	API         APIConfig      `mapstructure:"api"`
	Pool        PoolConfig     `mapstructure:"pool"`
	Rate        RateConfig     `mapstructure:"rate"`
	Batch       BatchConfig    `mapstructure:"batch"`
	Cache       CacheConfig    `mapstructure:"cache"`
	Registry    RegistryConfig `mapstructure:"registry"`
	Redis       RedisConfig    `mapstructure:"redis"`
}

// Load reads configuration with defaults, an optional sheetgate.yaml, and
// SHEETGATE_* environment overrides
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("sheetgate")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/sheetgate")

	v.SetEnvPrefix("SHEETGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would violate pool or cache
// invariants at runtime
func (c *Config) Validate() error {
	if c.Pool.MaxConcurrentPerTenant <= 0 {
		return fmt.Errorf("pool.max_concurrent_per_tenant must be positive")
	}
	if c.Pool.MaxConcurrentPerTenant > c.Pool.MaxConnections {
		return fmt.Errorf("pool.max_concurrent_per_tenant (%d) exceeds pool.max_connections (%d)",
			c.Pool.MaxConcurrentPerTenant, c.Pool.MaxConnections)
	}
	if c.Rate.PerTenantMaxRequests <= 0 || c.Rate.PerTenantWindowMs <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive")
	}
	if c.Cache.FairnessSlack < 1 {
		return fmt.Errorf("cache.fairness_slack must be >= 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 15*time.Second)
	v.SetDefault("api.idle_timeout", 60*time.Second)

	v.SetDefault("pool.max_connections", 200)
	v.SetDefault("pool.max_concurrent_per_tenant", 3)
	v.SetDefault("pool.connection_ttl_sec", 300)
	v.SetDefault("pool.acquire_timeout_ms", 10000)
	v.SetDefault("pool.sweep_interval_sec", 5)
	v.SetDefault("pool.waiter_high_watermark", 32)
	v.SetDefault("pool.prewarm", false)

	v.SetDefault("rate.per_tenant_max_requests", 80)
	v.SetDefault("rate.per_tenant_window_ms", 100000)

	v.SetDefault("batch.batch_delay_ms", 100)
	v.SetDefault("batch.max_batch_size", 50)
	v.SetDefault("batch.max_batch_wait_ms", 1000)

	v.SetDefault("cache.max_size", 10000)
	v.SetDefault("cache.read_ttl_sec", 60)
	v.SetDefault("cache.write_ttl_sec", 10)
	v.SetDefault("cache.config_ttl_sec", 300)
	v.SetDefault("cache.prediction_threshold", 5)
	v.SetDefault("cache.warming_batch_size", 10)
	v.SetDefault("cache.fairness_slack", 1.5)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.database", 0)
}
