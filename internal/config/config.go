// Package config loads and validates all runtime configuration for the relay.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Postgres and APPLICATION_SECRET are required. Redis is optional — without
// REDIS_HOST the usage engine runs in local-only mode and every limit check
// aggregates from the relational store. ClickHouse is optional and only
// mirrors request logs for analytics.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// ApplicationSecret seeds the envelope cipher for stored API keys.
	// Changing it invalidates every stored key and every virtual key id.
	// Required.
	ApplicationSecret string

	// DB is the Postgres system of record.
	DB DBConfig

	// Redis backs the shared usage counters. Optional.
	Redis RedisConfig

	// ClickHouseURL enables the request-log analytics mirror when set.
	// Example: clickhouse://localhost:9000/relay
	ClickHouseURL string

	// Writers tunes the background telemetry consumers.
	Writers WritersConfig

	// GraphCacheTTL bounds staleness of the local graph skeleton cache.
	// Default: 5s.
	GraphCacheTTL time.Duration

	// ProviderTimeout is the per-attempt upstream HTTP timeout. Default: 30s.
	ProviderTimeout time.Duration
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Pool bounds for pgxpool. Defaults: 2 / 10.
	PoolMin int32
	PoolMax int32
}

// DSN renders the pgx connection string.
func (d DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// RedisConfig holds Redis connection settings. An empty Host disables the
// shared counter cache.
type RedisConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Addr renders the host:port pair.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Enabled reports whether a Redis backend is configured.
func (r RedisConfig) Enabled() bool { return r.Host != "" }

// WritersConfig tunes the two batch consumers. The usage writer runs on a
// much tighter cadence because admission control reads its counters.
type WritersConfig struct {
	// LogFlushInterval / LogFlushBatch control the request-log writer.
	// Defaults: 750ms / 500.
	LogFlushInterval time.Duration
	LogFlushBatch    int

	// UsageFlushInterval / UsageFlushBatch control the counter writer.
	// Defaults: 50ms / 10.
	UsageFlushInterval time.Duration
	UsageFlushBatch    int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_NAME", "relay")
	v.SetDefault("DB_POOL_MIN", 2)
	v.SetDefault("DB_POOL_MAX", 10)

	v.SetDefault("REDIS_PORT", 6379)

	v.SetDefault("LOG_FLUSH_MS", 750)
	v.SetDefault("LOG_FLUSH_BATCH", 500)
	v.SetDefault("USAGE_FLUSH_MS", 50)
	v.SetDefault("USAGE_FLUSH_BATCH", 10)

	v.SetDefault("LOCAL_GRAPH_TTL_MS", 5000)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		ApplicationSecret: v.GetString("APPLICATION_SECRET"),

		DB: DBConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASS"),
			Name:     v.GetString("DB_NAME"),
			PoolMin:  v.GetInt32("DB_POOL_MIN"),
			PoolMax:  v.GetInt32("DB_POOL_MAX"),
		},

		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			User:     v.GetString("REDIS_USER"),
			Password: v.GetString("REDIS_PASS"),
		},

		ClickHouseURL: v.GetString("CLICKHOUSE_URL"),

		Writers: WritersConfig{
			LogFlushInterval:   time.Duration(v.GetInt("LOG_FLUSH_MS")) * time.Millisecond,
			LogFlushBatch:      v.GetInt("LOG_FLUSH_BATCH"),
			UsageFlushInterval: time.Duration(v.GetInt("USAGE_FLUSH_MS")) * time.Millisecond,
			UsageFlushBatch:    v.GetInt("USAGE_FLUSH_BATCH"),
		},

		GraphCacheTTL:   time.Duration(v.GetInt("LOCAL_GRAPH_TTL_MS")) * time.Millisecond,
		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if c.ApplicationSecret == "" {
		return fmt.Errorf("config: APPLICATION_SECRET is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.DB.Host == "" || c.DB.Name == "" || c.DB.User == "" {
		return fmt.Errorf("config: DB_HOST, DB_USER, and DB_NAME are required")
	}
	if c.DB.PoolMin < 0 || c.DB.PoolMax < 1 || c.DB.PoolMin > c.DB.PoolMax {
		return fmt.Errorf("config: invalid pool bounds %d/%d", c.DB.PoolMin, c.DB.PoolMax)
	}

	if c.Writers.LogFlushInterval <= 0 || c.Writers.UsageFlushInterval <= 0 {
		return fmt.Errorf("config: writer flush intervals must be positive")
	}
	if c.Writers.LogFlushBatch < 1 || c.Writers.UsageFlushBatch < 1 {
		return fmt.Errorf("config: writer batch sizes must be ≥ 1")
	}

	if c.GraphCacheTTL <= 0 {
		return fmt.Errorf("config: LOCAL_GRAPH_TTL_MS must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
