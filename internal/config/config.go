// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`

	Idempotency IdempotencyConfig `envPrefix:"IDEMPOTENCY_"`
	Cache       CacheConfig       `envPrefix:"CACHE_"`

	// SlowRequestThreshold is the duration above which the pipeline
	// reports a slow-request warning.
	SlowRequestThreshold time.Duration `env:"SLOW_REQUEST_THRESHOLD" envDefault:"500ms"`
}

// IdempotencyConfig holds idempotency-guard configuration
type IdempotencyConfig struct {
	KeyMinLength int           `env:"KEY_MIN_LENGTH" envDefault:"16"`
	KeyMaxLength int           `env:"KEY_MAX_LENGTH" envDefault:"128"`
	CompletedTTL time.Duration `env:"COMPLETED_TTL" envDefault:"24h"`
	InFlightTTL  time.Duration `env:"IN_FLIGHT_TTL" envDefault:"1m"`
}

// CacheConfig holds per-operation response cache TTLs
type CacheConfig struct {
	ProductTTL     time.Duration `env:"PRODUCT_TTL" envDefault:"60s"`
	ProductListTTL time.Duration `env:"PRODUCT_LIST_TTL" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the configuration values are usable
func (c Config) Validate() error {
	if c.Idempotency.KeyMinLength < 1 {
		return fmt.Errorf("IDEMPOTENCY_KEY_MIN_LENGTH must be at least 1, got %d", c.Idempotency.KeyMinLength)
	}
	if c.Idempotency.KeyMaxLength < c.Idempotency.KeyMinLength {
		return fmt.Errorf("IDEMPOTENCY_KEY_MAX_LENGTH must be >= %d, got %d", c.Idempotency.KeyMinLength, c.Idempotency.KeyMaxLength)
	}
	if c.Idempotency.CompletedTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_COMPLETED_TTL must be positive, got %s", c.Idempotency.CompletedTTL)
	}
	if c.Idempotency.InFlightTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_IN_FLIGHT_TTL must be positive, got %s", c.Idempotency.InFlightTTL)
	}
	return nil
}

// HasDatabase returns true if a Postgres product store is configured
func (c Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// HasRedis returns true if a shared Redis store is configured
func (c Config) HasRedis() bool {
	return c.RedisAddr != ""
}
