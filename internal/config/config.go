package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port          string `env:"PORT" envDefault:"8080"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN" envDefault:"http://127.0.0.1:3000"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	StoreID         string            `env:"DEFAULT_STORE_ID" envDefault:"main-store"`
	DefaultTimezone string            `env:"DEFAULT_TIMEZONE" envDefault:"UTC"`
	StoreTimezones  map[string]string `env:"STORE_TIMEZONES" envKeyValSeparator:"="`

	SummaryCacheTTLSeconds int           `env:"SUMMARY_CACHE_TTL_SECONDS" envDefault:"300"`
	ReservationTimeout     time.Duration `env:"ORDER_RESERVATION_TIMEOUT" envDefault:"5s"`
	OutboxPollInterval     time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxLeaseTTL         time.Duration `env:"OUTBOX_LEASE_TTL" envDefault:"30s"`
	OutboxMaxAttempts      int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"8"`
	OutboxBatchSize        int           `env:"OUTBOX_BATCH_SIZE" envDefault:"32"`
	OutboxConsumer         string        `env:"OUTBOX_CONSUMER" envDefault:"settlement-dispatcher"`
	OutboxAttemptsDBPath   string        `env:"OUTBOX_ATTEMPTS_DB_PATH"`
	RateLimitRPS           float64       `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst         int           `env:"RATE_LIMIT_BURST" envDefault:"40"`
	OTelEndpoint           string        `env:"OTEL_ENDPOINT"`
	ShutdownTimeout        time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) SummaryCacheTTL() time.Duration {
	return time.Duration(c.SummaryCacheTTLSeconds) * time.Second
}

// Validate rejects unknown zones and non-positive tuning values.
func (c Config) Validate() error {
	if strings.TrimSpace(c.StoreID) == "" {
		return fmt.Errorf("DEFAULT_STORE_ID must not be empty")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE %q: %w", c.DefaultTimezone, err)
	}
	for storeID, zone := range c.StoreTimezones {
		if _, err := time.LoadLocation(zone); err != nil {
			return fmt.Errorf("STORE_TIMEZONES %s=%q: %w", storeID, zone, err)
		}
	}

	checks := []struct {
		name string
		ok   bool
	}{
		{"SUMMARY_CACHE_TTL_SECONDS", c.SummaryCacheTTLSeconds > 0},
		{"ORDER_RESERVATION_TIMEOUT", c.ReservationTimeout > 0},
		{"OUTBOX_POLL_INTERVAL", c.OutboxPollInterval > 0},
		{"OUTBOX_LEASE_TTL", c.OutboxLeaseTTL > 0},
		{"OUTBOX_MAX_ATTEMPTS", c.OutboxMaxAttempts > 0},
		{"OUTBOX_BATCH_SIZE", c.OutboxBatchSize > 0},
		{"RATE_LIMIT_RPS", c.RateLimitRPS > 0},
		{"RATE_LIMIT_BURST", c.RateLimitBurst > 0},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout > 0},
	}
	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("%s must be greater than zero", check.name)
		}
	}
	return nil
}
