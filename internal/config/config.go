// Package config loads application configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server
	Port           string
	Env            string // development, staging, production
	LogLevel       string // debug, info, warn, error
	LogFormat      string // json, text
	AllowedOrigins []string

	// Persistence. Empty means the in-memory stores (demo/dev mode).
	DatabaseURL string

	// Tracing. Empty disables the OTLP exporter.
	OTLPEndpoint string

	// FeeProviderPercent is the provider's share of a released escrow,
	// in whole percent. The platform keeps the remainder as its fee.
	FeeProviderPercent int64

	// Auto-confirm scheduler
	SchedulerInterval  time.Duration
	SchedulerWarmup    time.Duration
	ConfirmGraceWindow time.Duration
	StaleTimeout       time.Duration
	SchedulerBatchSize int

	// Reconciliation
	ReconcileInterval time.Duration
	DriftTolerance    int64 // VND

	// Rate limiting
	RateLimitPerMinute int
	RateLimitBurst     int
}

// Load reads configuration from the environment, with .env support for
// local development. Missing values fall back to defaults.
func Load() (*Config, error) {
	// Best effort; absence of .env is normal outside local dev.
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("APP_ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "")),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		FeeProviderPercent: getEnvInt64("FEE_PROVIDER_PERCENT", 95),

		SchedulerInterval:  getEnvDuration("SCHEDULER_INTERVAL", time.Minute),
		SchedulerWarmup:    getEnvDuration("SCHEDULER_WARMUP", 5*time.Second),
		ConfirmGraceWindow: getEnvDuration("CONFIRM_GRACE_WINDOW", 5*time.Minute),
		StaleTimeout:       getEnvDuration("STALE_TIMEOUT", 24*time.Hour),
		SchedulerBatchSize: getEnvInt("SCHEDULER_BATCH_SIZE", 100),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		DriftTolerance:    getEnvInt64("DRIFT_TOLERANCE_VND", 100),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 20),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.FeeProviderPercent < 0 || c.FeeProviderPercent > 100 {
		return fmt.Errorf("FEE_PROVIDER_PERCENT must be between 0 and 100, got %d", c.FeeProviderPercent)
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive, got %s", c.SchedulerInterval)
	}
	if c.ConfirmGraceWindow < 0 {
		return fmt.Errorf("CONFIRM_GRACE_WINDOW must not be negative, got %s", c.ConfirmGraceWindow)
	}
	if c.StaleTimeout <= c.ConfirmGraceWindow {
		return fmt.Errorf("STALE_TIMEOUT (%s) must exceed CONFIRM_GRACE_WINDOW (%s)", c.StaleTimeout, c.ConfirmGraceWindow)
	}
	if c.DriftTolerance < 0 {
		return fmt.Errorf("DRIFT_TOLERANCE_VND must not be negative, got %d", c.DriftTolerance)
	}
	if c.SchedulerBatchSize <= 0 {
		return fmt.Errorf("SCHEDULER_BATCH_SIZE must be positive, got %d", c.SchedulerBatchSize)
	}
	return nil
}

// IsProduction reports whether the app runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
