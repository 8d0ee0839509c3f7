package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the orchestrator process needs from env.
type Config struct {
	DatabaseURL string
	RedisURL    string
	HTTPAddr    string
	LogLevel    string

	WorkerCount            int
	EmptyQueueDelay        time.Duration
	LeaseTTL               time.Duration
	TransientConflictDelay time.Duration
	MaxAttemptsBeforeDLQ   int
	StepLeaseDefault       time.Duration
	OverdraftLimitCents    int64

	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// Load reads the orchestrator config from env, applying defaults for
// everything except the database URL.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		HTTPAddr:    stringOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:    stringOrDefault("LOG_LEVEL", "info"),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}

	var err error
	if cfg.WorkerCount, err = intOrDefault("WORKER_COUNT", 2); err != nil {
		return cfg, err
	}
	if cfg.EmptyQueueDelay, err = durationOrDefault("OUTBOX_EMPTY_QUEUE_DELAY", time.Second); err != nil {
		return cfg, err
	}
	if cfg.LeaseTTL, err = durationOrDefault("OUTBOX_LEASE_TTL", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.TransientConflictDelay, err = durationOrDefault("OUTBOX_TRANSIENT_CONFLICT_DELAY", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.MaxAttemptsBeforeDLQ, err = intOrDefault("OUTBOX_MAX_ATTEMPTS_BEFORE_DLQ", 10); err != nil {
		return cfg, err
	}
	if cfg.StepLeaseDefault, err = durationOrDefault("STEP_LEASE_DEFAULT", 2*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.OverdraftLimitCents, err = int64OrDefault("OVERDRAFT_LIMIT_CENTS", -5_000_000); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = durationOrDefault("HTTP_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOrDefault("HTTP_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}

	if cfg.WorkerCount < 1 {
		return cfg, fmt.Errorf("WORKER_COUNT must be >= 1")
	}
	return cfg, nil
}

func stringOrDefault(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intOrDefault(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func int64OrDefault(name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func durationOrDefault(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
