package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"

	"github.com/atlasdesk/mailroom/internal/domain"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	// RelayURL points at the mail relay; the literal "stdout" selects
	// the log-only transport for local runs.
	RelayURL string `env:"RELAY_URL,required=true"`

	RateLimitStarts    int `env:"RATE_LIMIT_STARTS,default=100"`
	RateLimitWindowSec int `env:"RATE_LIMIT_WINDOW_SEC,default=60"`

	WorkerConcurrency int `env:"WORKER_CONCURRENCY,default=16"`
	StallIntervalSec  int `env:"STALL_INTERVAL_SEC,default=30"`
	MaxStalledCount   int `env:"MAX_STALLED_COUNT,default=2"`

	MaxAttempts         int `env:"MAX_ATTEMPTS,default=3"`
	BackoffBaseMs       int `env:"BACKOFF_BASE_MS,default=2000"`
	CompletedMaxAgeHour int `env:"COMPLETED_MAX_AGE_HOURS,default=24"`
	CompletedMaxCount   int `env:"COMPLETED_MAX_COUNT,default=1000"`
	FailedMaxAgeHour    int `env:"FAILED_MAX_AGE_HOURS,default=168"`

	// CategoryMaxAttempts overrides per-category retry budgets as a
	// CSV of category=attempts pairs, e.g. "marketing=2,admin=5".
	CategoryMaxAttempts string `env:"CATEGORY_MAX_ATTEMPTS,default="`

	RetrySchedule     string `env:"RETRY_SCHEDULE,default=@every 5m"`
	RetentionSchedule string `env:"RETENTION_SCHEDULE,default=@every 24h"`
	DrainSchedule     string `env:"DRAIN_SCHEDULE,default=@every 1m"`
	HealthSchedule    string `env:"HEALTH_SCHEDULE,default=@every 30s"`

	RetrySweepLimit   int `env:"RETRY_SWEEP_LIMIT,default=100"`
	SentRetentionDays int `env:"SENT_RETENTION_DAYS,default=90"`
	WaitingThreshold  int `env:"WAITING_THRESHOLD,default=1000"`
	FailedThreshold   int `env:"FAILED_THRESHOLD,default=100"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := cfg.CategoryAttempts(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSec) * time.Second
}

func (c *Config) StallInterval() time.Duration {
	return time.Duration(c.StallIntervalSec) * time.Second
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c *Config) CompletedMaxAge() time.Duration {
	return time.Duration(c.CompletedMaxAgeHour) * time.Hour
}

func (c *Config) FailedMaxAge() time.Duration {
	return time.Duration(c.FailedMaxAgeHour) * time.Hour
}

func (c *Config) SentRetention() time.Duration {
	return time.Duration(c.SentRetentionDays) * 24 * time.Hour
}

// CategoryAttempts parses the per-category retry overrides. Unknown
// categories and malformed pairs are rejected at startup rather than
// surfacing as silent default budgets later.
func (c *Config) CategoryAttempts() (map[domain.Category]int, error) {
	overrides := make(map[domain.Category]int)

	raw := strings.TrimSpace(c.CategoryMaxAttempts)
	if raw == "" {
		return overrides, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		name, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("invalid category attempts pair %q: expected category=attempts", pair)
		}

		category, err := domain.ParseCategoryFromString(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("invalid category attempts pair %q: %w", pair, err)
		}

		attempts, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || attempts < 1 {
			return nil, fmt.Errorf("invalid category attempts pair %q: attempts must be a positive integer", pair)
		}

		overrides[category] = attempts
	}

	return overrides, nil
}
