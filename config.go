package jobcoord

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the environment-driven configuration, read once at process
// startup. There is no hot reload.
type Config struct {
	RedisURL          string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"5"`
	RateLimitMax      int    `env:"RATE_LIMIT_MAX" envDefault:"0"`
	RateLimitWindowMs int    `env:"RATE_LIMIT_WINDOW_MS" envDefault:"1000"`
	ScanIntervalMs    int    `env:"SCAN_INTERVAL_MS" envDefault:"5000"`
	LockTTLMs         int    `env:"LOCK_TTL_MS" envDefault:"30000"`
}

// LoadConfig parses the configuration from the environment.
func LoadConfig() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ScanInterval is the poll interval used by interval triggers.
func (c Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMs) * time.Millisecond
}

// RateLimitWindow is the window over which RateLimitMax applies.
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMs) * time.Millisecond
}

// LockTTL is the default lock time-to-live.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMs) * time.Millisecond
}
