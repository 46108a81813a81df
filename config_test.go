package jobcoord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	require.Equal(t, 5, cfg.WorkerConcurrency)
	require.Equal(t, 5*time.Second, cfg.ScanInterval())
	require.Equal(t, time.Second, cfg.RateLimitWindow())
	require.Equal(t, 30*time.Second, cfg.LockTTL())
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://redis.internal:6380/1")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("LOCK_TTL_MS", "45000")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "redis://redis.internal:6380/1", cfg.RedisURL)
	require.Equal(t, 12, cfg.WorkerConcurrency)
	require.Equal(t, 45*time.Second, cfg.LockTTL())
}
