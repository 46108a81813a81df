package jobcoord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alphagrid/jobcoord/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*mrd.Miniredis, *redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		s.Close()
	}
	return s, rdb, cleanup
}

func TestLockManager_AcquireRelease(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	m := NewLockManager(rdb, nil)

	require.True(t, m.Acquire(ctx, "res-1", time.Minute))
	require.True(t, m.IsLocked(ctx, "res-1"))
	require.False(t, m.Acquire(ctx, "res-1", time.Minute))

	m.Release(ctx, "res-1")
	require.False(t, m.IsLocked(ctx, "res-1"))
	require.True(t, m.Acquire(ctx, "res-1", time.Minute))
}

func TestLockManager_ConcurrentAcquire_ExactlyOne(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	m := NewLockManager(rdb, nil)

	const n = 20
	var won int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire(ctx, "hot", time.Minute) {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), won)
}

func TestLockManager_ReleaseDoesNotStealForeignLock(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	a := NewLockManager(rdb, nil)
	b := NewLockManager(rdb, nil)

	require.True(t, a.Acquire(ctx, "shared", time.Minute))
	// b never acquired it, so its release must be a no-op.
	b.Release(ctx, "shared")
	require.True(t, a.IsLocked(ctx, "shared"))

	// Even if b's table had a stale token, the script checks ownership.
	require.True(t, b.Acquire(ctx, "other", time.Minute))
	b.Release(ctx, "other")
	require.True(t, a.IsLocked(ctx, "shared"))
}

func TestLockManager_ReleaseAfterExpiryAndTakeover(t *testing.T) {
	s, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	a := NewLockManager(rdb, nil)
	b := NewLockManager(rdb, nil)

	require.True(t, a.Acquire(ctx, "job", 50*time.Millisecond))
	s.FastForward(100 * time.Millisecond)
	require.True(t, b.Acquire(ctx, "job", time.Minute))

	// a's release targets a lock b now owns; the token check protects it.
	a.Release(ctx, "job")
	require.True(t, b.IsLocked(ctx, "job"))
}

func TestLockManager_Extend(t *testing.T) {
	s, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	m := NewLockManager(rdb, nil)

	require.False(t, m.Extend(ctx, "never-held", time.Minute))

	require.True(t, m.Acquire(ctx, "res", 100*time.Millisecond))
	require.True(t, m.Extend(ctx, "res", time.Minute))
	s.FastForward(200 * time.Millisecond)
	require.True(t, m.IsLocked(ctx, "res"))

	// Once the lock expires, extending reports loss.
	s.FastForward(2 * time.Minute)
	require.False(t, m.Extend(ctx, "res", time.Minute))
}

func TestLockManager_WithLock(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	m := NewLockManager(rdb, nil)

	ran := false
	out, err := m.WithLock(ctx, "wl", time.Minute, func(ctx context.Context) error {
		ran = true
		require.True(t, m.IsLocked(ctx, "wl"))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, LockCompleted, out)
	require.True(t, ran)
	require.False(t, m.IsLocked(ctx, "wl"))
}

func TestLockManager_WithLock_ReleasesOnError(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	m := NewLockManager(rdb, nil)

	boom := errors.New("boom")
	out, err := m.WithLock(ctx, "wl-err", time.Minute, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, LockCompleted, out)
	require.False(t, m.IsLocked(ctx, "wl-err"))
}

func TestLockManager_WithLock_SkipsWhenHeld(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	holder := NewLockManager(rdb, nil)
	m := NewLockManager(rdb, nil)

	require.True(t, holder.Acquire(ctx, "busy", time.Minute))
	out, err := m.WithLock(ctx, "busy", time.Minute, func(ctx context.Context) error {
		t.Fatal("fn must not run while the lock is held elsewhere")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, LockSkipped, out)
	require.True(t, holder.IsLocked(ctx, "busy"))
}

func TestLockManager_WaitFor(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	holder := NewLockManager(rdb, nil)
	m := NewLockManager(rdb, nil)

	require.True(t, m.WaitFor(ctx, "free", 100*time.Millisecond, time.Minute))
	m.Release(ctx, "free")

	require.True(t, holder.Acquire(ctx, "held", time.Minute))
	go func() {
		time.Sleep(150 * time.Millisecond)
		holder.Release(context.Background(), "held")
	}()
	require.True(t, m.WaitFor(ctx, "held", 2*time.Second, time.Minute))
}

func TestLockManager_WaitFor_Timeout(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	holder := NewLockManager(rdb, nil)
	m := NewLockManager(rdb, nil)

	require.True(t, holder.Acquire(ctx, "stuck", time.Minute))
	start := time.Now()
	require.False(t, m.WaitFor(ctx, "stuck", 250*time.Millisecond, time.Minute))
	require.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestLockManager_StorageKeyPrefix(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	m := NewLockManager(rdb, nil)

	require.True(t, m.Acquire(ctx, "signal-execution:s1:d1", time.Minute))
	n, err := rdb.Exists(ctx, keys.Lock("signal-execution:s1:d1")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, "lock:signal-execution:s1:d1", keys.Lock("signal-execution:s1:d1"))
}

func TestLockKeyBuilders(t *testing.T) {
	require.Equal(t, "signal-execution:s1:d2", SignalExecutionKey("s1", "d2"))
	require.Equal(t, "position-monitor:p9", PositionMonitorKey("p9"))
	require.Equal(t, "message-classification:m3", MessageClassificationKey("m3"))
	require.Equal(t, "signal-generation:post:dep:SOL", SignalGenerationKey("post", "dep", "SOL"))
	require.Equal(t, "trader-trade:tr7:ag1", TraderTradeKey("tr7", "ag1"))
}
