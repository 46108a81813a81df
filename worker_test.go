package jobcoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorker_ProcessesJob(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	qs := NewQueues(rdb, nil, nil)
	ws := NewWorkers(rdb, qs, nil)
	defer ws.CloseAll(ctx)

	got := make(chan *Job, 1)
	ws.Create("w-basic", func(ctx context.Context, job *Job) error {
		got <- job
		return nil
	})

	_, err := qs.Add(ctx, "w-basic", "do-thing", &testPayload{Value: "hi"}, JobID("job-1"), CorrelationID("corr-9"))
	require.NoError(t, err)

	select {
	case job := <-got:
		require.Equal(t, "job-1", job.ID)
		require.Equal(t, "do-thing", job.Name)
		require.Equal(t, "w-basic", job.Queue)
		require.Equal(t, "corr-9", job.CorrelationID)
	case <-time.After(5 * time.Second):
		t.Fatal("job was never processed")
	}

	require.Eventually(t, func() bool {
		stats, err := qs.Stats(ctx, "w-basic")
		return err == nil && stats.Completed == 1 && stats.Active == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWorker_JobInfoInContext(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	qs := NewQueues(rdb, nil, nil)
	ws := NewWorkers(rdb, qs, nil)
	defer ws.CloseAll(ctx)

	got := make(chan JobInfo, 1)
	ws.Create("w-info", func(ctx context.Context, job *Job) error {
		info, ok := JobFromContext(ctx)
		require.True(t, ok)
		got <- info
		return nil
	})

	_, err := qs.Add(ctx, "w-info", "traced", &testPayload{}, JobID("ji-1"))
	require.NoError(t, err)

	select {
	case info := <-got:
		require.Equal(t, "ji-1", info.ID)
		require.Equal(t, "w-info", info.Queue)
		require.Equal(t, 1, info.Attempt)
		require.Equal(t, 3, info.MaxAttempts)
	case <-time.After(5 * time.Second):
		t.Fatal("job was never processed")
	}
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	qs := NewQueues(rdb, nil, nil)
	ws := NewWorkers(rdb, qs, nil)
	defer ws.CloseAll(ctx)

	var calls atomic.Int32
	ws.Create("w-retry", func(ctx context.Context, job *Job) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	_, err := qs.Add(ctx, "w-retry", "flaky", &testPayload{},
		JobID("r-1"), Attempts(3), RetryBackoff(BackoffFixed, 20*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := qs.Stats(ctx, "w-retry")
		return err == nil && stats.Completed == 1
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, int32(3), calls.Load())
}

func TestWorker_ExhaustedAttemptsLandInFailed(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	qs := NewQueues(rdb, nil, nil)
	ws := NewWorkers(rdb, qs, nil)
	defer ws.CloseAll(ctx)

	var calls atomic.Int32
	ws.Create("w-dead", func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return errors.New("permanent")
	})

	_, err := qs.Add(ctx, "w-dead", "doomed", &testPayload{},
		JobID("d-1"), Attempts(2), RetryBackoff(BackoffFixed, 20*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := qs.Stats(ctx, "w-dead")
		return err == nil && stats.Failed == 1
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, int32(2), calls.Load())

	jobs, err := qs.ListJobs(ctx, "w-dead", StateFailed, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "permanent", jobs[0].LastError)
	require.Equal(t, 2, jobs[0].Attempt)
}

func TestWorker_PauseStopsClaiming(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	qs := NewQueues(rdb, nil, nil)
	ws := NewWorkers(rdb, qs, nil)
	defer ws.CloseAll(ctx)

	var calls atomic.Int32
	w := ws.Create("w-pause", func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return nil
	})
	w.Pause()

	_, err := qs.Add(ctx, "w-pause", "job", &testPayload{})
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)
	require.Zero(t, calls.Load())

	w.Resume()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestWorkers_PoolAndRegistry(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	qs := NewQueues(rdb, nil, nil)
	ws := NewWorkers(rdb, qs, nil)

	pool := ws.CreatePool("w-pool", func(ctx context.Context, job *Job) error { return nil }, 3)
	require.Len(t, pool, 3)
	for i, w := range pool {
		require.Equal(t, i, w.PoolIndex())
		require.Equal(t, "w-pool", w.Queue())
	}
	require.Equal(t, 3, ws.Count())
	require.True(t, ws.HasActive())

	require.NoError(t, ws.CloseAll(ctx))
	require.Zero(t, ws.Count())
	require.False(t, ws.HasActive())

	// CloseAll is safe to repeat.
	require.NoError(t, ws.CloseAll(ctx))
}

func TestWorkers_StalledJobIsReclaimed(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	qs := NewQueues(rdb, nil, nil)
	ws := NewWorkers(rdb, qs, nil)
	defer ws.CloseAll(ctx)

	block := make(chan struct{})
	var mu sync.Mutex
	var attempts []int
	ws.Create("w-stall", func(ctx context.Context, job *Job) error {
		info, _ := JobFromContext(ctx)
		mu.Lock()
		attempts = append(attempts, info.Attempt)
		first := len(attempts) == 1
		mu.Unlock()
		if first {
			// Simulate a stalled worker: outlive the visibility window.
			<-block
		}
		return nil
	}, Concurrency(2), LockDuration(200*time.Millisecond))

	_, err := qs.Add(ctx, "w-stall", "job", &testPayload{}, JobID("s-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := qs.Stats(ctx, "w-stall")
		return err == nil && stats.Completed == 1
	}, 10*time.Second, 20*time.Millisecond)
	close(block)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(attempts), 2)
}

func TestRateLimiter_CapsStartsPerWindow(t *testing.T) {
	r := &rateLimiter{max: 2, window: 150 * time.Millisecond}
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, r.wait(ctx))
	}
	// Third and fourth calls must have waited for the second window.
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	slow := &rateLimiter{max: 1, window: 10 * time.Second}
	require.NoError(t, slow.wait(ctx))
	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, slow.wait(cctx), context.Canceled)
}

func TestRateLimiter_RefundReturnsToken(t *testing.T) {
	r := &rateLimiter{max: 1, window: 10 * time.Second}
	ctx := context.Background()

	require.NoError(t, r.wait(ctx))
	r.refund()

	// The returned token must be immediately claimable again.
	tctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	require.NoError(t, r.wait(tctx))
}

func TestWorker_IdlePollsDoNotConsumeRateLimit(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	qs := NewQueues(rdb, nil, nil)
	ws := NewWorkers(rdb, qs, nil)
	defer ws.CloseAll(ctx)

	var calls atomic.Int32
	ws.Create("w-idle-rate", func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return nil
	}, Concurrency(1), RateLimit(1, time.Hour))

	// Let the worker spin on the empty queue; without refunds these polls
	// would exhaust the single token for the whole window.
	time.Sleep(500 * time.Millisecond)

	_, err := qs.Add(ctx, "w-idle-rate", "job", &testPayload{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestWorkers_ManyProducersOneConsumerExactlyOnce(t *testing.T) {
	_, rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	qs := NewQueues(rdb, nil, nil)
	ws := NewWorkers(rdb, qs, nil)
	defer ws.CloseAll(ctx)

	const jobs = 100
	var mu sync.Mutex
	seen := make(map[string]int)
	ws.CreatePool("w-e2e", func(ctx context.Context, job *Job) error {
		mu.Lock()
		seen[job.ID]++
		mu.Unlock()
		return nil
	}, 2, Concurrency(3))

	// Every job enqueued twice under the same ID; dedup collapses the pairs.
	for i := 0; i < jobs; i++ {
		id := fmt.Sprintf("e2e-%d", i)
		_, err := qs.Add(ctx, "w-e2e", "job", &testPayload{Value: id}, JobID(id))
		require.NoError(t, err)
		_, err = qs.Add(ctx, "w-e2e", "job", &testPayload{Value: id}, JobID(id))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == jobs
	}, 15*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		require.Equalf(t, 1, n, "job %s processed %d times", id, n)
	}
}
