package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/alphagrid/jobcoord/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Logger mirrors the public logger in the root package to avoid an import
// cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// MaintainerConfig tunes the per-queue maintenance loops.
type MaintainerConfig struct {
	// MoveInterval is how often due delayed jobs are promoted to waiting.
	MoveInterval time.Duration
	// ReclaimInterval is how often expired active jobs are returned to
	// waiting for redelivery.
	ReclaimInterval time.Duration
	// Batch bounds how many members a single tick may move.
	Batch int
	Log   Logger
}

func (c *MaintainerConfig) defaults() {
	if c.MoveInterval <= 0 {
		c.MoveInterval = 100 * time.Millisecond
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 200 * time.Millisecond
	}
	if c.Batch <= 0 {
		c.Batch = 256
	}
	if c.Log == nil {
		c.Log = noopLogger{}
	}
}

// Maintainer runs the background loops a queue needs while workers are
// consuming it: the delayed mover and the stall reclaimer. One maintainer per
// queue per worker process is enough; the Lua transitions make concurrent
// maintainers from other processes safe.
type Maintainer struct {
	rdb     redis.UniversalClient
	k       keys.Queue
	queue   string
	cfg     MaintainerConfig
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewMaintainer creates a maintainer for the named queue.
func NewMaintainer(rdb redis.UniversalClient, queue string, cfg MaintainerConfig) *Maintainer {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Maintainer{
		rdb:    rdb,
		k:      keys.For(queue),
		queue:  queue,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the maintenance goroutines. Idempotent.
func (m *Maintainer) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(m.cfg.MoveInterval, func(now string) (any, error) {
			return moveDueScript.Run(m.ctx, m.rdb, []string{m.k.Delayed, m.k.Waiting}, now).Result()
		}, "delayed-mover")
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(m.cfg.ReclaimInterval, func(now string) (any, error) {
			return reclaimOneScript.Run(m.ctx, m.rdb, []string{m.k.Active, m.k.Waiting}, now).Result()
		}, "stall-reclaimer")
	}()
}

// Stop cancels the loops and waits for them to exit. Idempotent.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *Maintainer) loop(every time.Duration, step func(now string) (any, error), name string) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			now := strconv.FormatInt(time.Now().UnixMilli(), 10)
			for i := 0; i < m.cfg.Batch; i++ {
				res, err := step(now)
				if err == redis.Nil || res == nil || res == false {
					break
				}
				if err != nil {
					m.cfg.Log.Warnf("%s: script failed queue=%s err=%v", name, m.queue, err)
					break
				}
			}
		}
	}
}
