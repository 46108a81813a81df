package jobcoord

import (
	"context"
	"sync"
)

// Coordinator wires the full object graph: connections, queue and worker
// registries, scheduler and lock manager, all sharing one Redis client. It is
// the composition root a binary builds once at startup and tears down once on
// shutdown.
type Coordinator struct {
	cfg   Config
	log   Logger
	conns *Connections

	Queues    *Queues
	Workers   *Workers
	Scheduler *Scheduler
	Locks     *LockManager

	closeOnce sync.Once
	closeErr  error
}

// New builds a coordinator from config. The Redis connection is validated
// lazily; call Ping to fail fast at startup.
func New(cfg Config, log Logger) (*Coordinator, error) {
	if log == nil {
		log = NopLogger{}
	}
	conns, err := NewConnections(cfg.RedisURL, log)
	if err != nil {
		return nil, err
	}
	rdb := conns.Main()
	queues := NewQueues(rdb, log, DefaultPolicies())
	workers := NewWorkers(rdb, queues, log)
	return &Coordinator{
		cfg:       cfg,
		log:       log,
		conns:     conns,
		Queues:    queues,
		Workers:   workers,
		Scheduler: NewScheduler(queues, log),
		Locks:     NewLockManager(rdb, log),
	}, nil
}

// Config returns the config the coordinator was built with.
func (c *Coordinator) Config() Config { return c.cfg }

// Connections exposes the underlying connection pool, mainly for health
// checks.
func (c *Coordinator) Connections() *Connections { return c.conns }

// Ping verifies Redis reachability.
func (c *Coordinator) Ping(ctx context.Context) error { return c.conns.Ping(ctx) }

// Notifications builds the notification bundle over this coordinator's
// registries.
func (c *Coordinator) Notifications() *Notifications {
	return NewNotifications(c.Queues, c.Workers, c.log)
}

// Shutdown stops everything in dependency order: workers first so no handler
// is mid-flight, then triggers, then queue registries, then the connections
// themselves. Safe to call more than once; later calls return the first
// result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.log.Infof("shutting down job coordinator")
		if err := c.Workers.CloseAll(ctx); err != nil {
			c.closeErr = err
			c.log.Errorf("worker shutdown: %v", err)
		}
		c.Scheduler.CloseAll()
		c.Queues.CloseAll()
		if err := c.conns.Close(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
		c.log.Infof("job coordinator stopped")
	})
	return c.closeErr
}
