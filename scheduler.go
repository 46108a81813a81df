package jobcoord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TriggerFunc is the unit of work an interval trigger runs on every tick.
type TriggerFunc func(ctx context.Context) error

// TriggerOptions configures an interval trigger.
type TriggerOptions struct {
	// Name identifies the trigger in logs.
	Name string
	// RunImmediately fires the trigger once right after start instead of
	// waiting for the first interval.
	RunImmediately bool
	// NoOverlap skips a tick while the previous invocation is still running,
	// so slow trigger functions never stack up.
	NoOverlap bool
}

// Trigger is a handle to one running interval loop.
type Trigger struct {
	name    string
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// Name returns the trigger's configured name.
func (t *Trigger) Name() string { return t.name }

// Scheduler owns interval triggers and repeating-job loops. Like the other
// registries it is an explicit object with its own lifecycle, not module
// state.
type Scheduler struct {
	queues *Queues
	log    Logger

	mu       sync.Mutex
	triggers []*Trigger
	closed   bool
}

// NewScheduler creates a scheduler that enqueues through the given registry.
func NewScheduler(queues *Queues, log Logger) *Scheduler {
	if log == nil {
		log = NopLogger{}
	}
	return &Scheduler{queues: queues, log: log}
}

// StartIntervalTrigger runs fn every interval. A failing tick is logged and
// does not stop the loop. The returned handle is registered for bulk
// teardown via CloseAll.
func (s *Scheduler) StartIntervalTrigger(interval time.Duration, fn TriggerFunc, opts TriggerOptions) *Trigger {
	name := opts.Name
	if name == "" {
		name = "interval-trigger"
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Trigger{name: name, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		close(t.done)
		s.log.Warnf("trigger not started, scheduler closed name=%s", name)
		return t
	}
	s.triggers = append(s.triggers, t)
	s.mu.Unlock()

	// Each tick runs in its own goroutine so a slow trigger cannot stall the
	// ticker; NoOverlap trades that for skip-while-running semantics.
	fire := func() {
		if opts.NoOverlap && !t.running.CompareAndSwap(false, true) {
			s.log.Debugf("trigger tick skipped, previous still running name=%s", name)
			return
		}
		go func() {
			defer func() {
				if opts.NoOverlap {
					t.running.Store(false)
				}
			}()
			if err := fn(ctx); err != nil {
				s.log.Errorf("trigger tick failed name=%s err=%v", name, err)
			}
		}()
	}

	go func() {
		defer close(t.done)
		if opts.RunImmediately {
			fire()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fire()
			}
		}
	}()

	s.log.Infof("trigger started name=%s interval=%s", name, interval)
	return t
}

// StopTrigger cancels one trigger and waits for its loop to exit.
func (s *Scheduler) StopTrigger(t *Trigger) {
	t.cancel()
	<-t.done
	s.mu.Lock()
	for i, reg := range s.triggers {
		if reg == t {
			s.triggers = append(s.triggers[:i], s.triggers[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.log.Infof("trigger stopped name=%s", t.name)
}

// ScheduleRepeating enqueues one job per elapsed interval window under a
// deterministic ID derived from the window start, so any number of scheduler
// processes ticking concurrently collapse to a single job per window through
// store-level deduplication.
func (s *Scheduler) ScheduleRepeating(queue, jobName string, payload any, every time.Duration, opts ...JobOption) *Trigger {
	return s.StartIntervalTrigger(every, func(ctx context.Context) error {
		window := time.Now().Truncate(every).UnixMilli()
		id := fmt.Sprintf("%s@%d", jobName, window)
		all := append([]JobOption{JobID(id)}, opts...)
		_, err := s.queues.Add(ctx, queue, jobName, payload, all...)
		return err
	}, TriggerOptions{Name: "repeat:" + queue + ":" + jobName, RunImmediately: true})
}

// CloseAll cancels every registered trigger and waits for the loops to exit.
func (s *Scheduler) CloseAll() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	triggers := s.triggers
	s.triggers = nil
	s.mu.Unlock()
	for _, t := range triggers {
		t.cancel()
		<-t.done
	}
	s.log.Infof("schedulers closed count=%d", len(triggers))
}

// PendingSignal is one actionable signal-deployment pair discovered by a
// pending-work scan.
type PendingSignal struct {
	SignalID     string
	DeploymentID string
}

// TradeExecutionPayload is the job payload for executing one signal on one
// deployment.
type TradeExecutionPayload struct {
	Meta
	SignalID     string `json:"signal_id"`
	DeploymentID string `json:"deployment_id"`
}

// NewTradeExecutionTrigger builds a TriggerFunc that asks checkPending for
// actionable signals and enqueues one execution job per result. The job ID is
// derived from the signal and deployment, so a still-pending signal
// rediscovered on the next tick does not double-enqueue.
func NewTradeExecutionTrigger(queues *Queues, checkPending func(ctx context.Context) ([]PendingSignal, error)) TriggerFunc {
	return func(ctx context.Context) error {
		pending, err := checkPending(ctx)
		if err != nil {
			return fmt.Errorf("check pending signals: %w", err)
		}
		for _, p := range pending {
			id := fmt.Sprintf("execute-%s-%s", p.SignalID, p.DeploymentID)
			payload := &TradeExecutionPayload{SignalID: p.SignalID, DeploymentID: p.DeploymentID}
			if _, err := queues.Add(ctx, QueueTradeExecution, "execute-signal", payload, JobID(id)); err != nil {
				return fmt.Errorf("enqueue execution %s: %w", id, err)
			}
		}
		return nil
	}
}
