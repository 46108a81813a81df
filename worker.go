package jobcoord

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphagrid/jobcoord/internal/engine"
	"github.com/alphagrid/jobcoord/internal/jobctx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Processor is the function a worker runs for every claimed job. A returned
// error propagates to the retry machinery untouched; the per-queue policy is
// the single source of truth for what happens next.
type Processor func(ctx context.Context, job *Job) error

type workerOptions struct {
	concurrency  int
	lockDuration time.Duration
	rateMax      int
	rateWindow   time.Duration
	pollInterval time.Duration
	poolIndex    int
}

// WorkerOption configures a worker at creation time.
type WorkerOption func(*workerOptions)

// Concurrency sets how many jobs the worker processes simultaneously.
// Default 5.
func Concurrency(n int) WorkerOption {
	return func(o *workerOptions) { o.concurrency = n }
}

// LockDuration sets how long a claimed job stays protected from redelivery.
// A worker that neither finishes nor fails within this window is considered
// stalled and the job is handed to another worker, which is what makes the
// delivery guarantee at-least-once. Default 30s.
func LockDuration(d time.Duration) WorkerOption {
	return func(o *workerOptions) { o.lockDuration = d }
}

// RateLimit caps how many jobs the worker starts per window.
func RateLimit(max int, window time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.rateMax = max
		o.rateWindow = window
	}
}

func (o *workerOptions) defaults() {
	if o.concurrency <= 0 {
		o.concurrency = 5
	}
	if o.lockDuration <= 0 {
		o.lockDuration = 30 * time.Second
	}
	if o.pollInterval <= 0 {
		o.pollInterval = 50 * time.Millisecond
	}
	if o.rateMax > 0 && o.rateWindow <= 0 {
		o.rateWindow = time.Second
	}
}

// Worker consumes one queue with a bounded number of in-flight jobs. Workers
// run until closed and are tracked by their registry for bulk lifecycle
// operations.
type Worker struct {
	queue  *Queue
	rdb    redis.UniversalClient
	log    Logger
	proc   Processor
	opts   workerOptions
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	paused atomic.Bool

	mu      sync.Mutex
	started bool
	limiter *rateLimiter
}

// Queue returns the name of the queue this worker consumes.
func (w *Worker) Queue() string { return w.queue.name }

// PoolIndex identifies the worker within its pool, zero for standalone
// workers.
func (w *Worker) PoolIndex() int { return w.opts.poolIndex }

func (w *Worker) start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	w.log.Infof("worker starting queue=%s pool=%d concurrency=%d lock=%s",
		w.queue.name, w.opts.poolIndex, w.opts.concurrency, w.opts.lockDuration)
	for i := 0; i < w.opts.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop()
		}()
	}
}

func (w *Worker) loop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}
		if w.paused.Load() {
			sleepCtx(w.ctx, 100*time.Millisecond)
			continue
		}
		if w.limiter != nil {
			if err := w.limiter.wait(w.ctx); err != nil {
				return
			}
		}
		rec, raw := engine.Dequeue(w.ctx, w.rdb, w.queue.keys, w.opts.lockDuration)
		if rec == nil {
			// An empty poll must not count against the window, or idle
			// spinning starves a burst arriving later in the same window.
			if w.limiter != nil {
				w.limiter.refund()
			}
			sleepCtx(w.ctx, w.opts.pollInterval)
			continue
		}
		w.process(rec, raw)
	}
}

func (w *Worker) process(rec *engine.Record, raw []byte) {
	rec.StartedAt = time.Now().UnixMilli()
	job := jobFromRecord(rec)
	attempt := rec.Attempt + 1

	ctx := jobctx.WithInfo(w.ctx, &jobctx.Info{
		ID:            rec.ID,
		Queue:         rec.Queue,
		Name:          rec.Name,
		Attempt:       attempt,
		MaxAttempts:   rec.MaxAttempts,
		CorrelationID: rec.CorrelationID,
	})

	start := time.Now()
	w.log.Debugf("job start queue=%s id=%s name=%s attempt=%d/%d",
		rec.Queue, rec.ID, rec.Name, attempt, rec.MaxAttempts)
	err := w.proc(ctx, job)
	elapsed := time.Since(start)

	// Transitions run on an uncancelable context so a job finishing during
	// shutdown still records its outcome instead of being redelivered.
	tctx := context.WithoutCancel(w.ctx)
	if err != nil {
		terminal, terr := engine.RetryOrFail(tctx, w.rdb, w.queue.keys, rec, raw, err.Error())
		if terr != nil {
			w.log.Errorf("job transition failed queue=%s id=%s err=%v", rec.Queue, rec.ID, terr)
			return
		}
		if terminal {
			jobsFailed.WithLabelValues(rec.Queue).Inc()
			w.log.Warnf("job failed permanently queue=%s id=%s name=%s attempts=%d took=%s err=%v",
				rec.Queue, rec.ID, rec.Name, rec.Attempt, elapsed, err)
		} else {
			jobsRetried.WithLabelValues(rec.Queue).Inc()
			w.log.Warnf("job failed, retrying queue=%s id=%s name=%s attempt=%d/%d took=%s err=%v",
				rec.Queue, rec.ID, rec.Name, rec.Attempt, rec.MaxAttempts, elapsed, err)
		}
		return
	}

	if cerr := engine.Complete(tctx, w.rdb, w.queue.keys, rec, raw); cerr != nil {
		w.log.Errorf("job ack failed queue=%s id=%s err=%v", rec.Queue, rec.ID, cerr)
		return
	}
	jobsProcessed.WithLabelValues(rec.Queue).Inc()
	w.log.Debugf("job done queue=%s id=%s name=%s took=%s", rec.Queue, rec.ID, rec.Name, elapsed)
}

// Pause stops this worker from claiming new jobs; in-flight jobs finish.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume lifts a Pause.
func (w *Worker) Resume() { w.paused.Store(false) }

// Close stops the worker and waits for in-flight jobs, bounded by ctx.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	w.mu.Unlock()
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Workers is the in-process worker registry. Creating a worker also ensures
// the queue's maintenance loops (delayed mover, stall reclaimer) run in this
// process.
type Workers struct {
	rdb    redis.UniversalClient
	queues *Queues
	log    Logger

	mu          sync.Mutex
	workers     []*Worker
	maintainers map[string]*engine.Maintainer
}

// NewWorkers creates a worker registry bound to a queue registry.
func NewWorkers(rdb redis.UniversalClient, queues *Queues, log Logger) *Workers {
	if log == nil {
		log = NopLogger{}
	}
	return &Workers{
		rdb:         rdb,
		queues:      queues,
		log:         log,
		maintainers: make(map[string]*engine.Maintainer),
	}
}

// Create starts a worker on the named queue and registers it for bulk
// lifecycle operations.
func (ws *Workers) Create(queue string, proc Processor, opts ...WorkerOption) *Worker {
	return ws.create(queue, proc, 0, opts)
}

// CreatePool starts count independent workers against the same queue, each
// tagged with its pool index, and returns them all.
func (ws *Workers) CreatePool(queue string, proc Processor, count int, opts ...WorkerOption) []*Worker {
	out := make([]*Worker, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, ws.create(queue, proc, i, opts))
	}
	return out
}

func (ws *Workers) create(queue string, proc Processor, poolIndex int, opts []WorkerOption) *Worker {
	o := workerOptions{poolIndex: poolIndex}
	for _, opt := range opts {
		opt(&o)
	}
	o.defaults()

	q := ws.queues.Create(queue)
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		queue:  q,
		rdb:    ws.rdb,
		log:    ws.log,
		proc:   proc,
		opts:   o,
		ctx:    ctx,
		cancel: cancel,
	}
	if o.rateMax > 0 {
		w.limiter = &rateLimiter{max: o.rateMax, window: o.rateWindow}
	}

	ws.mu.Lock()
	ws.workers = append(ws.workers, w)
	if _, ok := ws.maintainers[queue]; !ok {
		m := engine.NewMaintainer(ws.rdb, queue, engine.MaintainerConfig{Log: ws.log})
		ws.maintainers[queue] = m
		m.Start()
	}
	ws.mu.Unlock()
	activeWorkers.Inc()

	w.start()
	return w
}

// CloseAll closes every registered worker in parallel, isolating failures so
// one slow worker cannot block the rest, then stops the maintenance loops
// and clears the registry.
func (ws *Workers) CloseAll(ctx context.Context) error {
	ws.mu.Lock()
	workers := ws.workers
	maintainers := ws.maintainers
	ws.workers = nil
	ws.maintainers = make(map[string]*engine.Maintainer)
	ws.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := w.Close(ctx); err != nil {
				ws.log.Errorf("worker close failed queue=%s pool=%d err=%v", w.queue.name, w.opts.poolIndex, err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	for _, m := range maintainers {
		m.Stop()
	}
	activeWorkers.Sub(float64(len(workers)))
	ws.log.Infof("workers closed count=%d", len(workers))
	return err
}

// PauseAll pauses every registered worker.
func (ws *Workers) PauseAll() {
	for _, w := range ws.snapshot() {
		w.Pause()
	}
}

// ResumeAll resumes every registered worker.
func (ws *Workers) ResumeAll() {
	for _, w := range ws.snapshot() {
		w.Resume()
	}
}

// Count returns the number of registered workers.
func (ws *Workers) Count() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.workers)
}

// HasActive reports whether any workers are registered.
func (ws *Workers) HasActive() bool { return ws.Count() > 0 }

func (ws *Workers) snapshot() []*Worker {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]*Worker, len(ws.workers))
	copy(out, ws.workers)
	return out
}

// rateLimiter is a small sliding-window limiter: at most max job starts per
// window, callers block until the window rolls over.
type rateLimiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	count     int
	windowEnd time.Time
}

func (r *rateLimiter) wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		if now.After(r.windowEnd) {
			r.count = 0
			r.windowEnd = now.Add(r.window)
		}
		if r.count < r.max {
			r.count++
			r.mu.Unlock()
			return nil
		}
		d := time.Until(r.windowEnd)
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// refund returns an unused token to the current window.
func (r *rateLimiter) refund() {
	r.mu.Lock()
	if r.count > 0 {
		r.count--
	}
	r.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
