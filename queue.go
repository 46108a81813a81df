package jobcoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alphagrid/jobcoord/internal/engine"
	"github.com/alphagrid/jobcoord/internal/keys"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue is a named channel of jobs with a default policy. Handles are
// memoized per registry; repeated Create calls return the same handle.
type Queue struct {
	name   string
	keys   keys.Queue
	policy Policy
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// QueueStats holds the per-state job counts of one queue.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// BulkJob is one entry of an AddBulk call.
type BulkJob struct {
	Name    string
	Payload any
	Opts    []JobOption
}

// Queues is the registry and producer API for named queues. It is an
// explicit, injectable object rather than module state so multiple
// independent queue universes can coexist in one process.
type Queues struct {
	rdb      redis.UniversalClient
	enc      Encoder
	log      Logger
	policies map[string]Policy

	mu     sync.Mutex
	byName map[string]*Queue
}

// NewQueues creates a queue registry over the given Redis client. The policy
// table defaults to DefaultPolicies; pass overrides to tune per-queue retry
// behavior process-wide.
func NewQueues(rdb redis.UniversalClient, log Logger, policies map[string]Policy) *Queues {
	if log == nil {
		log = NopLogger{}
	}
	merged := DefaultPolicies()
	for name, p := range policies {
		merged[name] = p
	}
	return &Queues{
		rdb:      rdb,
		enc:      &JSONEncoder{},
		log:      log,
		policies: merged,
		byName:   make(map[string]*Queue),
	}
}

// Create returns the memoized handle for name, constructing it on first call
// with the policy table entry (or the generic default) layered under the
// optional overrides. Subsequent calls ignore the overrides.
func (qs *Queues) Create(name string, opts ...PolicyOption) *Queue {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if q, ok := qs.byName[name]; ok {
		return q
	}
	p, ok := qs.policies[name]
	if !ok {
		p = genericPolicy()
	}
	for _, opt := range opts {
		opt(&p)
	}
	q := &Queue{name: name, keys: keys.For(name), policy: p}
	qs.byName[name] = q
	qs.log.Debugf("queue created name=%s attempts=%d backoff=%s", name, p.Attempts, p.Backoff)
	return q
}

// Add enqueues one job. A zero Timestamp on a Meta-embedding payload is
// stamped with the enqueue time. An explicit job ID that is already claimed
// is silently absorbed: the store is the source of truth for idempotency and
// re-triggering an already-queued action must be safe. Callers that need to
// know whether a new job was created use AddNew.
func (qs *Queues) Add(ctx context.Context, queue, jobName string, payload any, opts ...JobOption) (string, error) {
	id, err := qs.add(ctx, queue, jobName, payload, opts)
	if errors.Is(err, ErrDuplicateJob) {
		qs.log.Debugf("duplicate job absorbed queue=%s id=%s", queue, id)
		return id, nil
	}
	return id, err
}

// AddNew is Add without the silent-duplicate behavior: it returns
// ErrDuplicateJob when the ID was already claimed.
func (qs *Queues) AddNew(ctx context.Context, queue, jobName string, payload any, opts ...JobOption) (string, error) {
	return qs.add(ctx, queue, jobName, payload, opts)
}

func (qs *Queues) add(ctx context.Context, queue, jobName string, payload any, opts []JobOption) (string, error) {
	q := qs.Create(queue)

	cfg := &jobOptions{}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.merge(q.policy)

	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UnixMilli()
	ts := now
	if s, ok := payload.(timestamper); ok {
		s.StampTimestamp(now)
		ts = s.EventTimestamp()
	}
	data, err := qs.enc.Encode(payload)
	if err != nil {
		return "", fmt.Errorf("jobcoord: encode payload: %w", err)
	}

	rec := &engine.Record{
		ID:            id,
		Name:          jobName,
		Queue:         queue,
		Payload:       data,
		MaxAttempts:   cfg.attempts,
		Backoff:       string(cfg.backoff),
		BackoffMs:     cfg.backoffDelay.Milliseconds(),
		Priority:      cfg.priority,
		KeepCompleted: cfg.keepCompleted,
		KeepFailed:    cfg.keepFailed,
		Timestamp:     ts,
		CorrelationID: cfg.correlationID,
		CreatedAt:     now,
	}

	if err := engine.Enqueue(ctx, qs.rdb, q.keys, rec, cfg.delay); err != nil {
		if errors.Is(err, engine.ErrDuplicate) {
			return id, ErrDuplicateJob
		}
		return "", err
	}
	return id, nil
}

// AddBulk enqueues a batch of jobs with Add semantics and returns the job IDs
// in input order.
func (qs *Queues) AddBulk(ctx context.Context, queue string, jobs []BulkJob) ([]string, error) {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		id, err := qs.Add(ctx, queue, j.Name, j.Payload, j.Opts...)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Stats returns the per-state counts of a queue. Unlike the administrative
// controls this fails loudly on a queue never created in this registry.
func (qs *Queues) Stats(ctx context.Context, queue string) (QueueStats, error) {
	q, ok := qs.lookup(queue)
	if !ok {
		return QueueStats{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	var waiting, failed *redis.IntCmd
	var active, completed, delayed *redis.IntCmd
	_, err := qs.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.LLen(ctx, q.keys.Waiting)
		active = p.ZCard(ctx, q.keys.Active)
		completed = p.ZCard(ctx, q.keys.Completed)
		failed = p.LLen(ctx, q.keys.Failed)
		delayed = p.ZCard(ctx, q.keys.Delayed)
		return nil
	})
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// Pause stops workers from claiming jobs off the queue, store-wide. Unknown
// queues are a logged no-op.
func (qs *Queues) Pause(ctx context.Context, queue string) error {
	q, ok := qs.lookup(queue)
	if !ok {
		qs.log.Warnf("pause ignored: unknown queue %s", queue)
		return nil
	}
	return qs.rdb.Set(ctx, q.keys.Paused, "1", 0).Err()
}

// Resume lifts a Pause.
func (qs *Queues) Resume(ctx context.Context, queue string) error {
	q, ok := qs.lookup(queue)
	if !ok {
		qs.log.Warnf("resume ignored: unknown queue %s", queue)
		return nil
	}
	return qs.rdb.Del(ctx, q.keys.Paused).Err()
}

// Drain removes all waiting and delayed jobs, releasing their deduplication
// claims. Active jobs are left to finish. The removal is a single atomic
// script so a concurrent enqueue either fully survives or was never stored.
func (qs *Queues) Drain(ctx context.Context, queue string) error {
	q, ok := qs.lookup(queue)
	if !ok {
		qs.log.Warnf("drain ignored: unknown queue %s", queue)
		return nil
	}
	n, err := engine.Drain(ctx, qs.rdb, q.keys)
	if err == nil {
		qs.log.Infof("queue drained name=%s removed=%d", queue, n)
	}
	return err
}

// ListJobs returns jobs in one state, optionally filtered. Completed, active
// and delayed states are ZSET-backed; waiting and failed are lists.
func (qs *Queues) ListJobs(ctx context.Context, queue string, state State, filter func(*Job) bool) ([]*Job, error) {
	q, ok := qs.lookup(queue)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	var strs []string
	var err error
	switch state {
	case StateWaiting:
		strs, err = qs.rdb.LRange(ctx, q.keys.Waiting, 0, -1).Result()
	case StateFailed:
		strs, err = qs.rdb.LRange(ctx, q.keys.Failed, 0, -1).Result()
	case StateActive:
		strs, err = qs.rdb.ZRange(ctx, q.keys.Active, 0, -1).Result()
	case StateDelayed:
		strs, err = qs.rdb.ZRange(ctx, q.keys.Delayed, 0, -1).Result()
	case StateCompleted:
		strs, err = qs.rdb.ZRange(ctx, q.keys.Completed, 0, -1).Result()
	default:
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(strs))
	for _, s := range strs {
		var rec engine.Record
		if err := qs.enc.Decode([]byte(s), &rec); err == nil {
			j := jobFromRecord(&rec)
			if filter == nil || filter(j) {
				out = append(out, j)
			}
		}
	}
	return out, nil
}

// RetryFailed moves a terminally failed job back to waiting with its attempt
// count and error reset. The deduplication claim stays in place since the
// same logical job is being requeued.
func (qs *Queues) RetryFailed(ctx context.Context, queue, id string) error {
	q, ok := qs.lookup(queue)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	raws, err := qs.rdb.LRange(ctx, q.keys.Failed, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, raw := range raws {
		var rec engine.Record
		if err := qs.enc.Decode([]byte(raw), &rec); err != nil || rec.ID != id {
			continue
		}
		rec.Attempt = 0
		rec.LastError = ""
		rec.LastErrorAt = 0
		rec.CompletedAt = 0
		newRaw, err := qs.enc.Encode(&rec)
		if err != nil {
			return err
		}
		_, err = qs.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.keys.Failed, 1, raw)
			p.LPush(ctx, q.keys.Waiting, newRaw)
			return nil
		})
		return err
	}
	return ErrJobNotFound
}

// DeleteJob removes a job by ID from whichever non-active state holds it,
// releasing its deduplication claim except for completed jobs, whose IDs stay
// claimed so re-enqueue of processed work remains a no-op. Deleting an active
// job is rejected.
func (qs *Queues) DeleteJob(ctx context.Context, queue, id string) error {
	q, ok := qs.lookup(queue)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	for _, state := range []State{StateWaiting, StateDelayed, StateCompleted, StateFailed} {
		jobs, err := qs.ListJobs(ctx, queue, state, func(j *Job) bool { return j.ID == id })
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			continue
		}
		raw, err := qs.enc.Encode(recordFromJob(jobs[0]))
		if err != nil {
			return err
		}
		_, err = qs.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			switch state {
			case StateWaiting:
				p.LRem(ctx, q.keys.Waiting, 1, raw)
			case StateDelayed:
				p.ZRem(ctx, q.keys.Delayed, raw)
			case StateCompleted:
				p.ZRem(ctx, q.keys.Completed, raw)
			case StateFailed:
				p.LRem(ctx, q.keys.Failed, 1, raw)
			}
			if state != StateCompleted {
				p.SRem(ctx, q.keys.Unique, id)
			}
			return nil
		})
		return err
	}

	active, _ := qs.ListJobs(ctx, queue, StateActive, func(j *Job) bool { return j.ID == id })
	if len(active) > 0 {
		return ErrActiveJob
	}
	return ErrJobNotFound
}

// CloseAll clears the registry. Queue handles hold no connections of their
// own; the shared clients are closed by their owner.
func (qs *Queues) CloseAll() {
	qs.mu.Lock()
	n := len(qs.byName)
	qs.byName = make(map[string]*Queue)
	qs.mu.Unlock()
	qs.log.Infof("queues closed count=%d", n)
}

func (qs *Queues) lookup(name string) (*Queue, bool) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q, ok := qs.byName[name]
	return q, ok
}

func recordFromJob(j *Job) *engine.Record {
	return &engine.Record{
		ID:            j.ID,
		Name:          j.Name,
		Queue:         j.Queue,
		Payload:       j.Payload,
		Attempt:       j.Attempt,
		MaxAttempts:   j.MaxAttempts,
		Backoff:       string(j.Backoff),
		BackoffMs:     j.BackoffMs,
		Priority:      j.Priority,
		KeepCompleted: j.KeepCompleted,
		KeepFailed:    j.KeepFailed,
		Timestamp:     j.Timestamp,
		CorrelationID: j.CorrelationID,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		LastError:     j.LastError,
		LastErrorAt:   j.LastErrorAt,
	}
}
