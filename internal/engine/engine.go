package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/alphagrid/jobcoord/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// ErrDuplicate indicates the job ID was already claimed for the queue. The
// unique SET is the source of truth for idempotent enqueue; callers decide
// whether to surface or absorb it.
var ErrDuplicate = errors.New("duplicate job id")

// Backoff shapes stored on the job record.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Record is the serialized job representation shared between producers and
// workers through Redis.
type Record struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Queue         string `json:"queue"`
	Payload       []byte `json:"payload"`
	Attempt       int    `json:"attempt"`
	MaxAttempts   int    `json:"max_attempts"`
	Backoff       string `json:"backoff,omitempty"`
	BackoffMs     int64  `json:"backoff_ms,omitempty"`
	Priority      int    `json:"priority,omitempty"`
	KeepCompleted int    `json:"keep_completed"`
	KeepFailed    int    `json:"keep_failed"`
	Timestamp     int64  `json:"timestamp,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CreatedAt     int64  `json:"created_at,omitempty"`
	StartedAt     int64  `json:"started_at,omitempty"`
	CompletedAt   int64  `json:"completed_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	LastErrorAt   int64  `json:"last_error_at,omitempty"`
}

// dequeueScript atomically claims one waiting job: RPOP from the waiting list
// and ZADD into active with the visibility deadline as score. A set paused
// flag makes it a no-op so Pause takes effect store-wide, not per process.
var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then return false end
local v = redis.call('RPOP', KEYS[1])
if not v then return false end
redis.call('ZADD', KEYS[2], ARGV[1], v)
return v
`)

// moveDueScript atomically moves one due member from the delayed ZSET to the
// waiting list.
var moveDueScript = redis.NewScript(`
local dkey = KEYS[1]
local wkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', dkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', dkey, m)
if rem == 1 then
  redis.call('LPUSH', wkey, m)
  return m
end
return false
`)

// reclaimOneScript moves one expired active member back to waiting. This is
// the stalled-job redelivery path: a worker that died past its visibility
// deadline implicitly returns the job. Attempt count is not touched here, a
// stall is not a handler failure.
var reclaimOneScript = redis.NewScript(`
local akey = KEYS[1]
local wkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', akey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', akey, m)
if rem == 1 then
  redis.call('LPUSH', wkey, m)
  return m
end
return false
`)

// drainScript atomically collects the IDs of every waiting and delayed job,
// deletes both state keys, and releases the unique claims, so an enqueue
// racing the drain can never lose its claim while its job survives, or the
// other way around.
var drainScript = redis.NewScript(`
local ids = {}
local function collect(items)
  for _, raw in ipairs(items) do
    local ok, rec = pcall(cjson.decode, raw)
    if ok and rec.id then
      ids[#ids + 1] = rec.id
    end
  end
end
collect(redis.call('LRANGE', KEYS[1], 0, -1))
collect(redis.call('ZRANGE', KEYS[2], 0, -1))
redis.call('DEL', KEYS[1], KEYS[2])
for _, id in ipairs(ids) do
  redis.call('SREM', KEYS[3], id)
end
return #ids
`)

// Drain removes all waiting and delayed jobs in one atomic step, releasing
// their unique claims. Returns how many jobs were removed.
func Drain(ctx context.Context, rdb redis.UniversalClient, k keys.Queue) (int64, error) {
	n, err := drainScript.Run(ctx, rdb, []string{k.Waiting, k.Delayed, k.Unique}).Int64()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return n, nil
}

// Enqueue claims the record's ID in the unique SET and pushes the record to
// the waiting list or, with delay > 0, to the delayed ZSET. Priority jobs
// enter the consuming end of the waiting list. On push failure the unique
// claim is rolled back so the ID stays usable.
func Enqueue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, rec *Record, delay time.Duration) error {
	ok, err := rdb.SAdd(ctx, k.Unique, rec.ID).Result()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrDuplicate
	}

	raw := encodeJSON(rec)
	var opErr error
	switch {
	case delay > 0:
		opErr = rdb.ZAdd(ctx, k.Delayed, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: raw,
		}).Err()
	case rec.Priority > 0:
		opErr = rdb.RPush(ctx, k.Waiting, raw).Err()
	default:
		opErr = rdb.LPush(ctx, k.Waiting, raw).Err()
	}
	if opErr != nil {
		_ = rdb.SRem(ctx, k.Unique, rec.ID).Err()
		return opErr
	}
	return nil
}

// Dequeue atomically moves one job from waiting to active and returns the
// decoded record plus its raw representation (needed to remove the exact
// member on transition). Returns nil when the queue is empty or paused.
func Dequeue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, visibility time.Duration) (*Record, []byte) {
	deadline := time.Now().Add(visibility).UnixMilli()
	res, err := dequeueScript.Run(ctx, rdb, []string{k.Waiting, k.Active, k.Paused}, strconv.FormatInt(deadline, 10)).Result()
	if err != nil || res == nil {
		return nil, nil
	}
	var raw []byte
	switch v := res.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, nil
	}
	rec := new(Record)
	if err := sonic.Unmarshal(raw, rec); err != nil {
		return nil, nil
	}
	return rec, raw
}

// Complete removes the job from active and, when retention asks for it,
// records it in the completed ZSET trimmed to the configured count. The
// unique claim is intentionally not released: a completed ID re-enqueued is
// the deduplication contract working, not an error.
func Complete(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, rec *Record, raw []byte) error {
	rec.CompletedAt = time.Now().UnixMilli()
	newRaw := encodeJSON(rec)
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		if rec.KeepCompleted != 0 {
			p.ZAdd(ctx, k.Completed, redis.Z{Score: float64(rec.CompletedAt), Member: newRaw})
			if rec.KeepCompleted > 0 {
				p.ZRemRangeByRank(ctx, k.Completed, 0, int64(-(rec.KeepCompleted + 1)))
			}
		}
		return nil
	})
	return err
}

// RetryOrFail handles a processing failure: either schedules the next attempt
// in the delayed ZSET using the record's backoff shape, or moves the job to
// the failed list once attempts are exhausted. It reports whether the failure
// was terminal.
func RetryOrFail(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, rec *Record, raw []byte, lastErr string) (bool, error) {
	rec.Attempt++
	rec.LastError = lastErr
	rec.LastErrorAt = time.Now().UnixMilli()

	if rec.Attempt >= rec.MaxAttempts {
		rec.CompletedAt = rec.LastErrorAt
		newRaw := encodeJSON(rec)
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, k.Active, raw)
			if rec.KeepFailed != 0 {
				p.LPush(ctx, k.Failed, newRaw)
				if rec.KeepFailed > 0 {
					p.LTrim(ctx, k.Failed, 0, int64(rec.KeepFailed-1))
				}
			}
			return nil
		})
		return true, err
	}

	newRaw := encodeJSON(rec)
	next := time.Now().Add(NextBackoff(rec)).UnixMilli()
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(next), Member: newRaw})
		return nil
	})
	return false, err
}

// NextBackoff computes the delay before the record's next attempt. Attempt is
// expected to already count the failed attempt.
func NextBackoff(rec *Record) time.Duration {
	base := time.Duration(rec.BackoffMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	if rec.Backoff != BackoffExponential {
		return base
	}
	shift := rec.Attempt - 1
	if shift < 0 {
		shift = 0
	} else if shift > 16 {
		shift = 16
	}
	return base * time.Duration(1<<shift)
}

// encodeJSON uses stdlib marshal; the decode hot path uses sonic.
func encodeJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
