package jobcoord

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/alphagrid/jobcoord/internal/keys"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the stored token still belongs to
// this acquisition, so a slow holder cannot delete a lock someone else has
// since taken over.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// extendScript refreshes the TTL only for the current owner.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// LockOutcome reports what WithLock did.
type LockOutcome int

const (
	// LockSkipped means the lock was held elsewhere and fn never ran.
	LockSkipped LockOutcome = iota
	// LockCompleted means the lock was acquired and fn ran to completion.
	LockCompleted
)

// LockManager is a Redis-backed advisory mutual-exclusion primitive used to
// coordinate at-most-one-concurrent-execution across worker processes.
//
// Every operation is best effort: on a store communication error it logs and
// returns the safe default (not acquired / not locked) instead of failing the
// caller, so a cache outage degrades to "no coordination" rather than
// crashing the worker. Callers must not mistake that degraded answer for
// "the lock is free and held by me".
type LockManager struct {
	rdb   redis.UniversalClient
	owner string
	log   Logger

	mu     sync.Mutex
	tokens map[string]string
}

// NewLockManager creates a lock manager with a process-scoped owner identity
// embedded in every lock value for debuggability.
func NewLockManager(rdb redis.UniversalClient, log Logger) *LockManager {
	if log == nil {
		log = NopLogger{}
	}
	host, _ := os.Hostname()
	return &LockManager{
		rdb:    rdb,
		owner:  host + ":" + strconv.Itoa(os.Getpid()),
		log:    log,
		tokens: make(map[string]string),
	}
}

// Acquire sets lock:{key} only if absent, with the given TTL. It never
// blocks; false means the lock is held elsewhere or the store errored.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) bool {
	token := m.owner + "|" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "|" + uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, keys.Lock(key), token, ttl).Result()
	if err != nil {
		m.log.Warnf("lock: acquire failed key=%s err=%v (assuming not acquired)", key, err)
		lockErrors.Inc()
		return false
	}
	if !ok {
		lockContended.Inc()
		return false
	}
	m.mu.Lock()
	m.tokens[key] = token
	m.mu.Unlock()
	lockAcquired.Inc()
	return true
}

// Release frees the lock if this manager still owns it. Releasing a lock that
// expired or was never acquired here is a no-op.
func (m *LockManager) Release(ctx context.Context, key string) {
	m.mu.Lock()
	token, ok := m.tokens[key]
	delete(m.tokens, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	if _, err := releaseScript.Run(ctx, m.rdb, []string{keys.Lock(key)}, token).Result(); err != nil && err != redis.Nil {
		m.log.Warnf("lock: release failed key=%s err=%v (TTL will expire it)", key, err)
		lockErrors.Inc()
	}
}

// Extend refreshes the TTL of a lock this manager holds. False means the lock
// expired, was taken over, or was never held here.
func (m *LockManager) Extend(ctx context.Context, key string, ttl time.Duration) bool {
	m.mu.Lock()
	token, ok := m.tokens[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	res, err := extendScript.Run(ctx, m.rdb, []string{keys.Lock(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		m.log.Warnf("lock: extend failed key=%s err=%v (assuming lost)", key, err)
		lockErrors.Inc()
		return false
	}
	return res == 1
}

// IsLocked reports whether the key is currently held by anyone. It carries no
// ownership semantics.
func (m *LockManager) IsLocked(ctx context.Context, key string) bool {
	n, err := m.rdb.Exists(ctx, keys.Lock(key)).Result()
	if err != nil {
		m.log.Warnf("lock: exists failed key=%s err=%v (assuming unlocked)", key, err)
		lockErrors.Inc()
		return false
	}
	return n > 0
}

// WithLock runs fn only if the lock is acquired, always releasing afterwards.
// The outcome distinguishes "skipped because locked" from "ran", so callers
// never confuse contention with an empty result.
func (m *LockManager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (LockOutcome, error) {
	if !m.Acquire(ctx, key, ttl) {
		return LockSkipped, nil
	}
	defer m.Release(ctx, key)
	return LockCompleted, fn(ctx)
}

// WaitFor polls Acquire every 100ms until success, timeout, or context
// cancellation.
func (m *LockManager) WaitFor(ctx context.Context, key string, timeout, ttl time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if m.Acquire(ctx, key, ttl) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Owner exposes the manager's process identity, useful in logs.
func (m *LockManager) Owner() string { return m.owner }

// Lock key builders. These are pure so independent callers compute identical
// keys from the same natural identifiers; the produced strings are a wire
// contract shared with every other process coordinating on the resource.

// SignalExecutionKey coordinates execution of one signal on one deployment.
func SignalExecutionKey(signalID, deploymentID string) string {
	return fmt.Sprintf("signal-execution:%s:%s", signalID, deploymentID)
}

// PositionMonitorKey coordinates monitoring of one open position.
func PositionMonitorKey(positionID string) string {
	return "position-monitor:" + positionID
}

// MessageClassificationKey coordinates classification of one ingested message.
func MessageClassificationKey(messageID string) string {
	return "message-classification:" + messageID
}

// SignalGenerationKey coordinates signal generation for one post, deployment
// and token triple.
func SignalGenerationKey(postID, deploymentID, token string) string {
	return fmt.Sprintf("signal-generation:%s:%s:%s", postID, deploymentID, token)
}

// TraderTradeKey coordinates ingestion of one source trade for one agent.
func TraderTradeKey(sourceTradeID, agentID string) string {
	return fmt.Sprintf("trader-trade:%s:%s", sourceTradeID, agentID)
}
