package jobcoord

import "time"

type jobOptions struct {
	id            string
	delay         time.Duration
	attempts      int
	backoff       BackoffKind
	backoffDelay  time.Duration
	priority      int
	keepCompleted int
	keepFailed    int
	correlationID string

	attemptsSet      bool
	backoffSet       bool
	keepCompletedSet bool
	keepFailedSet    bool
}

// JobOption configures a single job at enqueue time. Options layer over the
// queue's default policy.
type JobOption func(*jobOptions)

// JobID sets an explicit job ID. Re-enqueueing a claimed ID is a store-level
// no-op, so stable content-derived IDs make re-triggering safe. Without it a
// random UUID is generated.
func JobID(id string) JobOption {
	return func(o *jobOptions) { o.id = id }
}

// Delay schedules the job to become available after the given duration.
func Delay(d time.Duration) JobOption {
	return func(o *jobOptions) { o.delay = d }
}

// Attempts sets the maximum number of processing attempts.
func Attempts(n int) JobOption {
	return func(o *jobOptions) {
		o.attempts = n
		o.attemptsSet = true
	}
}

// RetryBackoff sets the retry delay shape and base delay.
func RetryBackoff(kind BackoffKind, base time.Duration) JobOption {
	return func(o *jobOptions) {
		o.backoff = kind
		o.backoffDelay = base
		o.backoffSet = true
	}
}

// Priority makes the job jump ahead of normally queued jobs. Values greater
// than zero are treated uniformly.
func Priority(p int) JobOption {
	return func(o *jobOptions) { o.priority = p }
}

// KeepCompleted overrides how many completed jobs the queue retains once this
// job finishes. Negative keeps all, zero drops the record immediately.
func KeepCompleted(n int) JobOption {
	return func(o *jobOptions) {
		o.keepCompleted = n
		o.keepCompletedSet = true
	}
}

// KeepFailed is the retention override for terminally failed jobs.
func KeepFailed(n int) JobOption {
	return func(o *jobOptions) {
		o.keepFailed = n
		o.keepFailedSet = true
	}
}

// CorrelationID threads an external trace identity through the job.
func CorrelationID(id string) JobOption {
	return func(o *jobOptions) { o.correlationID = id }
}

// merge layers caller options over the queue policy.
func (o *jobOptions) merge(p Policy) {
	if !o.attemptsSet {
		o.attempts = p.Attempts
	}
	if !o.backoffSet {
		o.backoff = p.Backoff
		o.backoffDelay = p.BackoffDelay
	}
	if !o.keepCompletedSet {
		o.keepCompleted = p.KeepCompleted
	}
	if !o.keepFailedSet {
		o.keepFailed = p.KeepFailed
	}
}
