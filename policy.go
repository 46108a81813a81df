package jobcoord

import "time"

// Known queue names. Arbitrary names are accepted everywhere a queue name is;
// these are the kinds the default policy table covers.
const (
	QueueTradeExecution   = "trade-execution"
	QueueSignalGeneration = "signal-generation"
	QueuePositionMonitor  = "position-monitor"
	QueueNotification     = "notification"
)

// Policy is the per-queue default retry/backoff/retention record. Downstream
// workers assume these guarantees when deciding what to do on terminal
// failure, so the table shape is part of the contract even though the values
// are tunables.
type Policy struct {
	Attempts      int
	Backoff       BackoffKind
	BackoffDelay  time.Duration
	KeepCompleted int
	KeepFailed    int
}

// DefaultPolicies returns the built-in per-queue-kind policy table. Callers
// may override entries (or add their own queues) via the policy map passed to
// NewQueues.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		QueueTradeExecution:   {Attempts: 3, Backoff: BackoffExponential, BackoffDelay: 5 * time.Second, KeepCompleted: 100, KeepFailed: 500},
		QueueSignalGeneration: {Attempts: 2, Backoff: BackoffFixed, BackoffDelay: 3 * time.Second, KeepCompleted: 100, KeepFailed: 500},
		QueuePositionMonitor:  {Attempts: 3, Backoff: BackoffExponential, BackoffDelay: 2 * time.Second, KeepCompleted: 100, KeepFailed: 500},
		QueueNotification:     {Attempts: 3, Backoff: BackoffFixed, BackoffDelay: time.Second, KeepCompleted: 100, KeepFailed: 500},
	}
}

// genericPolicy applies to queues absent from the table.
func genericPolicy() Policy {
	return Policy{Attempts: 3, Backoff: BackoffExponential, BackoffDelay: time.Second, KeepCompleted: 100, KeepFailed: 500}
}

// PolicyOption adjusts a single field of a queue's policy at Create time.
// Untouched fields keep the table defaults, so overriding the retry count
// never zeroes out retention.
type PolicyOption func(*Policy)

// WithAttempts overrides the maximum processing attempts.
func WithAttempts(n int) PolicyOption {
	return func(p *Policy) { p.Attempts = n }
}

// WithBackoff overrides the retry delay shape and base delay.
func WithBackoff(kind BackoffKind, base time.Duration) PolicyOption {
	return func(p *Policy) {
		p.Backoff = kind
		p.BackoffDelay = base
	}
}

// WithKeepCompleted overrides completed-job retention. Negative keeps all,
// zero drops immediately.
func WithKeepCompleted(n int) PolicyOption {
	return func(p *Policy) { p.KeepCompleted = n }
}

// WithKeepFailed overrides failed-job retention.
func WithKeepFailed(n int) PolicyOption {
	return func(p *Policy) { p.KeepFailed = n }
}
