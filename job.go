package jobcoord

import "github.com/alphagrid/jobcoord/internal/engine"

// BackoffKind selects the delay strategy between retry attempts.
type BackoffKind string

const (
	// BackoffFixed waits the same base delay before every retry.
	BackoffFixed BackoffKind = engine.BackoffFixed
	// BackoffExponential doubles the base delay on each subsequent retry.
	BackoffExponential BackoffKind = engine.BackoffExponential
)

// Job represents one unit of queued work as seen by processors and
// inspection APIs. It is serialized to JSON and stored in Redis.
type Job struct {
	// ID is the job identity. Explicit, content-derived IDs are the primary
	// deduplication mechanism; a generated UUID is used when none is given.
	ID string `json:"id"`
	// Name is the job kind within its queue, e.g. "execute-signal".
	Name string `json:"name"`
	// Queue is the name of the queue this job belongs to.
	Queue string `json:"queue"`
	// Payload is the raw encoded job data.
	Payload []byte `json:"payload"`
	// Attempt is the number of processing attempts already made.
	Attempt int `json:"attempt"`
	// MaxAttempts bounds retries before the job is moved to the failed list.
	MaxAttempts int `json:"max_attempts"`
	// Backoff is the retry delay shape, fixed or exponential.
	Backoff BackoffKind `json:"backoff,omitempty"`
	// BackoffMs is the base retry delay in milliseconds.
	BackoffMs int64 `json:"backoff_ms,omitempty"`
	// Priority greater than zero makes the job jump ahead of waiting jobs.
	Priority int `json:"priority,omitempty"`
	// KeepCompleted is how many completed jobs the queue retains; negative
	// keeps all, zero drops immediately.
	KeepCompleted int `json:"keep_completed"`
	// KeepFailed is the same retention count for terminally failed jobs.
	KeepFailed int `json:"keep_failed"`
	// Timestamp is the producer-side event time in milliseconds, stamped at
	// enqueue when the payload does not carry one.
	Timestamp int64 `json:"timestamp,omitempty"`
	// CorrelationID threads an external trace identity through processing.
	CorrelationID string `json:"correlation_id,omitempty"`
	CreatedAt     int64  `json:"created_at,omitempty"`
	StartedAt     int64  `json:"started_at,omitempty"`
	CompletedAt   int64  `json:"completed_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	LastErrorAt   int64  `json:"last_error_at,omitempty"`
}

// Meta is the base shape every typed payload embeds. Add stamps Timestamp at
// enqueue time when the producer left it zero.
type Meta struct {
	Timestamp     int64  `json:"timestamp"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// StampTimestamp records the enqueue time if none was set.
func (m *Meta) StampTimestamp(ms int64) {
	if m.Timestamp == 0 {
		m.Timestamp = ms
	}
}

// EventTimestamp reports the payload's event time.
func (m *Meta) EventTimestamp() int64 { return m.Timestamp }

// timestamper is satisfied by payloads embedding *Meta.
type timestamper interface {
	StampTimestamp(ms int64)
	EventTimestamp() int64
}

func jobFromRecord(rec *engine.Record) *Job {
	return &Job{
		ID:            rec.ID,
		Name:          rec.Name,
		Queue:         rec.Queue,
		Payload:       rec.Payload,
		Attempt:       rec.Attempt,
		MaxAttempts:   rec.MaxAttempts,
		Backoff:       BackoffKind(rec.Backoff),
		BackoffMs:     rec.BackoffMs,
		Priority:      rec.Priority,
		KeepCompleted: rec.KeepCompleted,
		KeepFailed:    rec.KeepFailed,
		Timestamp:     rec.Timestamp,
		CorrelationID: rec.CorrelationID,
		CreatedAt:     rec.CreatedAt,
		StartedAt:     rec.StartedAt,
		CompletedAt:   rec.CompletedAt,
		LastError:     rec.LastError,
		LastErrorAt:   rec.LastErrorAt,
	}
}
