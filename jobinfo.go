package jobcoord

import (
	"context"

	"github.com/alphagrid/jobcoord/internal/jobctx"
)

// JobInfo identifies the job a handler is currently executing. Handlers on
// dispatch paths that receive a decoded payload instead of the raw job (the
// notification worker) use it to build idempotency keys or log attempt
// counts.
type JobInfo struct {
	ID            string
	Queue         string
	Name          string
	Attempt       int
	MaxAttempts   int
	CorrelationID string
}

// JobFromContext extracts the current job's info from a processor context.
// The second return is false outside of a worker-invoked handler.
func JobFromContext(ctx context.Context) (JobInfo, bool) {
	in, ok := jobctx.From(ctx)
	if !ok || in == nil {
		return JobInfo{}, false
	}
	return JobInfo{
		ID:            in.ID,
		Queue:         in.Queue,
		Name:          in.Name,
		Attempt:       in.Attempt,
		MaxAttempts:   in.MaxAttempts,
		CorrelationID: in.CorrelationID,
	}, true
}
