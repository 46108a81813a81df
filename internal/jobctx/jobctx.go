package jobctx

import "context"

// Info carries the identity of the job a processor is currently executing.
// Handlers that receive a decoded payload rather than the raw job (the
// notification dispatch path) read it through the root package accessor.
type Info struct {
	ID            string
	Queue         string
	Name          string
	Attempt       int
	MaxAttempts   int
	CorrelationID string
}

type ctxKey struct{}

// WithInfo returns a child context carrying the given job info.
func WithInfo(parent context.Context, in *Info) context.Context {
	return context.WithValue(parent, ctxKey{}, in)
}

// From extracts the job info from context if present.
func From(ctx context.Context) (*Info, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	in, ok := v.(*Info)
	return in, ok
}
