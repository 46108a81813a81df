package jobcoord

import "errors"

// ErrDuplicateJob is returned by AddNew when the job ID is already claimed
// for the queue. Add absorbs this condition silently.
var ErrDuplicateJob = errors.New("jobcoord: duplicate job id")

// ErrUnknownQueue is returned when an operation references a queue that was
// never created in this registry.
var ErrUnknownQueue = errors.New("jobcoord: unknown queue")

// ErrUnknownState is returned when an invalid job state is used.
var ErrUnknownState = errors.New("jobcoord: unknown state")

// ErrJobNotFound is returned when a job with the specified ID is not found.
var ErrJobNotFound = errors.New("jobcoord: job not found")

// ErrActiveJob is returned when an operation is not allowed on a job that is
// currently being processed.
var ErrActiveJob = errors.New("jobcoord: operation not allowed on active job")

// ErrUnknownChannel is returned when a notification job carries a channel no
// handler was registered for. Repeated failures of this kind indicate a
// deploy-time misconfiguration, not a transient fault.
var ErrUnknownChannel = errors.New("jobcoord: no handler for notification channel")
