package jobcoord

// State represents a job lifecycle state used to store and inspect jobs.
// Use the exported constants instead of raw strings to avoid typos.
type State string

const (
	// StateWaiting contains jobs ready for execution (LIST).
	StateWaiting State = "waiting"
	// StateActive contains jobs currently claimed by workers (ZSET).
	StateActive State = "active"
	// StateDelayed contains scheduled jobs and jobs in retry backoff (ZSET).
	StateDelayed State = "delayed"
	// StateCompleted contains successfully processed jobs (ZSET).
	StateCompleted State = "completed"
	// StateFailed contains jobs that exhausted their attempts (LIST).
	StateFailed State = "failed"
)

// AllStates lists every valid job state in a stable order.
var AllStates = []State{StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// ParseState converts a string into a State, returning an error for unknown
// values.
func ParseState(s string) (State, error) {
	switch s {
	case string(StateWaiting):
		return StateWaiting, nil
	case string(StateActive):
		return StateActive, nil
	case string(StateDelayed):
		return StateDelayed, nil
	case string(StateCompleted):
		return StateCompleted, nil
	case string(StateFailed):
		return StateFailed, nil
	default:
		return "", ErrUnknownState
	}
}
