package keys

// Package keys centralizes Redis key construction.
// It is kept in internal so the key layout never leaks into the public API.

// Queue state keys use a hash tag around the queue name so every key of one
// queue lands on the same cluster slot, which the Lua transitions rely on.

func Waiting(q string) string   { return "jobcoord:{" + q + "}:waiting" }
func Active(q string) string    { return "jobcoord:{" + q + "}:active" }
func Delayed(q string) string   { return "jobcoord:{" + q + "}:delayed" }
func Completed(q string) string { return "jobcoord:{" + q + "}:completed" }
func Failed(q string) string    { return "jobcoord:{" + q + "}:failed" }

// Unique returns the per-queue SET that tracks claimed job IDs. Membership in
// this set is the store-level deduplication mechanism for explicit job IDs.
func Unique(q string) string { return "jobcoord:{" + q + "}:unique" }

// Paused returns the flag key checked by the dequeue script. While the key
// exists workers stop claiming jobs from the queue.
func Paused(q string) string { return "jobcoord:{" + q + "}:paused" }

// Queue holds all precomputed keys for a queue name to avoid repeated
// concatenations on the dequeue path.
type Queue struct {
	Waiting   string
	Active    string
	Delayed   string
	Completed string
	Failed    string
	Unique    string
	Paused    string
}

// For returns the set of precomputed keys for the provided queue.
func For(q string) Queue {
	prefix := "jobcoord:{" + q + "}:"
	return Queue{
		Waiting:   prefix + "waiting",
		Active:    prefix + "active",
		Delayed:   prefix + "delayed",
		Completed: prefix + "completed",
		Failed:    prefix + "failed",
		Unique:    prefix + "unique",
		Paused:    prefix + "paused",
	}
}

// Lock returns the storage key for a distributed lock resource. The resource
// string is the cross-process contract shared with every other caller, so the
// only decoration is the fixed prefix.
func Lock(resource string) string { return "lock:" + resource }
