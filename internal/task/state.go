package task

// State is the lifecycle state of a task on this worker.
type State string

const (
	// Released is the neutral state: known, not wanted right now.
	Released State = "released"
	// Waiting tasks have dependencies that are not in memory yet.
	Waiting State = "waiting"
	// Ready tasks have all dependencies in memory and sit in the
	// execution queue.
	Ready State = "ready"
	// Executing tasks are running on the executor.
	Executing State = "executing"
	// Memory tasks have their result value available locally.
	Memory State = "memory"
	// Error tasks failed to execute.
	Error State = "error"
	// Fetch tasks should be replicated from a peer and sit in the
	// fetch queue.
	Fetch State = "fetch"
	// Flight tasks have exactly one outstanding gather operation.
	Flight State = "flight"
	// Missing tasks have no known replica holder anywhere.
	Missing State = "missing"
	// Cancelled tasks were released while an operation was in flight;
	// they wait for that operation to finish, then get forgotten.
	Cancelled State = "cancelled"
	// Resumed tasks were cancelled and then wanted again before the
	// in-flight operation finished.
	Resumed State = "resumed"
	// Forgotten tasks are gone; the state exists only as a transition
	// target and in logs.
	Forgotten State = "forgotten"
)

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	switch s {
	case Released, Waiting, Ready, Executing, Memory, Error,
		Fetch, Flight, Missing, Cancelled, Resumed, Forgotten:
		return true
	}
	return false
}
