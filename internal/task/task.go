package task

import (
	"fmt"
	"slices"

	"github.com/taskmesh/taskmesh/internal/protocol"
)

// DefaultDataSize is assumed for tasks whose byte size is not yet known,
// so fetch batching can budget transfers before the first measurement.
const DefaultDataSize = 1024

// TaskState holds everything the worker knows about one key.
type TaskState struct {
	Key   string
	State State

	// Priority orders the ready and fetch queues; lower sorts first,
	// compared element by element.
	Priority []int

	// Dependencies and Dependents are the local slice of the task graph.
	// Both edges are kept symmetric by AddDependency/RemoveDependency.
	Dependencies map[*TaskState]struct{}
	Dependents   map[*TaskState]struct{}

	// WaitingForData is the subset of Dependencies not in memory yet.
	// Waiters is the subset of Dependents blocked on this task.
	WaitingForData map[*TaskState]struct{}
	Waiters        map[*TaskState]struct{}

	// WhoHas is the set of peer addresses believed to hold a replica.
	WhoHas map[string]struct{}

	// ComingFrom is the peer of the outstanding gather, if any.
	ComingFrom string

	// Attempt counts how many times the task has been released and
	// restarted. Diagnostic only: stale async results are detected by
	// the task's state and Done flag, not by comparing attempts.
	Attempt int

	// Previous and Next record the interrupted lifecycle around
	// cancelled/resumed: Previous is the in-flight state that was
	// abandoned, Next the target to resume toward.
	Previous State
	Next     State

	RunSpec              protocol.SerializedTask
	Duration             float64
	ResourceRestrictions map[string]float64
	Annotations          map[string]any

	// Nbytes is the measured size of the result value, or -1 when
	// unknown. Use GetNbytes for budgeting.
	Nbytes int64

	Type          string
	Exception     []byte
	Traceback     []byte
	ExceptionText string
	TracebackText string

	SuspiciousCount int
	StartTime       float64
	StopTime        float64

	// Done marks that the lifecycle reached a terminal outcome for the
	// current attempt.
	Done bool
}

// New returns a TaskState in the released state with unknown size.
func New(key string) *TaskState {
	return &TaskState{
		Key:            key,
		State:          Released,
		Dependencies:   make(map[*TaskState]struct{}),
		Dependents:     make(map[*TaskState]struct{}),
		WaitingForData: make(map[*TaskState]struct{}),
		Waiters:        make(map[*TaskState]struct{}),
		WhoHas:         make(map[string]struct{}),
		Nbytes:         -1,
	}
}

// GetNbytes returns the measured size, or DefaultDataSize when unknown.
func (ts *TaskState) GetNbytes() int64 {
	if ts.Nbytes >= 0 {
		return ts.Nbytes
	}
	return DefaultDataSize
}

// AddDependency records dep as a dependency of ts, keeping both edge
// sets symmetric.
func (ts *TaskState) AddDependency(dep *TaskState) {
	ts.Dependencies[dep] = struct{}{}
	dep.Dependents[ts] = struct{}{}
}

// RemoveDependency drops the edge in both directions and clears any
// waiting bookkeeping tied to it.
func (ts *TaskState) RemoveDependency(dep *TaskState) {
	delete(ts.Dependencies, dep)
	delete(ts.WaitingForData, dep)
	delete(dep.Dependents, ts)
	delete(dep.Waiters, ts)
}

// String is the short repr used in logs and in nested dict output.
func (ts *TaskState) String() string {
	return fmt.Sprintf("<TaskState '%s' %s>", ts.Key, ts.State)
}

// ToDict dumps the task for diagnostics. Zero-valued fields are omitted;
// neighbour tasks appear as short reprs so the full record for each task
// exists exactly once in a tasks dump.
func (ts *TaskState) ToDict() map[string]any {
	d := map[string]any{
		"key":   ts.Key,
		"state": string(ts.State),
	}
	if len(ts.Priority) > 0 {
		p := make([]any, len(ts.Priority))
		for i, n := range ts.Priority {
			p[i] = n
		}
		d["priority"] = p
	}
	if len(ts.Dependencies) > 0 {
		d["dependencies"] = reprSet(ts.Dependencies)
	}
	if len(ts.Dependents) > 0 {
		d["dependents"] = reprSet(ts.Dependents)
	}
	if len(ts.WaitingForData) > 0 {
		d["waiting_for_data"] = reprSet(ts.WaitingForData)
	}
	if len(ts.Waiters) > 0 {
		d["waiters"] = reprSet(ts.Waiters)
	}
	if len(ts.WhoHas) > 0 {
		workers := make([]any, 0, len(ts.WhoHas))
		for w := range ts.WhoHas {
			workers = append(workers, w)
		}
		slices.SortFunc(workers, func(a, b any) int {
			as, bs := a.(string), b.(string)
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			}
			return 0
		})
		d["who_has"] = workers
	}
	if ts.ComingFrom != "" {
		d["coming_from"] = ts.ComingFrom
	}
	if ts.Nbytes >= 0 {
		d["nbytes"] = ts.Nbytes
	}
	if ts.Duration != 0 {
		d["duration"] = ts.Duration
	}
	if ts.Type != "" {
		d["type"] = ts.Type
	}
	if ts.ExceptionText != "" {
		d["exception_text"] = ts.ExceptionText
	}
	if ts.TracebackText != "" {
		d["traceback_text"] = ts.TracebackText
	}
	if ts.SuspiciousCount > 0 {
		d["suspicious_count"] = ts.SuspiciousCount
	}
	if ts.Previous != "" {
		d["previous"] = string(ts.Previous)
	}
	if ts.Next != "" {
		d["next"] = string(ts.Next)
	}
	if ts.Done {
		d["done"] = true
	}
	return d
}

// reprSet renders neighbour tasks as sorted short reprs.
func reprSet(set map[*TaskState]struct{}) []any {
	reprs := make([]string, 0, len(set))
	for t := range set {
		reprs = append(reprs, t.String())
	}
	slices.Sort(reprs)
	out := make([]any, len(reprs))
	for i, r := range reprs {
		out[i] = r
	}
	return out
}

// PriorityLess orders two priority tuples element by element, shorter
// tuple first on ties. Used by the ready and fetch heaps.
func PriorityLess(a, b []int) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
