package worker

import (
	"slices"
	"strings"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/task"
)

// transitionEdge identifies one legal state change.
type transitionEdge struct {
	start  task.State
	finish task.State
}

// transitionFunc applies one state change. It mutates ts (including
// ts.State) and the machine's indexes, and returns follow-on work.
//
// The task.Done flag disambiguates releases: releasing a task whose
// async operation is still outstanding parks it in cancelled instead of
// released, so the eventual completion can be absorbed safely.
type transitionFunc func(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error)

var transitionTable = map[transitionEdge]transitionFunc{
	{task.Released, task.Waiting}:   transitionToWaiting,
	{task.Released, task.Fetch}:     transitionReleasedFetch,
	{task.Released, task.Missing}:   transitionReleasedMissing,
	{task.Released, task.Forgotten}: transitionReleasedForgotten,

	{task.Waiting, task.Ready}:    transitionWaitingReady,
	{task.Waiting, task.Released}: transitionWaitingReleased,

	{task.Ready, task.Executing}: transitionReadyExecuting,
	{task.Ready, task.Released}:  transitionReadyReleased,

	{task.Executing, task.Memory}:   transitionExecutingMemory,
	{task.Executing, task.Error}:    transitionExecutingError,
	{task.Executing, task.Released}: transitionExecutingReleased,

	{task.Fetch, task.Waiting}:  transitionToWaiting,
	{task.Fetch, task.Missing}:  transitionFetchMissing,
	{task.Fetch, task.Released}: transitionFetchReleased,

	{task.Flight, task.Memory}:   transitionFlightMemory,
	{task.Flight, task.Fetch}:    transitionFlightFetch,
	{task.Flight, task.Missing}:  transitionFlightMissing,
	{task.Flight, task.Released}: transitionFlightReleased,

	{task.Missing, task.Fetch}:    transitionMissingFetch,
	{task.Missing, task.Waiting}:  transitionToWaiting,
	{task.Missing, task.Released}: transitionMissingReleased,

	{task.Cancelled, task.Released}:  transitionCancelledReleased,
	{task.Cancelled, task.Forgotten}: transitionCancelledForgotten,
	{task.Cancelled, task.Fetch}:     transitionCancelledResumedFetch,
	{task.Cancelled, task.Waiting}:   transitionCancelledResumedWaiting,

	{task.Resumed, task.Memory}:   transitionResumedMemory,
	{task.Resumed, task.Error}:    transitionResumedError,
	{task.Resumed, task.Fetch}:    transitionResumedFetch,
	{task.Resumed, task.Waiting}:  transitionResumedWaiting,
	{task.Resumed, task.Released}: transitionResumedReleased,

	{task.Memory, task.Released}: transitionMemoryReleased,
	{task.Error, task.Released}:  transitionErrorReleased,
}

// transitionToWaiting blocks ts on its unfinished dependencies and
// recommends fetching the ones the worker does not have yet.
func transitionToWaiting(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	recs := NewRecommendations()
	for dep := range ts.Dependencies {
		if dep.State == task.Memory {
			continue
		}
		ts.WaitingForData[dep] = struct{}{}
		dep.Waiters[ts] = struct{}{}
		switch dep.State {
		case task.Released:
			if len(dep.WhoHas) > 0 {
				recs.Set(dep, task.Fetch)
			} else {
				recs.Set(dep, task.Missing)
			}
		case task.Missing:
			// The request that made ts wait may have named fresh holders
			// for a dependency that was given up on. Revive it right away
			// instead of waiting for the next find-missing round-trip.
			if len(dep.WhoHas) > 0 {
				recs.Set(dep, task.Fetch)
			}
		}
	}
	ts.State = task.Waiting
	ts.Done = false
	if len(ts.WaitingForData) == 0 {
		recs.Set(ts, task.Ready)
	}
	return RecsInstrs{Recs: recs}, nil
}

func transitionReleasedFetch(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	// Holders can vanish between the recommendation and its application.
	if len(ts.WhoHas) == 0 {
		ts.State = task.Missing
		return RecsInstrs{}, nil
	}
	ts.State = task.Fetch
	ts.Done = false
	m.dataNeeded.Push(ts)
	return RecsInstrs{}, nil
}

func transitionReleasedMissing(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	ts.State = task.Missing
	return RecsInstrs{}, nil
}

func transitionReleasedForgotten(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	return forgetAndSweep(m, ts), nil
}

// forgetAndSweep forgets ts and recommends forgetting any dependency
// that this removal left released with no remaining dependents.
func forgetAndSweep(m *Machine, ts *task.TaskState) RecsInstrs {
	deps := make([]*task.TaskState, 0, len(ts.Dependencies))
	for dep := range ts.Dependencies {
		deps = append(deps, dep)
	}
	slices.SortFunc(deps, func(a, b *task.TaskState) int {
		return strings.Compare(a.Key, b.Key)
	})

	m.forgetTask(ts)

	recs := NewRecommendations()
	for _, dep := range deps {
		if dep.State == task.Released && len(dep.Dependents) == 0 {
			recs.Set(dep, task.Forgotten)
		}
	}
	return RecsInstrs{Recs: recs}
}

func transitionWaitingReady(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	ts.State = task.Ready
	m.ready.Push(ts)
	return RecsInstrs{}, nil
}

func transitionWaitingReleased(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	return releaseCommon(m, ts)
}

func transitionReadyExecuting(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	ts.State = task.Executing
	ts.Done = false
	m.executing[ts] = struct{}{}
	return RecsInstrs{
		Instructions: []protocol.Instruction{
			&protocol.Execute{Key: ts.Key, StimulusID: stimulusID},
		},
	}, nil
}

func transitionReadyReleased(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	return releaseCommon(m, ts)
}

func transitionExecutingMemory(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	delete(m.executing, ts)
	value := m.staged[ts]
	delete(m.staged, ts)
	recs := m.putInMemory(ts, value)
	return RecsInstrs{
		Recs: recs,
		Instructions: []protocol.Instruction{
			&protocol.TaskFinishedMsg{
				Key:        ts.Key,
				Nbytes:     ts.GetNbytes(),
				Type:       ts.Type,
				Start:      ts.StartTime,
				Stop:       ts.StopTime,
				StimulusID: stimulusID,
			},
		},
	}, nil
}

func transitionExecutingError(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	delete(m.executing, ts)
	ts.State = task.Error
	return RecsInstrs{
		Instructions: []protocol.Instruction{
			&protocol.TaskErredMsg{
				Key:           ts.Key,
				ExceptionText: ts.ExceptionText,
				TracebackText: ts.TracebackText,
				StimulusID:    stimulusID,
			},
		},
	}, nil
}

func transitionExecutingReleased(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	if !ts.Done {
		// The executor is still running this task. Park it until the
		// completion event arrives.
		ts.Previous = task.Executing
		ts.Next = ""
		ts.State = task.Cancelled
		return RecsInstrs{}, nil
	}
	delete(m.executing, ts)
	return releaseCommon(m, ts)
}

func transitionFetchMissing(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	ts.State = task.Missing
	return RecsInstrs{}, nil
}

func transitionFetchReleased(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	return releaseCommon(m, ts)
}

func transitionFlightMemory(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	value := m.staged[ts]
	delete(m.staged, ts)
	recs := m.putInMemory(ts, value)
	return RecsInstrs{
		Recs: recs,
		Instructions: []protocol.Instruction{
			&protocol.AddKeysMsg{Keys: []string{ts.Key}, StimulusID: stimulusID},
		},
	}, nil
}

func transitionFlightFetch(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	ts.ComingFrom = ""
	if len(ts.WhoHas) == 0 {
		ts.State = task.Missing
		return RecsInstrs{}, nil
	}
	ts.State = task.Fetch
	ts.Done = false
	m.dataNeeded.Push(ts)
	return RecsInstrs{}, nil
}

func transitionFlightMissing(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	ts.ComingFrom = ""
	ts.State = task.Missing
	return RecsInstrs{}, nil
}

func transitionFlightReleased(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	if !ts.Done {
		// The gather is still outstanding. Park the task; the gather
		// completion will recommend released again with Done set.
		ts.Previous = task.Flight
		ts.Next = ""
		ts.State = task.Cancelled
		return RecsInstrs{}, nil
	}
	ts.ComingFrom = ""
	return releaseCommon(m, ts)
}

func transitionMissingFetch(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	if len(ts.WhoHas) == 0 {
		return RecsInstrs{}, nil
	}
	ts.State = task.Fetch
	ts.Done = false
	m.dataNeeded.Push(ts)
	return RecsInstrs{}, nil
}

func transitionMissingReleased(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	return releaseCommon(m, ts)
}

func transitionCancelledReleased(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	if !ts.Done {
		// Still waiting for the in-flight operation; stay parked.
		ts.State = task.Cancelled
		return RecsInstrs{}, nil
	}
	delete(m.executing, ts)
	ts.ComingFrom = ""
	ts.Previous = ""
	return releaseCommon(m, ts)
}

func transitionCancelledForgotten(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	return forgetAndSweep(m, ts), nil
}

// resumeCancelled revives a cancelled task that is wanted again before
// its in-flight operation finished. next is the demanded target state,
// stashed so the operation's completion can steer toward it; it is
// independent of Previous (a task cancelled mid-flight can be
// re-demanded as a compute, and vice versa).
func resumeCancelled(ts *task.TaskState, next task.State) (RecsInstrs, error) {
	ts.Next = next
	ts.State = task.Resumed
	return RecsInstrs{}, nil
}

func transitionCancelledResumedFetch(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	return resumeCancelled(ts, task.Fetch)
}

func transitionCancelledResumedWaiting(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	return resumeCancelled(ts, task.Waiting)
}

func transitionResumedMemory(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	previous := ts.Previous
	ts.Previous = ""
	ts.Next = ""
	value := m.staged[ts]
	delete(m.staged, ts)
	delete(m.executing, ts)
	recs := m.putInMemory(ts, value)

	var instr protocol.Instruction
	if previous == task.Executing {
		instr = &protocol.TaskFinishedMsg{
			Key:        ts.Key,
			Nbytes:     ts.GetNbytes(),
			Type:       ts.Type,
			Start:      ts.StartTime,
			Stop:       ts.StopTime,
			StimulusID: stimulusID,
		}
	} else {
		instr = &protocol.AddKeysMsg{Keys: []string{ts.Key}, StimulusID: stimulusID}
	}
	return RecsInstrs{Recs: recs, Instructions: []protocol.Instruction{instr}}, nil
}

func transitionResumedError(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	delete(m.executing, ts)
	ts.Previous = ""
	ts.Next = ""
	ts.State = task.Error
	return RecsInstrs{
		Instructions: []protocol.Instruction{
			&protocol.TaskErredMsg{
				Key:           ts.Key,
				ExceptionText: ts.ExceptionText,
				TracebackText: ts.TracebackText,
				StimulusID:    stimulusID,
			},
		},
	}, nil
}

// transitionResumedFetch applies after the interrupted operation failed
// and the task still wants to be fetched.
func transitionResumedFetch(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	ts.Previous = ""
	ts.Next = ""
	ts.ComingFrom = ""
	delete(m.executing, ts)
	if len(ts.WhoHas) == 0 {
		ts.State = task.Missing
		return RecsInstrs{}, nil
	}
	ts.State = task.Fetch
	ts.Done = false
	m.dataNeeded.Push(ts)
	return RecsInstrs{}, nil
}

func transitionResumedWaiting(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	ts.Previous = ""
	ts.Next = ""
	ts.ComingFrom = ""
	delete(m.executing, ts)
	ts.State = task.Released
	return transitionToWaiting(m, ts, stimulusID)
}

func transitionResumedReleased(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	if !ts.Done {
		// Released again while the operation is still outstanding;
		// fall back to plain cancelled.
		ts.Next = ""
		ts.State = task.Cancelled
		return RecsInstrs{}, nil
	}
	delete(m.executing, ts)
	ts.ComingFrom = ""
	ts.Previous = ""
	ts.Next = ""
	return releaseCommon(m, ts)
}

func transitionMemoryReleased(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	m.releaseData(ts)
	out, err := releaseCommon(m, ts)
	if err != nil {
		return RecsInstrs{}, err
	}
	out.Instructions = append(out.Instructions, &protocol.ReleaseWorkerDataMsg{
		Key:        ts.Key,
		StimulusID: stimulusID,
	})
	return out, nil
}

func transitionErrorReleased(m *Machine, ts *task.TaskState, stimulusID string) (RecsInstrs, error) {
	return releaseCommon(m, ts)
}

// releaseCommon is the shared tail of every *->released transition:
// detach waiting edges, clear per-attempt fields, and recommend
// forgetting the task when nothing local depends on it anymore.
func releaseCommon(m *Machine, ts *task.TaskState) (RecsInstrs, error) {
	for dep := range ts.WaitingForData {
		delete(dep.Waiters, ts)
	}
	clear(ts.WaitingForData)
	ts.State = task.Released
	ts.Done = false
	ts.Attempt++

	recs := NewRecommendations()
	if len(ts.Dependents) == 0 {
		recs.Set(ts, task.Forgotten)
	}
	return RecsInstrs{Recs: recs}, nil
}
