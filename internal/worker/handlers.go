package worker

import (
	"fmt"
	"slices"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/task"
)

// handleEvent produces the initial recommendations and instructions for
// one event. The drain loop does the rest.
func (m *Machine) handleEvent(ev protocol.Event) (RecsInstrs, error) {
	switch e := ev.(type) {
	case *protocol.ComputeTaskEvent:
		return m.handleComputeTask(e)
	case *protocol.AcquireReplicasEvent:
		return m.handleAcquireReplicas(e)
	case *protocol.RescheduleEvent:
		return m.handleReschedule(e)
	case *protocol.FreeKeysEvent:
		return m.handleFreeKeys(e)
	case *protocol.ExecuteSuccessEvent:
		return m.handleExecuteSuccess(e)
	case *protocol.ExecuteFailureEvent:
		return m.handleExecuteFailure(e)
	case *protocol.UpdateDataEvent:
		return m.handleUpdateData(e)
	case *protocol.GatherDepSuccessEvent:
		return m.handleGatherDepSuccess(e)
	case *protocol.GatherDepBusyEvent:
		return m.handleGatherDepBusy(e)
	case *protocol.GatherDepNetworkFailureEvent:
		return m.handleGatherDepNetworkFailure(e)
	case *protocol.FindMissingEvent:
		return m.handleFindMissing(e)
	case *protocol.RefreshWhoHasEvent:
		return m.handleRefreshWhoHas(e)
	case *protocol.PauseEvent:
		m.paused = true
		return RecsInstrs{}, nil
	case *protocol.UnpauseEvent:
		m.paused = false
		return RecsInstrs{}, nil
	default:
		return RecsInstrs{}, fmt.Errorf("unhandled event class %s", ev.Cls())
	}
}

func (m *Machine) handleComputeTask(ev *protocol.ComputeTaskEvent) (RecsInstrs, error) {
	ts := m.ensureTask(ev.Key)
	recs := NewRecommendations()

	switch ts.State {
	case task.Memory, task.Error, task.Executing, task.Ready, task.Waiting:
		// Duplicate request; the existing lifecycle already covers it.
		return RecsInstrs{}, nil
	case task.Flight:
		// A gather is already on its way to producing this key. Store
		// the spec in case the fetch falls through later.
		m.applyComputeSpec(ts, ev)
		return RecsInstrs{}, nil
	case task.Cancelled, task.Resumed:
		m.applyComputeSpec(ts, ev)
		recs.Set(ts, task.Waiting)
		return RecsInstrs{Recs: recs}, nil
	}

	// Released, fetch, or missing: switch the task over to computing.
	m.applyComputeSpec(ts, ev)

	depKeys := make([]string, 0, len(ev.WhoHas))
	for key := range ev.WhoHas {
		depKeys = append(depKeys, key)
	}
	slices.Sort(depKeys)
	for _, key := range depKeys {
		dep := m.ensureTask(key)
		ts.AddDependency(dep)
		for _, peer := range ev.WhoHas[key] {
			m.addReplica(dep, peer)
		}
		if nb, ok := ev.Nbytes[key]; ok {
			dep.Nbytes = nb
		}
		if dep.Priority == nil {
			dep.Priority = slices.Clone(ts.Priority)
		}
	}

	recs.Set(ts, task.Waiting)
	return RecsInstrs{Recs: recs}, nil
}

// applyComputeSpec copies the compute request's metadata onto the task.
func (m *Machine) applyComputeSpec(ts *task.TaskState, ev *protocol.ComputeTaskEvent) {
	ts.RunSpec = ev.RunSpec
	ts.Priority = slices.Clone(ev.Priority)
	ts.Duration = ev.Duration
	ts.ResourceRestrictions = ev.ResourceRestrictions
	ts.Annotations = ev.Annotations
}

func (m *Machine) handleAcquireReplicas(ev *protocol.AcquireReplicasEvent) (RecsInstrs, error) {
	recs := NewRecommendations()
	for _, key := range sortedKeys(ev.WhoHas) {
		ts := m.ensureTask(key)
		for _, peer := range ev.WhoHas[key] {
			m.addReplica(ts, peer)
		}
		if ts.Priority == nil {
			// Replicas fetch behind scheduled compute work.
			ts.Priority = []int{1}
		}
		switch ts.State {
		case task.Released, task.Missing:
			if len(ts.WhoHas) > 0 {
				recs.Set(ts, task.Fetch)
			}
		case task.Cancelled:
			// Wanted again before the cancelled operation finished; resume
			// with fetch as the demanded outcome.
			recs.Set(ts, task.Fetch)
		}
	}
	return RecsInstrs{Recs: recs}, nil
}

func (m *Machine) handleReschedule(ev *protocol.RescheduleEvent) (RecsInstrs, error) {
	ts := m.tasks[ev.Key]
	if ts == nil {
		return RecsInstrs{}, nil
	}
	ts.Done = true
	recs := NewRecommendations()
	switch ts.State {
	case task.Executing, task.Resumed:
		recs.Set(ts, task.Released)
		return RecsInstrs{
			Recs: recs,
			Instructions: []protocol.Instruction{
				&protocol.RescheduleMsg{Key: ts.Key, StimulusID: ev.StimulusID},
			},
		}, nil
	case task.Cancelled:
		recs.Set(ts, task.Released)
		return RecsInstrs{Recs: recs}, nil
	}
	return RecsInstrs{}, nil
}

func (m *Machine) handleFreeKeys(ev *protocol.FreeKeysEvent) (RecsInstrs, error) {
	recs := NewRecommendations()
	for _, key := range ev.Keys {
		if ts := m.tasks[key]; ts != nil {
			recs.Set(ts, task.Released)
		}
	}
	return RecsInstrs{Recs: recs}, nil
}

func (m *Machine) handleExecuteSuccess(ev *protocol.ExecuteSuccessEvent) (RecsInstrs, error) {
	ts := m.tasks[ev.Key]
	if ts == nil {
		// Forgotten while executing; drop the result.
		return RecsInstrs{}, nil
	}
	ts.Done = true
	ts.StartTime = ev.Start
	ts.StopTime = ev.Stop

	recs := NewRecommendations()
	switch ts.State {
	case task.Executing:
		ts.Nbytes = ev.Nbytes
		ts.Type = ev.Type
		m.staged[ts] = ev.Value
		recs.Set(ts, task.Memory)
	case task.Resumed:
		ts.Nbytes = ev.Nbytes
		ts.Type = ev.Type
		m.staged[ts] = ev.Value
		recs.Set(ts, task.Memory)
	case task.Cancelled:
		recs.Set(ts, task.Released)
	default:
		// Already satisfied by another path (injection, fetch). The
		// late result is stale; drop it.
	}
	return RecsInstrs{Recs: recs}, nil
}

func (m *Machine) handleExecuteFailure(ev *protocol.ExecuteFailureEvent) (RecsInstrs, error) {
	ts := m.tasks[ev.Key]
	if ts == nil {
		return RecsInstrs{}, nil
	}
	ts.Done = true
	ts.StartTime = ev.Start
	ts.StopTime = ev.Stop

	recs := NewRecommendations()
	switch ts.State {
	case task.Resumed:
		if ts.Next == task.Fetch {
			// The scheduler stopped wanting the compute and asked for a
			// replica instead; the failed execution is irrelevant.
			recs.Set(ts, task.Fetch)
			break
		}
		fallthrough
	case task.Executing:
		ts.Exception = ev.Exception
		ts.Traceback = ev.Traceback
		ts.ExceptionText = ev.ExceptionText
		ts.TracebackText = ev.TracebackText
		recs.Set(ts, task.Error)
	case task.Cancelled:
		recs.Set(ts, task.Released)
	}
	return RecsInstrs{Recs: recs}, nil
}

func (m *Machine) handleUpdateData(ev *protocol.UpdateDataEvent) (RecsInstrs, error) {
	recs := NewRecommendations()
	added := make([]string, 0, len(ev.Data))

	for _, key := range sortedKeys(ev.Data) {
		value := ev.Data[key]
		ts := m.ensureTask(key)
		added = append(added, key)

		if ts.State == task.Memory {
			m.data[key] = value
			continue
		}

		// Force the task into memory right now, whatever it was doing.
		// A still-outstanding fetch or execution for this key will find
		// the task no longer expecting a result and drop it.
		start := ts.State
		for dep := range ts.WaitingForData {
			delete(dep.Waiters, ts)
		}
		clear(ts.WaitingForData)
		delete(m.executing, ts)
		ts.ComingFrom = ""
		ts.Previous = ""
		ts.Next = ""
		sub := m.putInMemory(ts, value)
		for _, next := range sub.order {
			recs.Set(next, sub.targets[next])
		}
		m.noteTransition(ts, start, ev.StimulusID)
	}

	var instructions []protocol.Instruction
	if ev.Report && len(added) > 0 {
		instructions = append(instructions, &protocol.AddKeysMsg{
			Keys:       added,
			StimulusID: ev.StimulusID,
		})
	}
	return RecsInstrs{Recs: recs, Instructions: instructions}, nil
}

func (m *Machine) handleGatherDepSuccess(ev *protocol.GatherDepSuccessEvent) (RecsInstrs, error) {
	recs := NewRecommendations()
	for _, key := range m.gatherDone(ev.Worker) {
		ts := m.tasks[key]
		if ts == nil {
			// Forgotten while in flight.
			continue
		}
		ts.Done = true

		value, present := ev.Data[key]
		switch ts.State {
		case task.Flight:
			if present {
				if nb, ok := ev.Nbytes[key]; ok {
					ts.Nbytes = nb
				}
				m.staged[ts] = value
				recs.Set(ts, task.Memory)
			} else {
				// The peer no longer holds the key.
				m.removeReplica(ts, ev.Worker)
				if len(ts.WhoHas) == 0 {
					recs.Set(ts, task.Missing)
				} else {
					recs.Set(ts, task.Fetch)
				}
			}
		case task.Resumed:
			if present {
				if nb, ok := ev.Nbytes[key]; ok {
					ts.Nbytes = nb
				}
				m.staged[ts] = value
				recs.Set(ts, task.Memory)
			} else {
				m.removeReplica(ts, ev.Worker)
				recs.Set(ts, ts.Next)
			}
		case task.Cancelled:
			recs.Set(ts, task.Released)
		default:
			// The key got satisfied another way (direct injection) while
			// the gather was in flight; the late result is stale.
		}
	}
	return RecsInstrs{Recs: recs}, nil
}

func (m *Machine) handleGatherDepBusy(ev *protocol.GatherDepBusyEvent) (RecsInstrs, error) {
	m.busyUntil[ev.Worker] = m.now().Add(BusyWorkerCooldown)

	recs := NewRecommendations()
	var exhausted []string
	now := m.now()

	for _, key := range m.gatherDone(ev.Worker) {
		ts := m.tasks[key]
		if ts == nil {
			continue
		}
		ts.Done = true
		switch ts.State {
		case task.Flight:
			recs.Set(ts, task.Fetch)
		case task.Resumed:
			recs.Set(ts, ts.Next)
		case task.Cancelled:
			recs.Set(ts, task.Released)
			continue
		default:
			continue
		}

		// If every known holder is cooling down or already serving a
		// transfer, ask the scheduler whether anyone else has the key.
		available := false
		for peer := range ts.WhoHas {
			if m.workerAvailable(peer, now) {
				available = true
				break
			}
		}
		if !available {
			exhausted = append(exhausted, key)
		}
	}

	var instructions []protocol.Instruction
	if len(exhausted) > 0 {
		slices.Sort(exhausted)
		instructions = append(instructions, &protocol.RequestRefreshWhoHasMsg{
			Keys:       exhausted,
			StimulusID: ev.StimulusID,
		})
	}
	return RecsInstrs{Recs: recs, Instructions: instructions}, nil
}

func (m *Machine) handleGatherDepNetworkFailure(ev *protocol.GatherDepNetworkFailureEvent) (RecsInstrs, error) {
	// The peer is unreachable: forget every replica it was believed to
	// hold, not just the ones in this transfer.
	held := sortedKeySet(m.hasWhat[ev.Worker])
	for _, key := range held {
		if ts := m.tasks[key]; ts != nil {
			m.removeReplica(ts, ev.Worker)
		}
	}

	recs := NewRecommendations()
	for _, key := range m.gatherDone(ev.Worker) {
		ts := m.tasks[key]
		if ts == nil {
			continue
		}
		ts.Done = true
		ts.SuspiciousCount++
		switch ts.State {
		case task.Flight:
			if len(ts.WhoHas) == 0 {
				recs.Set(ts, task.Missing)
			} else {
				recs.Set(ts, task.Fetch)
			}
		case task.Resumed:
			recs.Set(ts, ts.Next)
		case task.Cancelled:
			recs.Set(ts, task.Released)
		}
	}
	return RecsInstrs{Recs: recs}, nil
}

func (m *Machine) handleFindMissing(ev *protocol.FindMissingEvent) (RecsInstrs, error) {
	var missing []string
	for key, ts := range m.tasks {
		if ts.State == task.Missing {
			missing = append(missing, key)
		}
	}

	instructions := []protocol.Instruction{
		// The run loop schedules the next tick off this instruction.
		&protocol.FindMissingInstr{StimulusID: ev.StimulusID},
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		instructions = append(instructions, &protocol.RequestRefreshWhoHasMsg{
			Keys:       missing,
			StimulusID: ev.StimulusID,
		})
	}
	return RecsInstrs{Instructions: instructions}, nil
}

func (m *Machine) handleRefreshWhoHas(ev *protocol.RefreshWhoHasEvent) (RecsInstrs, error) {
	recs := NewRecommendations()
	for _, key := range sortedKeys(ev.WhoHas) {
		ts := m.tasks[key]
		if ts == nil {
			continue
		}

		// The scheduler's answer replaces our replica table for the key.
		fresh := ev.WhoHas[key]
		for _, peer := range sortedKeySet(ts.WhoHas) {
			if !slices.Contains(fresh, peer) {
				m.removeReplica(ts, peer)
			}
		}
		for _, peer := range fresh {
			m.addReplica(ts, peer)
		}

		switch ts.State {
		case task.Missing:
			if len(ts.WhoHas) > 0 {
				recs.Set(ts, task.Fetch)
			}
		case task.Fetch:
			if len(ts.WhoHas) == 0 {
				recs.Set(ts, task.Missing)
			}
		}
	}
	return RecsInstrs{Recs: recs}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sortedKeySet(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
