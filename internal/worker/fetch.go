package worker

import (
	"container/heap"
	"slices"
	"time"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/task"
)

// taskHeap is a priority queue of tasks ordered by priority tuple, with
// the key as a deterministic tie-break.
//
// Entries are never removed eagerly when a task changes state; instead
// Pop discards stale entries lazily. The validity check belongs to the
// caller, which knows which state the entry is supposed to be in.
type taskHeap struct {
	entries taskHeapEntries
}

type taskHeapEntries []*task.TaskState

func (h taskHeapEntries) Len() int { return len(h) }
func (h taskHeapEntries) Less(i, j int) bool {
	if task.PriorityLess(h[i].Priority, h[j].Priority) {
		return true
	}
	if task.PriorityLess(h[j].Priority, h[i].Priority) {
		return false
	}
	return h[i].Key < h[j].Key
}
func (h taskHeapEntries) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeapEntries) Push(x any)   { *h = append(*h, x.(*task.TaskState)) }
func (h *taskHeapEntries) Pop() any {
	old := *h
	n := len(old)
	ts := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ts
}

func newTaskHeap() *taskHeap {
	return &taskHeap{}
}

func (h *taskHeap) Push(ts *task.TaskState) {
	heap.Push(&h.entries, ts)
}

// Pop returns the highest-priority entry that satisfies valid, lazily
// discarding everything else on the way.
func (h *taskHeap) Pop(valid func(*task.TaskState) bool) (*task.TaskState, bool) {
	for h.entries.Len() > 0 {
		ts := heap.Pop(&h.entries).(*task.TaskState)
		if valid(ts) {
			return ts, true
		}
	}
	return nil, false
}

func (h *taskHeap) Len() int {
	return h.entries.Len()
}

// fetchable reports whether ts is a live entry of the fetch queue.
func (m *Machine) fetchable(ts *task.TaskState) bool {
	return m.tasks[ts.Key] == ts && ts.State == task.Fetch
}

// workerAvailable reports whether a peer can take another gather right
// now: not cooling down after a busy response and not already serving
// one of our transfers.
func (m *Machine) workerAvailable(peer string, now time.Time) bool {
	if until, ok := m.busyUntil[peer]; ok {
		if now.Before(until) {
			return false
		}
		delete(m.busyUntil, peer)
	}
	_, inFlight := m.inFlightWorkers[peer]
	return !inFlight
}

// selectWorker picks the peer to gather ts from: the lexicographically
// smallest available holder, preferring a deterministic choice over a
// clever one.
func (m *Machine) selectWorker(ts *task.TaskState, now time.Time) (string, bool) {
	var best string
	for peer := range ts.WhoHas {
		if !m.workerAvailable(peer, now) {
			continue
		}
		if best == "" || peer < best {
			best = peer
		}
	}
	return best, best != ""
}

// ensureCommunicating drains the fetch queue into gather instructions,
// batching same-peer keys under the byte budget, until either the queue
// or the concurrent-transfer allowance is exhausted.
func (m *Machine) ensureCommunicating(stimulusID string) []protocol.Instruction {
	if m.paused {
		return nil
	}

	now := m.now()
	var instructions []protocol.Instruction
	var skipped []*task.TaskState

	for len(m.inFlightWorkers) < m.transferIncomingCountLimit {
		ts, ok := m.dataNeeded.Pop(m.fetchable)
		if !ok {
			break
		}

		peer, ok := m.selectWorker(ts, now)
		if !ok {
			// Every holder is busy or already transferring. Leave the
			// task in fetch and retry on a later stimulus.
			skipped = append(skipped, ts)
			continue
		}

		toGather, totalNbytes := m.batchForPeer(ts, peer)
		for _, key := range toGather {
			dep := m.tasks[key]
			start := dep.State
			dep.State = task.Flight
			dep.ComingFrom = peer
			dep.Done = false
			seq := m.noteTransition(dep, start, stimulusID)
			m.noteFetch(seq, key, peer, stimulusID)
		}

		inFlight := make(map[string]struct{}, len(toGather))
		for _, key := range toGather {
			inFlight[key] = struct{}{}
		}
		m.inFlightWorkers[peer] = inFlight

		m.log.Debug("gather scheduled",
			"worker", peer,
			"keys", len(toGather),
			"total_nbytes", totalNbytes,
			"stimulus_id", stimulusID,
		)
		instructions = append(instructions, &protocol.GatherDep{
			Worker:      peer,
			ToGather:    toGather,
			TotalNbytes: totalNbytes,
			StimulusID:  stimulusID,
		})
	}

	for _, ts := range skipped {
		m.dataNeeded.Push(ts)
	}
	return instructions
}

// batchForPeer collects fetch-state keys held by peer, starting from the
// task that won the queue, until the byte budget is spent. Returns the
// sorted key list and the projected transfer size.
func (m *Machine) batchForPeer(first *task.TaskState, peer string) ([]string, int64) {
	keys := []string{first.Key}
	total := first.GetNbytes()

	candidates := make([]string, 0, len(m.hasWhat[peer]))
	for key := range m.hasWhat[peer] {
		candidates = append(candidates, key)
	}
	slices.Sort(candidates)

	for _, key := range candidates {
		if key == first.Key {
			continue
		}
		ts := m.tasks[key]
		if ts == nil || ts.State != task.Fetch {
			continue
		}
		if total+ts.GetNbytes() > m.targetMessageSize {
			continue
		}
		keys = append(keys, key)
		total += ts.GetNbytes()
	}

	slices.Sort(keys)
	return keys, total
}

// gatherDone clears the in-flight bookkeeping for a finished gather and
// returns the keys it covered, sorted for deterministic handling.
func (m *Machine) gatherDone(peer string) []string {
	inFlight := m.inFlightWorkers[peer]
	delete(m.inFlightWorkers, peer)
	keys := make([]string, 0, len(inFlight))
	for key := range inFlight {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
