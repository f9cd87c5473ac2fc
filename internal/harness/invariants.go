package harness

import (
	"fmt"

	"github.com/taskmesh/taskmesh/internal/task"
	"github.com/taskmesh/taskmesh/internal/worker"
)

// CheckInvariants verifies the structural consistency of a machine
// between stimuli: graph edges are symmetric, waiting bookkeeping
// matches the graph, and task states agree with the data they imply.
// The harness calls this after every handled stimulus, so a defect is
// pinned to the stimulus that introduced it.
func CheckInvariants(m *worker.Machine) error {
	for key := range m.Tasks() {
		ts := m.Task(key)
		if ts == nil {
			return fmt.Errorf("task %q listed but not retrievable", key)
		}
		if ts.Key != key {
			return fmt.Errorf("task %q registered under key %q", ts.Key, key)
		}
		if !ts.State.Valid() {
			return fmt.Errorf("task %q has invalid state %q", key, ts.State)
		}
		if ts.State == task.Forgotten {
			return fmt.Errorf("task %q is forgotten but still tracked", key)
		}

		for dep := range ts.Dependencies {
			if m.Task(dep.Key) != dep {
				return fmt.Errorf("task %q depends on unregistered task %q", key, dep.Key)
			}
			if _, ok := dep.Dependents[ts]; !ok {
				return fmt.Errorf("dependency edge %q -> %q has no reverse edge", key, dep.Key)
			}
		}
		for dependent := range ts.Dependents {
			if _, ok := dependent.Dependencies[ts]; !ok {
				return fmt.Errorf("dependent edge %q -> %q has no reverse edge", key, dependent.Key)
			}
		}

		for dep := range ts.WaitingForData {
			if _, ok := ts.Dependencies[dep]; !ok {
				return fmt.Errorf("task %q waits for %q without depending on it", key, dep.Key)
			}
			if dep.State == task.Memory {
				return fmt.Errorf("task %q waits for %q which is already in memory", key, dep.Key)
			}
			if _, ok := dep.Waiters[ts]; !ok {
				return fmt.Errorf("task %q waits for %q but is not among its waiters", key, dep.Key)
			}
		}
		for waiter := range ts.Waiters {
			if _, ok := waiter.WaitingForData[ts]; !ok {
				return fmt.Errorf("task %q lists waiter %q that is not waiting for it", key, waiter.Key)
			}
		}

		if ts.State == task.Waiting && len(ts.WaitingForData) == 0 {
			return fmt.Errorf("task %q is waiting with nothing to wait for", key)
		}
		if ts.State == task.Flight && ts.ComingFrom == "" {
			return fmt.Errorf("task %q is in flight from nowhere", key)
		}

		_, hasData := m.Data(key)
		if ts.State == task.Memory && !hasData {
			return fmt.Errorf("task %q is in memory state without a value", key)
		}
		if ts.State != task.Memory && hasData {
			return fmt.Errorf("task %q holds a value in state %q", key, ts.State)
		}
	}
	return nil
}
