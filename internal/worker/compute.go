package worker

import "github.com/taskmesh/taskmesh/internal/task"

// runnable reports whether ts is a live entry of the ready queue.
func (m *Machine) runnable(ts *task.TaskState) bool {
	return m.tasks[ts.Key] == ts && ts.State == task.Ready
}

// ensureComputing recommends executing for the highest-priority ready
// tasks while execution slots are free. The recommendations go through
// the normal transition machinery, which emits the Execute instructions.
func (m *Machine) ensureComputing() *Recommendations {
	recs := NewRecommendations()
	if m.paused {
		return recs
	}
	slots := m.nthreads - len(m.executing)
	for slots > 0 {
		ts, ok := m.ready.Pop(m.runnable)
		if !ok {
			break
		}
		recs.Set(ts, task.Executing)
		slots--
	}
	return recs
}
