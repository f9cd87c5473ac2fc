package worker

import (
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/task"
)

// Recommendations is an insertion-ordered map from task to proposed next
// state. Transitions return recommendations instead of mutating further
// tasks directly; the fixed-point loop drains them one at a time.
//
// Order matters for determinism: draining happens from the back (the
// most recently produced recommendation first), and merging preserves
// the order recommendations were produced in.
type Recommendations struct {
	order   []*task.TaskState
	targets map[*task.TaskState]task.State
}

// NewRecommendations returns an empty set.
func NewRecommendations() *Recommendations {
	return &Recommendations{targets: make(map[*task.TaskState]task.State)}
}

// Set records a proposed target state for ts. Re-setting a task keeps
// its original position and overwrites the target.
func (r *Recommendations) Set(ts *task.TaskState, target task.State) {
	if _, ok := r.targets[ts]; !ok {
		r.order = append(r.order, ts)
	}
	r.targets[ts] = target
}

// Get returns the proposed target for ts, if any.
func (r *Recommendations) Get(ts *task.TaskState) (task.State, bool) {
	target, ok := r.targets[ts]
	return target, ok
}

// Len returns the number of pending recommendations.
func (r *Recommendations) Len() int {
	return len(r.targets)
}

// PopItem removes and returns the most recently added recommendation.
func (r *Recommendations) PopItem() (*task.TaskState, task.State, bool) {
	if len(r.order) == 0 {
		return nil, "", false
	}
	ts := r.order[len(r.order)-1]
	r.order = r.order[:len(r.order)-1]
	target := r.targets[ts]
	delete(r.targets, ts)
	return ts, target, true
}

// RecsInstrs pairs the two outputs of a transition: proposed follow-on
// states and instructions ready for dispatch.
type RecsInstrs struct {
	Recs         *Recommendations
	Instructions []protocol.Instruction
}

// MergeRecsInstructions merges transition outcomes left to right.
// Identical duplicate recommendations collapse silently; two different
// targets for the same task are a RECOMMENDATIONS_CONFLICT defect.
// Instructions concatenate in order.
func MergeRecsInstructions(pairs ...RecsInstrs) (RecsInstrs, error) {
	out := RecsInstrs{Recs: NewRecommendations()}
	for _, pair := range pairs {
		if pair.Recs != nil {
			for _, ts := range pair.Recs.order {
				target := pair.Recs.targets[ts]
				if prev, ok := out.Recs.Get(ts); ok && prev != target {
					return RecsInstrs{}, newRecommendationsConflict(ts.Key, prev, target)
				}
				out.Recs.Set(ts, target)
			}
		}
		out.Instructions = append(out.Instructions, pair.Instructions...)
	}
	return out, nil
}
