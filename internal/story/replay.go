package story

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/worker"
)

// Divergence describes the first point where a replay produced a
// different transition than the logged story.
type Divergence struct {
	// Index is the position in the logged transition sequence.
	Index int

	// Logged is the transition the story recorded, zero when the replay
	// produced extra transitions past the end of the log.
	Logged Transition

	// Replayed is the transition the replay produced, zero when the
	// replay produced fewer transitions than the log.
	Replayed Transition
}

// ReplayResult summarizes a replay run.
type ReplayResult struct {
	Stimuli     int
	Transitions int

	// Divergence is nil when the replay reproduced the log exactly.
	Divergence *Divergence
}

// Matches reports whether the replay reproduced the logged story.
func (r ReplayResult) Matches() bool {
	return r.Divergence == nil
}

// Replay re-drives every logged stimulus through a fresh state machine
// and compares the transitions it produces against the logged ones.
// The machine is deterministic, so any divergence means the log was
// produced by a different machine version or was tampered with.
//
// The loggable projection nulls data payloads, which never influence
// transitions, so replaying projections reproduces the exact sequence.
func Replay(ctx context.Context, s *Store, address string) (ReplayResult, error) {
	stimuli, err := s.ReadAllStimuli(ctx)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay: %w", err)
	}
	logged, err := s.ReadAllTransitions(ctx)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay: %w", err)
	}

	mem := NewMemoryRecorder()
	m := worker.NewMachine(address, worker.WithRecorder(mem))

	for _, st := range stimuli {
		if err := ctx.Err(); err != nil {
			return ReplayResult{}, err
		}
		ev, err := protocol.FromDict(st.Payload)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("replay: decode stimulus seq %d: %w", st.Seq, err)
		}
		if _, err := m.HandleStimulus(ev); err != nil {
			return ReplayResult{}, fmt.Errorf("replay: stimulus seq %d: %w", st.Seq, err)
		}
	}

	replayed := mem.Transitions()
	result := ReplayResult{
		Stimuli:     len(stimuli),
		Transitions: len(logged),
	}

	for i := range max(len(logged), len(replayed)) {
		var want, got Transition
		if i < len(logged) {
			want = logged[i]
		}
		if i < len(replayed) {
			got = replayed[i]
		}
		if want != got {
			result.Divergence = &Divergence{Index: i, Logged: want, Replayed: got}
			return result, nil
		}
	}

	return result, nil
}
