package story

import (
	"slices"
	"sync"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/task"
)

// MemoryRecorder keeps the story in memory. Used by tests, the harness,
// and replay verification, where durability is not wanted.
type MemoryRecorder struct {
	mu          sync.Mutex
	stimuli     []Stimulus
	transitions []Transition
	fetches     []Fetch
}

// NewMemoryRecorder returns an empty in-memory story.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// RecordStimulus implements worker.Recorder.
func (r *MemoryRecorder) RecordStimulus(seq int64, ev protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stimuli = append(r.stimuli, Stimulus{
		Seq:        seq,
		Cls:        ev.Cls(),
		StimulusID: ev.Stimulus(),
		Handled:    ev.HandledAt(),
		Payload:    ev.ToDict(),
	})
	return nil
}

// RecordTransition implements worker.Recorder.
func (r *MemoryRecorder) RecordTransition(seq int64, key string, start, finish task.State, stimulusID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, Transition{
		Seq:        seq,
		Key:        key,
		Start:      start,
		Finish:     finish,
		StimulusID: stimulusID,
	})
	return nil
}

// RecordFetch implements worker.Recorder.
func (r *MemoryRecorder) RecordFetch(seq int64, key, peer, stimulusID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches = append(r.fetches, Fetch{
		Seq:        seq,
		Key:        key,
		Peer:       peer,
		StimulusID: stimulusID,
	})
	return nil
}

// Stimuli returns a copy of the logged stimuli in seq order.
func (r *MemoryRecorder) Stimuli() []Stimulus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.stimuli)
}

// Transitions returns a copy of the logged transitions in seq order.
func (r *MemoryRecorder) Transitions() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.transitions)
}

// Fetches returns a copy of the logged data requests in seq order.
func (r *MemoryRecorder) Fetches() []Fetch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.fetches)
}

// Story returns the logged transitions matching any of the given task
// keys or stimulus IDs, mirroring Store.Story.
func (r *MemoryRecorder) Story(keysOrStimuli ...string) []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Transition
	for _, tr := range r.transitions {
		if slices.Contains(keysOrStimuli, tr.Key) || slices.Contains(keysOrStimuli, tr.StimulusID) {
			out = append(out, tr)
		}
	}
	return out
}
