package story

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/task"
)

// Stimulus is one handled event as logged: the loggable projection of
// the event (payloads nulled) serialized as canonical JSON.
type Stimulus struct {
	Seq        int64
	Cls        string
	StimulusID string
	Handled    float64
	Payload    map[string]any
}

// Transition is one task state change as logged.
type Transition struct {
	Seq        int64
	Key        string
	Start      task.State
	Finish     task.State
	StimulusID string
}

// Fetch is one data request as logged: which peer a key was asked from.
// Seq is the seq of the key's fetch->flight transition, so the request
// interleaves with the rest of the story at the moment it was issued.
type Fetch struct {
	Seq        int64
	Key        string
	Peer       string
	StimulusID string
}

// RecordStimulus appends one handled event to the log. The event is
// expected to be the loggable projection; its dict is stored as
// canonical JSON so identical events always produce identical rows.
//
// Implements worker.Recorder.
func (s *Store) RecordStimulus(seq int64, ev protocol.Event) error {
	payload, err := protocol.MarshalCanonical(ev.ToDict())
	if err != nil {
		return fmt.Errorf("record stimulus: %w", err)
	}

	_, err = s.db.ExecContext(context.Background(), `
		INSERT INTO stimuli (seq, cls, stimulus_id, handled, payload)
		VALUES (?, ?, ?, ?, ?)
	`,
		seq,
		ev.Cls(),
		ev.Stimulus(),
		ev.HandledAt(),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("record stimulus: %w", err)
	}

	return nil
}

// RecordTransition appends one state change to the log.
//
// Implements worker.Recorder.
func (s *Store) RecordTransition(seq int64, key string, start, finish task.State, stimulusID string) error {
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO transitions (seq, task_key, start_state, finish_state, stimulus_id)
		VALUES (?, ?, ?, ?, ?)
	`,
		seq,
		key,
		string(start),
		string(finish),
		stimulusID,
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}

	return nil
}

// RecordFetch appends one issued data request to the log.
//
// Implements worker.Recorder.
func (s *Store) RecordFetch(seq int64, key, peer, stimulusID string) error {
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO fetches (seq, task_key, peer, stimulus_id)
		VALUES (?, ?, ?, ?)
	`,
		seq,
		key,
		peer,
		stimulusID,
	)
	if err != nil {
		return fmt.Errorf("record fetch: %w", err)
	}

	return nil
}
