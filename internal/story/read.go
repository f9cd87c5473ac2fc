package story

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/task"
)

// Story returns the transitions matching any of the given task keys or
// stimulus IDs, in seq order. With no filters it returns nothing; use
// ReadAllTransitions for the full log.
func (s *Store) Story(ctx context.Context, keysOrStimuli ...string) ([]Transition, error) {
	if len(keysOrStimuli) == 0 {
		return []Transition{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keysOrStimuli)), ",")
	args := make([]any, 0, len(keysOrStimuli)*2)
	for _, v := range keysOrStimuli {
		args = append(args, v)
	}
	for _, v := range keysOrStimuli {
		args = append(args, v)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, task_key, start_state, finish_state, stimulus_id
		FROM transitions
		WHERE task_key IN (`+placeholders+`)
		   OR stimulus_id IN (`+placeholders+`)
		ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query story: %w", err)
	}
	defer rows.Close()

	return scanTransitions(rows)
}

// StimulusStory returns the logged stimuli matching any of the given
// stimulus IDs, in seq order.
func (s *Store) StimulusStory(ctx context.Context, stimulusIDs ...string) ([]Stimulus, error) {
	if len(stimulusIDs) == 0 {
		return []Stimulus{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(stimulusIDs)), ",")
	args := make([]any, len(stimulusIDs))
	for i, v := range stimulusIDs {
		args[i] = v
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, cls, stimulus_id, handled, payload
		FROM stimuli
		WHERE stimulus_id IN (`+placeholders+`)
		ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query stimulus story: %w", err)
	}
	defer rows.Close()

	return scanStimuli(rows)
}

// ReadAllStimuli returns every logged stimulus in seq order.
// Used by replay.
func (s *Store) ReadAllStimuli(ctx context.Context) ([]Stimulus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, cls, stimulus_id, handled, payload
		FROM stimuli
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query all stimuli: %w", err)
	}
	defer rows.Close()

	return scanStimuli(rows)
}

// FetchStory returns the logged data requests matching any of the given
// task keys or stimulus IDs, in seq order. It answers "which peer did we
// request this key from".
func (s *Store) FetchStory(ctx context.Context, keysOrStimuli ...string) ([]Fetch, error) {
	if len(keysOrStimuli) == 0 {
		return []Fetch{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keysOrStimuli)), ",")
	args := make([]any, 0, len(keysOrStimuli)*2)
	for _, v := range keysOrStimuli {
		args = append(args, v)
	}
	for _, v := range keysOrStimuli {
		args = append(args, v)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, task_key, peer, stimulus_id
		FROM fetches
		WHERE task_key IN (`+placeholders+`)
		   OR stimulus_id IN (`+placeholders+`)
		ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query fetch story: %w", err)
	}
	defer rows.Close()

	return scanFetches(rows)
}

// ReadAllFetches returns every logged data request in seq order.
func (s *Store) ReadAllFetches(ctx context.Context) ([]Fetch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, task_key, peer, stimulus_id
		FROM fetches
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query all fetches: %w", err)
	}
	defer rows.Close()

	return scanFetches(rows)
}

// ReadAllTransitions returns every logged transition in seq order.
// Used by replay and the trace command.
func (s *Store) ReadAllTransitions(ctx context.Context) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, task_key, start_state, finish_state, stimulus_id
		FROM transitions
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query all transitions: %w", err)
	}
	defer rows.Close()

	return scanTransitions(rows)
}

// LastSeq returns the highest seq number used in the store.
// Used to resume the logical clock from the correct position.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var stimSeq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM stimuli
	`).Scan(&stimSeq)
	if err != nil {
		return 0, fmt.Errorf("get last seq from stimuli: %w", err)
	}

	var transSeq int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM transitions
	`).Scan(&transSeq)
	if err != nil {
		return 0, fmt.Errorf("get last seq from transitions: %w", err)
	}

	if transSeq > stimSeq {
		return transSeq, nil
	}
	return stimSeq, nil
}

func scanTransitions(rows *sql.Rows) ([]Transition, error) {
	var transitions []Transition
	for rows.Next() {
		var tr Transition
		var start, finish string
		if err := rows.Scan(&tr.Seq, &tr.Key, &start, &finish, &tr.StimulusID); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.Start = task.State(start)
		tr.Finish = task.State(finish)
		transitions = append(transitions, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}

	if transitions == nil {
		transitions = []Transition{}
	}

	return transitions, nil
}

func scanFetches(rows *sql.Rows) ([]Fetch, error) {
	var fetches []Fetch
	for rows.Next() {
		var f Fetch
		if err := rows.Scan(&f.Seq, &f.Key, &f.Peer, &f.StimulusID); err != nil {
			return nil, fmt.Errorf("scan fetch: %w", err)
		}
		fetches = append(fetches, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fetches: %w", err)
	}

	if fetches == nil {
		fetches = []Fetch{}
	}

	return fetches, nil
}

func scanStimuli(rows *sql.Rows) ([]Stimulus, error) {
	var stimuli []Stimulus
	for rows.Next() {
		var st Stimulus
		var payload string
		if err := rows.Scan(&st.Seq, &st.Cls, &st.StimulusID, &st.Handled, &payload); err != nil {
			return nil, fmt.Errorf("scan stimulus: %w", err)
		}
		dict, err := protocol.UnmarshalDict([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode stimulus payload: %w", err)
		}
		st.Payload = dict
		stimuli = append(stimuli, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stimuli: %w", err)
	}

	if stimuli == nil {
		stimuli = []Stimulus{}
	}

	return stimuli, nil
}
