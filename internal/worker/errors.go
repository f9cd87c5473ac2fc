package worker

import (
	"errors"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/task"
)

// MachineError represents a fatal defect detected by the state machine.
//
// These are not recoverable conditions: each one means the internal
// bookkeeping contradicts itself, and continuing would corrupt task
// state. The run loop surfaces them and shuts down.
type MachineError struct {
	// Code identifies the error category.
	Code MachineErrorCode

	// Message is a human-readable description.
	Message string

	// Key identifies the affected task, when there is one.
	Key string

	// StimulusID identifies the event being processed.
	StimulusID string

	// Start and Finish describe the offending transition, for
	// invalid-transition errors.
	Start  task.State
	Finish task.State
}

// MachineErrorCode categorizes machine errors.
type MachineErrorCode string

const (
	// ErrCodeInvalidTransition indicates a recommendation named a
	// transition that is structurally impossible from the task's
	// current state.
	ErrCodeInvalidTransition MachineErrorCode = "INVALID_TRANSITION"

	// ErrCodeRecommendationsConflict indicates two merged transition
	// outcomes recommended different target states for the same task.
	ErrCodeRecommendationsConflict MachineErrorCode = "RECOMMENDATIONS_CONFLICT"

	// ErrCodeTransitionCounterMax indicates the fixed-point loop ran
	// past its iteration bound, almost certainly a recommendation cycle.
	ErrCodeTransitionCounterMax MachineErrorCode = "TRANSITION_COUNTER_MAX"
)

func (e *MachineError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (key=%s, stimulus=%s)", e.Code, e.Message, e.Key, e.StimulusID)
	}
	return fmt.Sprintf("%s: %s (stimulus=%s)", e.Code, e.Message, e.StimulusID)
}

// IsInvalidTransition reports whether err is an invalid-transition
// defect. Uses errors.As to handle wrapped errors.
func IsInvalidTransition(err error) bool {
	var me *MachineError
	return errors.As(err, &me) && me.Code == ErrCodeInvalidTransition
}

// IsRecommendationsConflict reports whether err is a conflicting-merge
// defect. Uses errors.As to handle wrapped errors.
func IsRecommendationsConflict(err error) bool {
	var me *MachineError
	return errors.As(err, &me) && me.Code == ErrCodeRecommendationsConflict
}

// IsTransitionCounterMax reports whether err is an iteration-bound
// defect. Uses errors.As to handle wrapped errors.
func IsTransitionCounterMax(err error) bool {
	var me *MachineError
	return errors.As(err, &me) && me.Code == ErrCodeTransitionCounterMax
}

// newInvalidTransition creates a MachineError for an impossible
// recommendation.
func newInvalidTransition(ts *task.TaskState, finish task.State, stimulusID string) *MachineError {
	return &MachineError{
		Code:       ErrCodeInvalidTransition,
		Message:    fmt.Sprintf("impossible transition %s -> %s", ts.State, finish),
		Key:        ts.Key,
		StimulusID: stimulusID,
		Start:      ts.State,
		Finish:     finish,
	}
}

// newRecommendationsConflict creates a MachineError for a merge of two
// different targets for one task.
func newRecommendationsConflict(key string, a, b task.State) *MachineError {
	return &MachineError{
		Code:    ErrCodeRecommendationsConflict,
		Message: fmt.Sprintf("conflicting recommendations %s vs %s", a, b),
		Key:     key,
	}
}

// newTransitionCounterMax creates a MachineError for a busted iteration
// bound.
func newTransitionCounterMax(count, max int64, stimulusID string) *MachineError {
	return &MachineError{
		Code:       ErrCodeTransitionCounterMax,
		Message:    fmt.Sprintf("transition counter exceeded limit (%d >= %d)", count, max),
		StimulusID: stimulusID,
	}
}
