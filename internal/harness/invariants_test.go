package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/task"
	"github.com/taskmesh/taskmesh/internal/worker"
)

func TestCheckInvariantsCleanMachine(t *testing.T) {
	m := worker.NewMachine("w1")
	_, err := m.HandleStimulus(&protocol.ComputeTaskEvent{
		Key:        "x",
		WhoHas:     map[string][]string{"y": {"w2"}},
		Nbytes:     map[string]int64{"y": 8},
		Priority:   []int{0},
		RunSpec:    protocol.SerializedTask{Task: []byte("spec")},
		StimulusID: "s1",
	})
	require.NoError(t, err)

	assert.NoError(t, CheckInvariants(m))
}

func TestCheckInvariantsDetectsCorruption(t *testing.T) {
	setup := func(t *testing.T) *worker.Machine {
		t.Helper()
		m := worker.NewMachine("w1")
		_, err := m.HandleStimulus(&protocol.ComputeTaskEvent{
			Key:        "x",
			WhoHas:     map[string][]string{"y": {"w2"}},
			Nbytes:     map[string]int64{"y": 8},
			Priority:   []int{0},
			RunSpec:    protocol.SerializedTask{Task: []byte("spec")},
			StimulusID: "s1",
		})
		require.NoError(t, err)
		return m
	}

	tests := []struct {
		name    string
		corrupt func(m *worker.Machine)
		want    string
	}{
		{
			name:    "invalid state",
			corrupt: func(m *worker.Machine) { m.Task("x").State = "limbo" },
			want:    "invalid state",
		},
		{
			name: "broken dependency edge",
			corrupt: func(m *worker.Machine) {
				delete(m.Task("y").Dependents, m.Task("x"))
			},
			want: "no reverse edge",
		},
		{
			name: "waiter without waiting edge",
			corrupt: func(m *worker.Machine) {
				ts := m.Task("x")
				delete(ts.WaitingForData, m.Task("y"))
				ts.State = task.Ready
			},
			want: "not waiting for it",
		},
		{
			name: "flight from nowhere",
			corrupt: func(m *worker.Machine) {
				ts := m.Task("y")
				ts.State = task.Flight
				ts.ComingFrom = ""
			},
			want: "in flight from nowhere",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := setup(t)
			tt.corrupt(m)
			err := CheckInvariants(m)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCheckInvariantsDataConsistency(t *testing.T) {
	m := worker.NewMachine("w1")
	_, err := m.HandleStimulus(&protocol.UpdateDataEvent{
		Data:       map[string]any{"z": "value"},
		StimulusID: "s1",
	})
	require.NoError(t, err)
	require.NoError(t, CheckInvariants(m))

	// A value may only be held by a task in memory state.
	m.Task("z").State = task.Error
	err = CheckInvariants(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holds a value")
}
