package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/worker"
)

func traceResult(instrs ...protocol.Instruction) *Result {
	return &Result{
		Instructions: instrs,
		Machine:      worker.NewMachine("w1"),
	}
}

func TestCheckTraceContains(t *testing.T) {
	result := traceResult(
		&protocol.GatherDep{Worker: "w2", ToGather: []string{"y"}, StimulusID: "s1"},
		&protocol.Execute{Key: "x", StimulusID: "s1"},
	)

	require.NoError(t, Check(result, []Assertion{
		{Type: AssertTraceContains, Op: "execute"},
		{Type: AssertTraceContains, Op: "execute", Key: "x"},
		{Type: AssertTraceContains, Op: "gather-dep", Key: "y", Worker: "w2"},
	}))

	err := Check(result, []Assertion{{Type: AssertTraceContains, Op: "execute", Key: "z"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no instruction matches")

	err = Check(result, []Assertion{{Type: AssertTraceContains, Op: "gather-dep", Worker: "w9"}})
	require.Error(t, err)
}

func TestCheckTraceCount(t *testing.T) {
	result := traceResult(
		&protocol.Execute{Key: "a", StimulusID: "s1"},
		&protocol.Execute{Key: "b", StimulusID: "s1"},
	)

	require.NoError(t, Check(result, []Assertion{
		{Type: AssertTraceCount, Op: "execute", Count: 2},
		{Type: AssertTraceCount, Op: "execute", Key: "a", Count: 1},
		{Type: AssertTraceCount, Op: "task-erred", Count: 0},
	}))

	err := Check(result, []Assertion{{Type: AssertTraceCount, Op: "execute", Count: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matched 2 times, want 1")
}

func TestCheckTraceOrder(t *testing.T) {
	result := traceResult(
		&protocol.GatherDep{Worker: "w2", ToGather: []string{"y"}, StimulusID: "s1"},
		&protocol.AddKeysMsg{Keys: []string{"y"}, StimulusID: "s2"},
		&protocol.Execute{Key: "x", StimulusID: "s2"},
	)

	require.NoError(t, Check(result, []Assertion{
		{Type: AssertTraceOrder, Ops: []string{"gather-dep", "execute"}},
	}))

	err := Check(result, []Assertion{
		{Type: AssertTraceOrder, Ops: []string{"execute", "gather-dep"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `op "gather-dep" missing`)
}

func TestCheckFinalState(t *testing.T) {
	m := worker.NewMachine("w1")
	_, err := m.HandleStimulus(&protocol.UpdateDataEvent{
		Data:       map[string]any{"x": "value"},
		StimulusID: "s1",
	})
	require.NoError(t, err)
	result := &Result{Machine: m}

	hasData := true
	require.NoError(t, Check(result, []Assertion{
		{Type: AssertFinalState, Key: "x", State: "memory", HasData: &hasData},
		{Type: AssertFinalState, Key: "ghost", State: "forgotten"},
	}))

	err = Check(result, []Assertion{{Type: AssertFinalState, Key: "x", State: "error"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `want "error"`)

	err = Check(result, []Assertion{{Type: AssertFinalState, Key: "x", State: "forgotten"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still tracked")

	err = Check(result, []Assertion{{Type: AssertFinalState, Key: "ghost", State: "memory"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not tracked")
}
