package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/task"
)

// seqStimGen hands out deterministic stimulus IDs.
type seqStimGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqStimGen) Generate(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", prefix, g.n)
}

// scriptedTransport answers gathers from a fixed script and funnels
// scheduler messages into a channel for the test to observe.
type scriptedTransport struct {
	gatherErr error
	store     map[string]any
	sent      chan protocol.Instruction
}

func newScriptedTransport(store map[string]any) *scriptedTransport {
	return &scriptedTransport{
		store: store,
		sent:  make(chan protocol.Instruction, 16),
	}
}

func (tr *scriptedTransport) Gather(_ context.Context, _ string, keys []string) (map[string]any, map[string]int64, error) {
	if tr.gatherErr != nil {
		return nil, nil, tr.gatherErr
	}
	data := make(map[string]any)
	nbytes := make(map[string]int64)
	for _, key := range keys {
		if v, ok := tr.store[key]; ok {
			data[key] = v
			nbytes[key] = 8
		}
	}
	return data, nbytes, nil
}

func (tr *scriptedTransport) SendToScheduler(_ context.Context, msg protocol.Instruction) error {
	tr.sent <- msg
	return nil
}

// fnExecutor runs a function per key.
type fnExecutor struct {
	fn func(key string) (ExecuteResult, error)
}

func (e fnExecutor) Execute(_ context.Context, key string, _ protocol.SerializedTask) (ExecuteResult, error) {
	return e.fn(key)
}

func startWorker(t *testing.T, m *Machine, tr Transport, ex Executor) (*Worker, chan error, context.CancelFunc) {
	t.Helper()
	w := NewWorker(m, tr, ex,
		WithStimulusGenerator(&seqStimGen{}),
		// Keep the periodic tick out of the way; these tests drive every
		// event explicitly.
		WithFindMissingInterval(time.Hour),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return w, done, cancel
}

func awaitMsg(t *testing.T, tr *scriptedTransport) protocol.Instruction {
	t.Helper()
	select {
	case msg := <-tr.sent:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for scheduler message")
		return nil
	}
}

func awaitStop(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run loop to stop")
		return nil
	}
}

func TestWorkerRunsComputeToCompletion(t *testing.T) {
	m, _ := newTestMachine(t)
	tr := newScriptedTransport(map[string]any{"y": "dep-value"})
	ex := fnExecutor{fn: func(key string) (ExecuteResult, error) {
		return ExecuteResult{Value: "result", Nbytes: 16, Type: "str"}, nil
	}}
	w, done, cancel := startWorker(t, m, tr, ex)
	defer cancel()

	w.Enqueue(computeEvent("x",
		map[string][]string{"y": {"tcp://w1"}},
		map[string]int64{"y": 8},
		"s1",
	))

	// The gather lands y, execution produces x; both reach the
	// scheduler. The two sends race, so collect until we have both ops.
	seen := map[string]protocol.Instruction{}
	for len(seen) < 2 {
		msg := awaitMsg(t, tr)
		seen[msg.Op()] = msg
	}
	require.Contains(t, seen, "add-keys")
	require.Contains(t, seen, "task-finished")
	assert.Equal(t, "x", seen["task-finished"].(*protocol.TaskFinishedMsg).Key)

	w.Stop()
	require.NoError(t, awaitStop(t, done))

	assert.Equal(t, task.Memory, m.Task("x").State)
	v, ok := m.Data("x")
	require.True(t, ok)
	assert.Equal(t, "result", v)
}

func TestWorkerReportsExecutionFailure(t *testing.T) {
	m, _ := newTestMachine(t)
	tr := newScriptedTransport(nil)
	ex := fnExecutor{fn: func(key string) (ExecuteResult, error) {
		return ExecuteResult{}, errors.New("division by zero")
	}}
	w, done, cancel := startWorker(t, m, tr, ex)
	defer cancel()

	w.Enqueue(computeEvent("x", nil, nil, "s1"))

	msg := awaitMsg(t, tr)
	require.Equal(t, "task-erred", msg.Op())
	assert.Equal(t, "division by zero", msg.(*protocol.TaskErredMsg).ExceptionText)

	w.Stop()
	require.NoError(t, awaitStop(t, done))
	assert.Equal(t, task.Error, m.Task("x").State)
}

func TestWorkerTranslatesRescheduleRequests(t *testing.T) {
	m, _ := newTestMachine(t)
	tr := newScriptedTransport(nil)
	ex := fnExecutor{fn: func(key string) (ExecuteResult, error) {
		return ExecuteResult{}, ErrReschedule
	}}
	w, done, cancel := startWorker(t, m, tr, ex)
	defer cancel()

	w.Enqueue(computeEvent("x", nil, nil, "s1"))

	msg := awaitMsg(t, tr)
	require.Equal(t, "reschedule", msg.Op())

	w.Stop()
	require.NoError(t, awaitStop(t, done))
	assert.Nil(t, m.Task("x"))
}

func TestWorkerHandlesBusyPeer(t *testing.T) {
	m, _ := newTestMachine(t)
	tr := newScriptedTransport(nil)
	tr.gatherErr = ErrPeerBusy
	ex := fnExecutor{fn: func(key string) (ExecuteResult, error) {
		return ExecuteResult{}, nil
	}}
	w, done, cancel := startWorker(t, m, tr, ex)
	defer cancel()

	w.Enqueue(&protocol.AcquireReplicasEvent{
		WhoHas:     map[string][]string{"y": {"tcp://w1"}},
		StimulusID: "s1",
	})

	// The sole holder is busy, so the loop asks the scheduler for fresh
	// locations.
	msg := awaitMsg(t, tr)
	require.Equal(t, "request-refresh-who-has", msg.Op())
	assert.Equal(t, []string{"y"}, msg.(*protocol.RequestRefreshWhoHasMsg).Keys)

	w.Stop()
	require.NoError(t, awaitStop(t, done))
	assert.Equal(t, task.Fetch, m.Task("y").State)
}

func TestWorkerSnapshotServesMemoryKeys(t *testing.T) {
	m, _ := newTestMachine(t)
	tr := newScriptedTransport(nil)
	ex := fnExecutor{fn: func(key string) (ExecuteResult, error) {
		return ExecuteResult{Value: "result", Nbytes: 16, Type: "str"}, nil
	}}
	w, done, cancel := startWorker(t, m, tr, ex)
	defer cancel()

	w.Enqueue(computeEvent("x", nil, nil, "s1"))
	msg := awaitMsg(t, tr)
	require.Equal(t, "task-finished", msg.Op())

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()
	data, nbytes, err := w.Snapshot(ctx, []string{"x", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": "result"}, data)
	assert.Equal(t, map[string]int64{"x": 16}, nbytes)

	w.Stop()
	require.NoError(t, awaitStop(t, done))
}

func TestWorkerSnapshotHonorsContext(t *testing.T) {
	m, _ := newTestMachine(t)
	w := NewWorker(m, newScriptedTransport(nil), fnExecutor{})

	// Run is not active, so the request cannot be served.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := w.Snapshot(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerStopsOnMachineDefect(t *testing.T) {
	m, _ := newTestMachine(t, WithTransitionCounterMax(1))
	tr := newScriptedTransport(nil)
	ex := fnExecutor{fn: func(key string) (ExecuteResult, error) {
		return ExecuteResult{}, nil
	}}
	w, done, cancel := startWorker(t, m, tr, ex)
	defer cancel()

	w.Enqueue(computeEvent("x", nil, nil, "s1"))

	err := awaitStop(t, done)
	require.Error(t, err)
	assert.True(t, IsTransitionCounterMax(err))

	// The queue rejects further events after the defect.
	assert.False(t, w.Enqueue(computeEvent("y", nil, nil, "s2")))
}
