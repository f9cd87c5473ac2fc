package worker

import (
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/task"
)

// Defaults for the scheduling knobs. All of them can be overridden with
// Machine options.
const (
	// DefaultTransitionCounterMax bounds the fixed-point loop across the
	// machine's lifetime. Hitting it means a recommendation cycle.
	DefaultTransitionCounterMax = 1_000_000

	// DefaultTransferIncomingCountLimit caps concurrent outgoing gather
	// operations.
	DefaultTransferIncomingCountLimit = 10

	// DefaultTargetMessageSize is the byte budget for one gather batch.
	DefaultTargetMessageSize = 50 * 1024 * 1024

	// DefaultNthreads is the number of concurrently executing tasks.
	DefaultNthreads = 1

	// BusyWorkerCooldown is how long a peer that reported busy is left
	// alone before fetches from it resume.
	BusyWorkerCooldown = 150 * time.Millisecond
)

// Recorder receives every handled stimulus, every transition, and every
// issued data request, in seq order. Implemented by the story package
// (SQLite and in-memory). A fetch record shares the seq of the
// fetch->flight transition it accompanies.
type Recorder interface {
	RecordStimulus(seq int64, ev protocol.Event) error
	RecordTransition(seq int64, key string, start, finish task.State, stimulusID string) error
	RecordFetch(seq int64, key, peer, stimulusID string) error
}

// nopRecorder drops everything.
type nopRecorder struct{}

func (nopRecorder) RecordStimulus(int64, protocol.Event) error { return nil }
func (nopRecorder) RecordTransition(int64, string, task.State, task.State, string) error {
	return nil
}
func (nopRecorder) RecordFetch(int64, string, string, string) error { return nil }

// Machine is the worker task state machine: a pure state container that
// turns one event into zero or more instructions.
//
// Machine performs no I/O and holds no locks. All methods must be called
// from a single goroutine; the Worker run loop provides that.
type Machine struct {
	address string
	tasks   map[string]*task.TaskState

	// data holds the values of tasks in memory state.
	data map[string]any

	// staged holds values produced by the current stimulus, waiting for
	// the transition to memory to pick them up.
	staged map[*task.TaskState]any

	// Fetch scheduling state.
	dataNeeded      *taskHeap
	hasWhat         map[string]map[string]struct{}
	inFlightWorkers map[string]map[string]struct{}
	busyUntil       map[string]time.Time

	// Execution scheduling state.
	ready     *taskHeap
	executing map[*task.TaskState]struct{}

	paused bool

	transitionCounter    int64
	transitionCounterMax int64

	transferIncomingCountLimit int
	targetMessageSize          int64
	nthreads                   int

	clock    *Clock
	recorder Recorder
	metrics  *Metrics
	log      *slog.Logger
	now      func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithTransitionCounterMax overrides the fixed-point iteration bound.
func WithTransitionCounterMax(limit int64) MachineOption {
	return func(m *Machine) { m.transitionCounterMax = limit }
}

// WithTransferIncomingCountLimit overrides the concurrent gather cap.
func WithTransferIncomingCountLimit(n int) MachineOption {
	return func(m *Machine) { m.transferIncomingCountLimit = n }
}

// WithTargetMessageSize overrides the per-gather byte budget.
func WithTargetMessageSize(n int64) MachineOption {
	return func(m *Machine) { m.targetMessageSize = n }
}

// WithNthreads sets how many tasks may execute concurrently.
func WithNthreads(n int) MachineOption {
	return func(m *Machine) { m.nthreads = n }
}

// WithClock supplies a pre-positioned clock, used by replay.
func WithClock(c *Clock) MachineOption {
	return func(m *Machine) { m.clock = c }
}

// WithRecorder attaches a story recorder.
func WithRecorder(r Recorder) MachineOption {
	return func(m *Machine) { m.recorder = r }
}

// WithMetrics attaches task-state gauges and transition counters.
func WithMetrics(mt *Metrics) MachineOption {
	return func(m *Machine) { m.metrics = mt }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) { m.log = l }
}

// WithNow injects the wall clock, used by tests to control busy-peer
// cooldowns and handled timestamps.
func WithNow(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a Machine for the worker at the given address.
func NewMachine(address string, opts ...MachineOption) *Machine {
	m := &Machine{
		address:                    address,
		tasks:                      make(map[string]*task.TaskState),
		data:                       make(map[string]any),
		staged:                     make(map[*task.TaskState]any),
		dataNeeded:                 newTaskHeap(),
		hasWhat:                    make(map[string]map[string]struct{}),
		inFlightWorkers:            make(map[string]map[string]struct{}),
		busyUntil:                  make(map[string]time.Time),
		ready:                      newTaskHeap(),
		executing:                  make(map[*task.TaskState]struct{}),
		transitionCounterMax:       DefaultTransitionCounterMax,
		transferIncomingCountLimit: DefaultTransferIncomingCountLimit,
		targetMessageSize:          DefaultTargetMessageSize,
		nthreads:                   DefaultNthreads,
		clock:                      NewClock(),
		recorder:                   nopRecorder{},
		log:                        slog.Default(),
		now:                        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Task returns the task for key, or nil.
func (m *Machine) Task(key string) *task.TaskState {
	return m.tasks[key]
}

// Data returns the in-memory value for key.
func (m *Machine) Data(key string) (any, bool) {
	v, ok := m.data[key]
	return v, ok
}

// TaskCount returns how many tasks the machine currently tracks.
func (m *Machine) TaskCount() int {
	return len(m.tasks)
}

// Paused reports whether fetch and execute scheduling is suspended.
func (m *Machine) Paused() bool {
	return m.paused
}

// Tasks returns a snapshot dump of every tracked task, keyed by task
// key, for diagnostics.
func (m *Machine) Tasks() map[string]map[string]any {
	out := make(map[string]map[string]any, len(m.tasks))
	for key, ts := range m.tasks {
		out[key] = ts.ToDict()
	}
	return out
}

// HandleStimulus processes one event to a fixed point and returns the
// instructions to act on. Transitions recommended by transitions are
// drained before the method returns, so no task mutation straddles two
// calls.
//
// Fatal defects (invalid transition, conflicting merge, iteration bound)
// are returned as *MachineError; the machine must not be used after one.
func (m *Machine) HandleStimulus(ev protocol.Event) ([]protocol.Instruction, error) {
	seq := m.clock.Next()
	handled := float64(m.now().UnixNano()) / 1e9
	stimulusID := ev.Stimulus()

	m.log.Debug("handling stimulus",
		"cls", ev.Cls(),
		"stimulus_id", stimulusID,
		"seq", seq,
	)
	if err := m.recorder.RecordStimulus(seq, ev.ToLoggable(handled)); err != nil {
		m.log.Error("story stimulus record failed",
			"cls", ev.Cls(),
			"stimulus_id", stimulusID,
			"error", err,
		)
	}

	pair, err := m.handleEvent(ev)
	if err != nil {
		return nil, err
	}

	instructions, err := m.drain(pair, stimulusID)
	if err != nil {
		return nil, err
	}

	// Clear any staged value that no transition consumed; the producing
	// task was cancelled or superseded while its result was in flight.
	clear(m.staged)

	return instructions, nil
}

// drain applies recommendations to a fixed point, then lets the two
// schedulers add work until nothing changes.
func (m *Machine) drain(pair RecsInstrs, stimulusID string) ([]protocol.Instruction, error) {
	recs := pair.Recs
	if recs == nil {
		recs = NewRecommendations()
	}
	instructions := pair.Instructions

	for {
		for {
			ts, target, ok := recs.PopItem()
			if !ok {
				break
			}
			// A task forgotten (or replaced) while its recommendation
			// was pending is silently dropped. Concurrent forgetting is
			// an expected race, not an error.
			if m.tasks[ts.Key] != ts {
				continue
			}
			if ts.State == target {
				continue
			}

			out, err := m.transition(ts, target, stimulusID)
			if err != nil {
				return nil, err
			}
			for _, next := range out.Recs.order {
				recs.Set(next, out.Recs.targets[next])
			}
			instructions = append(instructions, out.Instructions...)
		}

		extra := m.ensureComputing()
		gather := m.ensureCommunicating(stimulusID)
		instructions = append(instructions, gather...)

		if extra.Len() == 0 {
			return instructions, nil
		}
		recs = extra
	}
}

// transition applies one recommended state change through the transition
// table, records it, and returns follow-on work.
func (m *Machine) transition(ts *task.TaskState, finish task.State, stimulusID string) (RecsInstrs, error) {
	m.transitionCounter++
	if m.transitionCounter >= m.transitionCounterMax {
		return RecsInstrs{}, newTransitionCounterMax(m.transitionCounter, m.transitionCounterMax, stimulusID)
	}

	start := ts.State
	fn, ok := transitionTable[transitionEdge{start, finish}]
	if !ok {
		return RecsInstrs{}, newInvalidTransition(ts, finish, stimulusID)
	}

	out, err := fn(m, ts, stimulusID)
	if err != nil {
		return RecsInstrs{}, err
	}

	m.noteTransition(ts, start, stimulusID)
	if out.Recs == nil {
		out.Recs = NewRecommendations()
	}
	return out, nil
}

// noteTransition stamps, logs, records, and counts a state change that
// already happened. ts.State is the finish state. Returns the seq the
// transition was recorded under.
func (m *Machine) noteTransition(ts *task.TaskState, start task.State, stimulusID string) int64 {
	seq := m.clock.Next()
	m.log.Debug("transition",
		"key", ts.Key,
		"start", string(start),
		"finish", string(ts.State),
		"stimulus_id", stimulusID,
		"seq", seq,
	)
	if err := m.recorder.RecordTransition(seq, ts.Key, start, ts.State, stimulusID); err != nil {
		m.log.Error("story transition record failed",
			"key", ts.Key,
			"error", err,
		)
	}
	if m.metrics != nil {
		m.metrics.observeTransition(start, ts.State)
	}
	return seq
}

// noteFetch records which peer a key was requested from, under the seq
// of the key's fetch->flight transition.
func (m *Machine) noteFetch(seq int64, key, peer, stimulusID string) {
	if err := m.recorder.RecordFetch(seq, key, peer, stimulusID); err != nil {
		m.log.Error("story fetch record failed",
			"key", key,
			"worker", peer,
			"error", err,
		)
	}
}

// ensureTask returns the existing task for key or creates a released one.
func (m *Machine) ensureTask(key string) *task.TaskState {
	if ts, ok := m.tasks[key]; ok {
		return ts
	}
	ts := task.New(key)
	m.tasks[key] = ts
	if m.metrics != nil {
		m.metrics.observeNewTask()
	}
	return ts
}

// addReplica records that peer holds key, in both directions.
func (m *Machine) addReplica(ts *task.TaskState, peer string) {
	ts.WhoHas[peer] = struct{}{}
	keys, ok := m.hasWhat[peer]
	if !ok {
		keys = make(map[string]struct{})
		m.hasWhat[peer] = keys
	}
	keys[ts.Key] = struct{}{}
}

// removeReplica forgets that peer holds key, in both directions.
func (m *Machine) removeReplica(ts *task.TaskState, peer string) {
	delete(ts.WhoHas, peer)
	if keys, ok := m.hasWhat[peer]; ok {
		delete(keys, ts.Key)
		if len(keys) == 0 {
			delete(m.hasWhat, peer)
		}
	}
}

// putInMemory stores the staged (or provided) value for ts, flips it to
// memory, and unblocks waiters. Returns recommendations for dependents
// that became ready.
func (m *Machine) putInMemory(ts *task.TaskState, value any) *Recommendations {
	m.data[ts.Key] = value
	ts.State = task.Memory
	ts.Done = true
	ts.ComingFrom = ""

	waiters := make([]*task.TaskState, 0, len(ts.Waiters))
	for waiter := range ts.Waiters {
		waiters = append(waiters, waiter)
	}
	slices.SortFunc(waiters, func(a, b *task.TaskState) int {
		return strings.Compare(a.Key, b.Key)
	})

	recs := NewRecommendations()
	for _, waiter := range waiters {
		delete(waiter.WaitingForData, ts)
		if len(waiter.WaitingForData) == 0 && waiter.State == task.Waiting {
			recs.Set(waiter, task.Ready)
		}
	}
	clear(ts.Waiters)
	return recs
}

// releaseData drops the in-memory value for ts, if any, and reports
// whether one was held.
func (m *Machine) releaseData(ts *task.TaskState) bool {
	if _, ok := m.data[ts.Key]; !ok {
		return false
	}
	delete(m.data, ts.Key)
	return true
}

// forgetTask removes ts from every index. Only reachable through the
// released state.
func (m *Machine) forgetTask(ts *task.TaskState) {
	for dep := range ts.Dependencies {
		ts.RemoveDependency(dep)
	}
	for dependent := range ts.Dependents {
		dependent.RemoveDependency(ts)
	}
	for peer := range ts.WhoHas {
		m.removeReplica(ts, peer)
	}
	delete(m.data, ts.Key)
	delete(m.executing, ts)
	delete(m.staged, ts)
	delete(m.tasks, ts.Key)
	ts.State = task.Forgotten
}
