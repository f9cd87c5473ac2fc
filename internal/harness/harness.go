package harness

import (
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/story"
	"github.com/taskmesh/taskmesh/internal/testutil"
	"github.com/taskmesh/taskmesh/internal/worker"
)

// maxServicedEvents bounds one scenario run. A static script that keeps
// feeding the machine past this is cyclic (e.g. two peers bouncing a
// fetch between each other forever) and fails instead of spinning.
const maxServicedEvents = 1000

// clockEpoch is the manual clock's starting instant. Every handled
// stimulus advances the clock by one second, so handled timestamps and
// busy-peer cooldowns are reproducible.
var clockEpoch = time.Unix(1_700_000_000, 0)

// Run executes a scenario to completion and returns the full result.
// The run is synchronous and deterministic: gather and execute
// instructions are serviced from the scenario's scripts before the next
// scenario stimulus is fed.
//
// Run does not check the scenario's assertions; use Check or
// RunAndCheck for that.
func Run(scenario *Scenario) (*Result, error) {
	r := &runner{
		scenario: scenario,
		stimGen:  testutil.NewFixedStimulusGenerator(),
		clock:    testutil.NewManualClock(clockEpoch),
		recorder: story.NewMemoryRecorder(),
	}

	opts := []worker.MachineOption{
		worker.WithRecorder(r.recorder),
		worker.WithNow(r.clock.Now),
	}
	if o := scenario.Options; o != nil {
		if o.Nthreads > 0 {
			opts = append(opts, worker.WithNthreads(o.Nthreads))
		}
		if o.TransferIncomingCountLimit > 0 {
			opts = append(opts, worker.WithTransferIncomingCountLimit(o.TransferIncomingCountLimit))
		}
		if o.TargetMessageSize > 0 {
			opts = append(opts, worker.WithTargetMessageSize(o.TargetMessageSize))
		}
	}
	r.machine = worker.NewMachine(scenario.Address, opts...)

	for i, step := range scenario.Stimuli {
		ev, err := r.stepEvent(&step)
		if err != nil {
			return nil, fmt.Errorf("stimuli[%d]: %w", i, err)
		}
		if err := r.feed(ev); err != nil {
			return nil, fmt.Errorf("stimuli[%d]: %w", i, err)
		}
	}

	return &Result{
		Instructions: r.trace,
		Stimuli:      r.recorder.Stimuli(),
		Transitions:  r.recorder.Transitions(),
		Machine:      r.machine,
	}, nil
}

// RunAndCheck executes a scenario and verifies its assertions.
func RunAndCheck(scenario *Scenario) (*Result, error) {
	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := Check(result, scenario.Assertions); err != nil {
		return result, err
	}
	return result, nil
}

type runner struct {
	scenario *Scenario
	machine  *worker.Machine
	stimGen  *testutil.FixedStimulusGenerator
	clock    *testutil.ManualClock
	recorder *story.MemoryRecorder

	trace    []protocol.Instruction
	serviced int
}

// feed handles one event, then services the gather and execute
// instructions it produced, depth first. Scheduler-bound messages and
// find-missing ticks only join the trace.
func (r *runner) feed(ev protocol.Event) error {
	r.serviced++
	if r.serviced > maxServicedEvents {
		return fmt.Errorf("scenario exceeded %d serviced events, scripts are cyclic", maxServicedEvents)
	}

	r.clock.Advance(time.Second)
	instructions, err := r.machine.HandleStimulus(ev)
	if err != nil {
		return fmt.Errorf("handling %s (%s): %w", ev.Cls(), ev.Stimulus(), err)
	}
	r.trace = append(r.trace, instructions...)

	if err := CheckInvariants(r.machine); err != nil {
		return fmt.Errorf("invariants violated after %s (%s): %w", ev.Cls(), ev.Stimulus(), err)
	}

	for _, instr := range instructions {
		switch in := instr.(type) {
		case *protocol.GatherDep:
			if err := r.feed(r.gatherEvent(in)); err != nil {
				return err
			}
		case *protocol.Execute:
			follow, err := r.executeEvent(in)
			if err != nil {
				return err
			}
			if err := r.feed(follow); err != nil {
				return err
			}
		}
	}
	return nil
}

// stepEvent builds the protocol event for one scenario step.
func (r *runner) stepEvent(step *StimulusStep) (protocol.Event, error) {
	switch {
	case step.Compute != nil:
		c := step.Compute
		priority := c.Priority
		if priority == nil {
			priority = []int{0}
		}
		return &protocol.ComputeTaskEvent{
			Key:        c.Key,
			WhoHas:     c.WhoHas,
			Nbytes:     c.Nbytes,
			Priority:   priority,
			RunSpec:    protocol.SerializedTask{Task: []byte(c.Key)},
			StimulusID: r.stimGen.Generate("compute-task"),
		}, nil
	case step.Free != nil:
		return &protocol.FreeKeysEvent{
			Keys:       step.Free.Keys,
			StimulusID: r.stimGen.Generate("free-keys"),
		}, nil
	case step.Acquire != nil:
		return &protocol.AcquireReplicasEvent{
			WhoHas:     step.Acquire.WhoHas,
			StimulusID: r.stimGen.Generate("acquire-replicas"),
		}, nil
	case step.Reschedule != nil:
		return &protocol.RescheduleEvent{
			Key:        step.Reschedule.Key,
			StimulusID: r.stimGen.Generate("reschedule"),
		}, nil
	case step.UpdateData != nil:
		data := make(map[string]any, len(step.UpdateData.Data))
		for key, value := range step.UpdateData.Data {
			data[key] = value
		}
		return &protocol.UpdateDataEvent{
			Data:       data,
			Report:     step.UpdateData.Report,
			StimulusID: r.stimGen.Generate("update-data"),
		}, nil
	case step.RefreshWhoHas != nil:
		return &protocol.RefreshWhoHasEvent{
			WhoHas:     step.RefreshWhoHas.WhoHas,
			StimulusID: r.stimGen.Generate("refresh-who-has"),
		}, nil
	case step.Pause != nil:
		return &protocol.PauseEvent{StimulusID: r.stimGen.Generate("pause")}, nil
	case step.Unpause != nil:
		return &protocol.UnpauseEvent{StimulusID: r.stimGen.Generate("unpause")}, nil
	case step.FindMissing != nil:
		return &protocol.FindMissingEvent{StimulusID: r.stimGen.Generate("find-missing")}, nil
	}
	return nil, fmt.Errorf("empty step")
}

// gatherEvent answers a gather instruction from the peer script the way
// the run loop translates transport outcomes.
func (r *runner) gatherEvent(in *protocol.GatherDep) protocol.Event {
	script, ok := r.scenario.Peers[in.Worker]
	switch {
	case !ok || script.Unreachable:
		return &protocol.GatherDepNetworkFailureEvent{
			Worker:      in.Worker,
			TotalNbytes: in.TotalNbytes,
			StimulusID:  r.stimGen.Generate("gather-dep-failure"),
		}
	case script.Busy:
		return &protocol.GatherDepBusyEvent{
			Worker:      in.Worker,
			TotalNbytes: in.TotalNbytes,
			StimulusID:  r.stimGen.Generate("gather-dep-busy"),
		}
	}

	data := make(map[string]any)
	nbytes := make(map[string]int64)
	var total int64
	for _, key := range in.ToGather {
		item, held := script.Data[key]
		if !held {
			continue
		}
		data[key] = item.Value
		nbytes[key] = item.Nbytes
		total += item.Nbytes
	}
	return &protocol.GatherDepSuccessEvent{
		Worker:      in.Worker,
		Data:        data,
		Nbytes:      nbytes,
		TotalNbytes: total,
		StimulusID:  r.stimGen.Generate("gather-dep-success"),
	}
}

// executeEvent answers an execute instruction from the execution script.
func (r *runner) executeEvent(in *protocol.Execute) (protocol.Event, error) {
	script, ok := r.scenario.Executions[in.Key]
	if !ok {
		return nil, fmt.Errorf("no execution scripted for task %q", in.Key)
	}
	switch script.Outcome {
	case OutcomeSuccess:
		return &protocol.ExecuteSuccessEvent{
			Key:        in.Key,
			Value:      script.Value,
			Start:      script.Start,
			Stop:       script.Stop,
			Nbytes:     script.Nbytes,
			Type:       script.Type,
			StimulusID: r.stimGen.Generate("execute-success"),
		}, nil
	case OutcomeReschedule:
		return &protocol.RescheduleEvent{
			Key:        in.Key,
			StimulusID: r.stimGen.Generate("reschedule"),
		}, nil
	default:
		return &protocol.ExecuteFailureEvent{
			Key:           in.Key,
			Start:         script.Start,
			Stop:          script.Stop,
			ExceptionText: script.Exception,
			StimulusID:    r.stimGen.Generate("execute-failure"),
		}, nil
	}
}
