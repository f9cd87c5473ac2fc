package protocol

import "fmt"

// Instruction is an output of the state machine: a command for the
// runtime loop (gather, execute) or a message bound for the scheduler.
// Instructions carry the stimulus ID of the event that produced them.
type Instruction interface {
	// Op is the dict discriminator, a kebab-case operation name.
	Op() string
	// Stimulus returns the stimulus ID that produced this instruction.
	Stimulus() string
	// ToDict encodes the instruction as a plain dict with an "op" tag.
	ToDict() map[string]any
}

var instructionDecoders = map[string]func(*dictReader) (Instruction, error){}

func registerInstruction(op string, decode func(*dictReader) (Instruction, error)) {
	if _, dup := instructionDecoders[op]; dup {
		panic("protocol: duplicate instruction op " + op)
	}
	instructionDecoders[op] = decode
}

// InstructionFromDict reconstructs a typed instruction from its dict
// encoding. Same strictness as FromDict: unknown op or extra field errors.
func InstructionFromDict(m map[string]any) (Instruction, error) {
	op, ok := m["op"].(string)
	if !ok {
		return nil, &DecodeError{Field: "op", Reason: "missing or not a string"}
	}
	decode, ok := instructionDecoders[op]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstructionOp, op)
	}
	r := newDictReader(op, m)
	r.consume("op")
	instr, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return instr, nil
}

// GatherDep tells the runtime loop to fetch the given keys from one peer
// in a single transfer. ToGather is sorted for deterministic output.
type GatherDep struct {
	Worker      string
	ToGather    []string
	TotalNbytes int64
	StimulusID  string
}

func (i *GatherDep) Op() string       { return "gather-dep" }
func (i *GatherDep) Stimulus() string { return i.StimulusID }

func (i *GatherDep) ToDict() map[string]any {
	return map[string]any{
		"op":           i.Op(),
		"worker":       i.Worker,
		"to_gather":    stringsDict(i.ToGather),
		"total_nbytes": i.TotalNbytes,
		"stimulus_id":  i.StimulusID,
	}
}

// Execute tells the runtime loop to run a ready task on the executor.
type Execute struct {
	Key        string
	StimulusID string
}

func (i *Execute) Op() string       { return "execute" }
func (i *Execute) Stimulus() string { return i.StimulusID }

func (i *Execute) ToDict() map[string]any {
	return map[string]any{
		"op":          i.Op(),
		"key":         i.Key,
		"stimulus_id": i.StimulusID,
	}
}

// FindMissingInstr tells the runtime loop to schedule the next
// find-missing tick. It never leaves the process.
type FindMissingInstr struct {
	StimulusID string
}

func (i *FindMissingInstr) Op() string       { return "find-missing" }
func (i *FindMissingInstr) Stimulus() string { return i.StimulusID }

func (i *FindMissingInstr) ToDict() map[string]any {
	return map[string]any{
		"op":          i.Op(),
		"stimulus_id": i.StimulusID,
	}
}

// ReleaseWorkerDataMsg tells the scheduler this worker no longer holds a
// key it previously reported in memory.
type ReleaseWorkerDataMsg struct {
	Key        string
	StimulusID string
}

func (i *ReleaseWorkerDataMsg) Op() string       { return "release-worker-data" }
func (i *ReleaseWorkerDataMsg) Stimulus() string { return i.StimulusID }

func (i *ReleaseWorkerDataMsg) ToDict() map[string]any {
	return map[string]any{
		"op":          i.Op(),
		"key":         i.Key,
		"stimulus_id": i.StimulusID,
	}
}

// RescheduleMsg asks the scheduler to place a task somewhere else.
type RescheduleMsg struct {
	Key        string
	StimulusID string
}

func (i *RescheduleMsg) Op() string       { return "reschedule" }
func (i *RescheduleMsg) Stimulus() string { return i.StimulusID }

func (i *RescheduleMsg) ToDict() map[string]any {
	return map[string]any{
		"op":          i.Op(),
		"key":         i.Key,
		"stimulus_id": i.StimulusID,
	}
}

// TaskFinishedMsg reports a successful execution to the scheduler.
type TaskFinishedMsg struct {
	Key        string
	Nbytes     int64
	Type       string
	Start      float64
	Stop       float64
	StimulusID string
}

func (i *TaskFinishedMsg) Op() string       { return "task-finished" }
func (i *TaskFinishedMsg) Stimulus() string { return i.StimulusID }

func (i *TaskFinishedMsg) ToDict() map[string]any {
	return map[string]any{
		"op":          i.Op(),
		"key":         i.Key,
		"nbytes":      i.Nbytes,
		"type":        i.Type,
		"start":       i.Start,
		"stop":        i.Stop,
		"stimulus_id": i.StimulusID,
	}
}

// TaskErredMsg reports a failed execution to the scheduler.
type TaskErredMsg struct {
	Key           string
	ExceptionText string
	TracebackText string
	StimulusID    string
}

func (i *TaskErredMsg) Op() string       { return "task-erred" }
func (i *TaskErredMsg) Stimulus() string { return i.StimulusID }

func (i *TaskErredMsg) ToDict() map[string]any {
	return map[string]any{
		"op":             i.Op(),
		"key":            i.Key,
		"exception_text": i.ExceptionText,
		"traceback_text": i.TracebackText,
		"stimulus_id":    i.StimulusID,
	}
}

// AddKeysMsg reports keys that entered memory through replication or
// direct injection rather than local execution.
type AddKeysMsg struct {
	Keys       []string
	StimulusID string
}

func (i *AddKeysMsg) Op() string       { return "add-keys" }
func (i *AddKeysMsg) Stimulus() string { return i.StimulusID }

func (i *AddKeysMsg) ToDict() map[string]any {
	return map[string]any{
		"op":          i.Op(),
		"keys":        stringsDict(i.Keys),
		"stimulus_id": i.StimulusID,
	}
}

// RequestRefreshWhoHasMsg asks the scheduler for fresh replica locations
// of keys whose known holders have all disappeared.
type RequestRefreshWhoHasMsg struct {
	Keys       []string
	StimulusID string
}

func (i *RequestRefreshWhoHasMsg) Op() string       { return "request-refresh-who-has" }
func (i *RequestRefreshWhoHasMsg) Stimulus() string { return i.StimulusID }

func (i *RequestRefreshWhoHasMsg) ToDict() map[string]any {
	return map[string]any{
		"op":          i.Op(),
		"keys":        stringsDict(i.Keys),
		"stimulus_id": i.StimulusID,
	}
}

func init() {
	registerInstruction("gather-dep", func(r *dictReader) (Instruction, error) {
		return &GatherDep{
			Worker:      r.str("worker"),
			ToGather:    r.stringList("to_gather"),
			TotalNbytes: r.int64("total_nbytes"),
			StimulusID:  r.str("stimulus_id"),
		}, nil
	})
	registerInstruction("execute", func(r *dictReader) (Instruction, error) {
		return &Execute{
			Key:        r.str("key"),
			StimulusID: r.str("stimulus_id"),
		}, nil
	})
	registerInstruction("find-missing", func(r *dictReader) (Instruction, error) {
		return &FindMissingInstr{
			StimulusID: r.str("stimulus_id"),
		}, nil
	})
	registerInstruction("release-worker-data", func(r *dictReader) (Instruction, error) {
		return &ReleaseWorkerDataMsg{
			Key:        r.str("key"),
			StimulusID: r.str("stimulus_id"),
		}, nil
	})
	registerInstruction("reschedule", func(r *dictReader) (Instruction, error) {
		return &RescheduleMsg{
			Key:        r.str("key"),
			StimulusID: r.str("stimulus_id"),
		}, nil
	})
	registerInstruction("task-finished", func(r *dictReader) (Instruction, error) {
		return &TaskFinishedMsg{
			Key:        r.str("key"),
			Nbytes:     r.int64("nbytes"),
			Type:       r.optStr("type"),
			Start:      r.float("start"),
			Stop:       r.float("stop"),
			StimulusID: r.str("stimulus_id"),
		}, nil
	})
	registerInstruction("task-erred", func(r *dictReader) (Instruction, error) {
		return &TaskErredMsg{
			Key:           r.str("key"),
			ExceptionText: r.optStr("exception_text"),
			TracebackText: r.optStr("traceback_text"),
			StimulusID:    r.str("stimulus_id"),
		}, nil
	})
	registerInstruction("add-keys", func(r *dictReader) (Instruction, error) {
		return &AddKeysMsg{
			Keys:       r.stringList("keys"),
			StimulusID: r.str("stimulus_id"),
		}, nil
	})
	registerInstruction("request-refresh-who-has", func(r *dictReader) (Instruction, error) {
		return &RequestRefreshWhoHasMsg{
			Keys:       r.stringList("keys"),
			StimulusID: r.str("stimulus_id"),
		}, nil
	})
}
