package protocol

import "reflect"

// Event is an input stimulus to the worker state machine: a scheduler
// request, an execution result, a gather result, or a locally generated
// tick. Events are treated as immutable once constructed; ToLoggable
// returns a modified copy and never touches the receiver.
type Event interface {
	// Cls is the dict discriminator, equal to the concrete type name.
	Cls() string
	// Stimulus returns the stimulus ID that caused this event.
	Stimulus() string
	// HandledAt returns the wall-clock time the event was processed,
	// or 0 if it has not been handled yet.
	HandledAt() float64
	// ToDict encodes the event as a plain dict with a "cls" tag.
	ToDict() map[string]any
	// ToLoggable returns a copy safe for the story log: large payload
	// fields are nulled out and Handled is set to the given time.
	ToLoggable(handled float64) Event
}

// eventDict assembles the fields every event dict shares. An unhandled
// event encodes handled as null.
func eventDict(cls, stimulusID string, handled float64) map[string]any {
	d := map[string]any{
		"cls":         cls,
		"stimulus_id": stimulusID,
	}
	if handled != 0 {
		d["handled"] = handled
	} else {
		d["handled"] = nil
	}
	return d
}

// EqualEvents reports structural equality of two events, ignoring the
// Handled timestamp. A logged copy of an event compares equal to the
// original even though only the copy carries a handled time.
func EqualEvents(a, b Event) bool {
	if a.Cls() != b.Cls() {
		return false
	}
	da, db := a.ToDict(), b.ToDict()
	delete(da, "handled")
	delete(db, "handled")
	return reflect.DeepEqual(da, db)
}

// ComputeTaskEvent asks the worker to compute a task, shipping the full
// dependency metadata alongside the opaque run spec.
type ComputeTaskEvent struct {
	Key                  string
	WhoHas               map[string][]string
	Nbytes               map[string]int64
	Priority             []int
	Duration             float64
	RunSpec              SerializedTask
	ResourceRestrictions map[string]float64
	Actor                bool
	Annotations          map[string]any
	StimulusID           string
	Handled              float64
}

func (e *ComputeTaskEvent) Cls() string        { return "ComputeTaskEvent" }
func (e *ComputeTaskEvent) Stimulus() string   { return e.StimulusID }
func (e *ComputeTaskEvent) HandledAt() float64 { return e.Handled }

func (e *ComputeTaskEvent) ToDict() map[string]any {
	d := eventDict(e.Cls(), e.StimulusID, e.Handled)
	d["key"] = e.Key
	d["who_has"] = whoHasDict(e.WhoHas)
	d["nbytes"] = nbytesDict(e.Nbytes)
	d["priority"] = intsDict(e.Priority)
	d["duration"] = e.Duration
	d["run_spec"] = e.RunSpec.toDict()
	d["resource_restrictions"] = floatsDict(e.ResourceRestrictions)
	d["actor"] = e.Actor
	d["annotations"] = anyDict(e.Annotations)
	return d
}

func (e *ComputeTaskEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	c.RunSpec = SerializedTask{}
	return &c
}

// AcquireReplicasEvent asks the worker to fetch replicas of keys it does
// not compute itself.
type AcquireReplicasEvent struct {
	WhoHas     map[string][]string
	StimulusID string
	Handled    float64
}

func (e *AcquireReplicasEvent) Cls() string        { return "AcquireReplicasEvent" }
func (e *AcquireReplicasEvent) Stimulus() string   { return e.StimulusID }
func (e *AcquireReplicasEvent) HandledAt() float64 { return e.Handled }

func (e *AcquireReplicasEvent) ToDict() map[string]any {
	d := eventDict(e.Cls(), e.StimulusID, e.Handled)
	d["who_has"] = whoHasDict(e.WhoHas)
	return d
}

func (e *AcquireReplicasEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	return &c
}

// RescheduleEvent reports that execution of a task requested re-placement
// instead of producing a result.
type RescheduleEvent struct {
	Key        string
	StimulusID string
	Handled    float64
}

func (e *RescheduleEvent) Cls() string        { return "RescheduleEvent" }
func (e *RescheduleEvent) Stimulus() string   { return e.StimulusID }
func (e *RescheduleEvent) HandledAt() float64 { return e.Handled }

func (e *RescheduleEvent) ToDict() map[string]any {
	d := eventDict(e.Cls(), e.StimulusID, e.Handled)
	d["key"] = e.Key
	return d
}

func (e *RescheduleEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	return &c
}

// FreeKeysEvent releases the worker's interest in the given keys. Tasks
// with in-flight operations move to cancelled rather than vanishing.
type FreeKeysEvent struct {
	Keys       []string
	StimulusID string
	Handled    float64
}

func (e *FreeKeysEvent) Cls() string        { return "FreeKeysEvent" }
func (e *FreeKeysEvent) Stimulus() string   { return e.StimulusID }
func (e *FreeKeysEvent) HandledAt() float64 { return e.Handled }

func (e *FreeKeysEvent) ToDict() map[string]any {
	d := eventDict(e.Cls(), e.StimulusID, e.Handled)
	d["keys"] = stringsDict(e.Keys)
	return d
}

func (e *FreeKeysEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	return &c
}

// ExecuteSuccessEvent carries the result of a completed execution.
// Value is the opaque result payload and is nulled by ToLoggable.
type ExecuteSuccessEvent struct {
	Key        string
	Value      any
	Start      float64
	Stop       float64
	Nbytes     int64
	Type       string
	StimulusID string
	Handled    float64
}

func (e *ExecuteSuccessEvent) Cls() string        { return "ExecuteSuccessEvent" }
func (e *ExecuteSuccessEvent) Stimulus() string   { return e.StimulusID }
func (e *ExecuteSuccessEvent) HandledAt() float64 { return e.Handled }

func (e *ExecuteSuccessEvent) ToDict() map[string]any {
	d := eventDict(e.Cls(), e.StimulusID, e.Handled)
	d["key"] = e.Key
	d["value"] = e.Value
	d["start"] = e.Start
	d["stop"] = e.Stop
	d["nbytes"] = e.Nbytes
	d["type"] = e.Type
	return d
}

func (e *ExecuteSuccessEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	c.Value = nil
	return &c
}

// ExecuteFailureEvent carries a failed execution. Exception and Traceback
// are opaque serialized blobs; only the rendered text survives the dict
// encoding and the loggable projection.
type ExecuteFailureEvent struct {
	Key           string
	Start         float64
	Stop          float64
	Exception     []byte
	Traceback     []byte
	ExceptionText string
	TracebackText string
	StimulusID    string
	Handled       float64
}

func (e *ExecuteFailureEvent) Cls() string        { return "ExecuteFailureEvent" }
func (e *ExecuteFailureEvent) Stimulus() string   { return e.StimulusID }
func (e *ExecuteFailureEvent) HandledAt() float64 { return e.Handled }

func (e *ExecuteFailureEvent) ToDict() map[string]any {
	d := eventDict(e.Cls(), e.StimulusID, e.Handled)
	d["key"] = e.Key
	d["start"] = e.Start
	d["stop"] = e.Stop
	d["exception"] = nil
	d["traceback"] = nil
	d["exception_text"] = e.ExceptionText
	d["traceback_text"] = e.TracebackText
	return d
}

func (e *ExecuteFailureEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	c.Exception = nil
	c.Traceback = nil
	return &c
}

// UpdateDataEvent injects already-computed values directly into worker
// memory, bypassing the fetch and execute paths.
type UpdateDataEvent struct {
	Data       map[string]any
	Report     bool
	StimulusID string
	Handled    float64
}

func (e *UpdateDataEvent) Cls() string        { return "UpdateDataEvent" }
func (e *UpdateDataEvent) Stimulus() string   { return e.StimulusID }
func (e *UpdateDataEvent) HandledAt() float64 { return e.Handled }

func (e *UpdateDataEvent) ToDict() map[string]any {
	d := eventDict(e.Cls(), e.StimulusID, e.Handled)
	d["data"] = anyDict(e.Data)
	d["report"] = e.Report
	return d
}

// ToLoggable keeps the data keys but nulls every value, so the log shows
// which keys were injected without retaining the payloads.
func (e *UpdateDataEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	c.Data = make(map[string]any, len(e.Data))
	for k := range e.Data {
		c.Data[k] = nil
	}
	return &c
}

// GatherDepSuccessEvent reports a completed peer transfer. Data holds the
// fetched values for the keys the peer actually had; a requested key
// absent from Data means the peer no longer holds it.
type GatherDepSuccessEvent struct {
	Worker      string
	Data        map[string]any
	Nbytes      map[string]int64
	TotalNbytes int64
	StimulusID  string
	Handled     float64
}

func (e *GatherDepSuccessEvent) Cls() string        { return "GatherDepSuccessEvent" }
func (e *GatherDepSuccessEvent) Stimulus() string   { return e.StimulusID }
func (e *GatherDepSuccessEvent) HandledAt() float64 { return e.Handled }

func (e *GatherDepSuccessEvent) ToDict() map[string]any {
	d := eventDict(e.Cls(), e.StimulusID, e.Handled)
	d["worker"] = e.Worker
	d["data"] = anyDict(e.Data)
	d["nbytes"] = nbytesDict(e.Nbytes)
	d["total_nbytes"] = e.TotalNbytes
	return d
}

func (e *GatherDepSuccessEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	c.Data = make(map[string]any, len(e.Data))
	for k := range e.Data {
		c.Data[k] = nil
	}
	return &c
}

// GatherDepBusyEvent reports that a peer refused a transfer because it is
// saturated. The requested keys stay wanted; the peer cools down.
type GatherDepBusyEvent struct {
	Worker      string
	TotalNbytes int64
	StimulusID  string
	Handled     float64
}

func (e *GatherDepBusyEvent) Cls() string        { return "GatherDepBusyEvent" }
func (e *GatherDepBusyEvent) Stimulus() string   { return e.StimulusID }
func (e *GatherDepBusyEvent) HandledAt() float64 { return e.Handled }

func (e *GatherDepBusyEvent) ToDict() map[string]any {
	d := eventDict(e.Cls(), e.StimulusID, e.Handled)
	d["worker"] = e.Worker
	d["total_nbytes"] = e.TotalNbytes
	return d
}

func (e *GatherDepBusyEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	return &c
}

// GatherDepNetworkFailureEvent reports that a peer became unreachable
// mid-transfer. The peer is treated as gone for every key it held.
type GatherDepNetworkFailureEvent struct {
	Worker      string
	TotalNbytes int64
	StimulusID  string
	Handled     float64
}

func (e *GatherDepNetworkFailureEvent) Cls() string        { return "GatherDepNetworkFailureEvent" }
func (e *GatherDepNetworkFailureEvent) Stimulus() string   { return e.StimulusID }
func (e *GatherDepNetworkFailureEvent) HandledAt() float64 { return e.Handled }

func (e *GatherDepNetworkFailureEvent) ToDict() map[string]any {
	d := eventDict(e.Cls(), e.StimulusID, e.Handled)
	d["worker"] = e.Worker
	d["total_nbytes"] = e.TotalNbytes
	return d
}

func (e *GatherDepNetworkFailureEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	return &c
}

// FindMissingEvent is the periodic tick that asks the state machine to
// chase tasks stuck in the missing state.
type FindMissingEvent struct {
	StimulusID string
	Handled    float64
}

func (e *FindMissingEvent) Cls() string        { return "FindMissingEvent" }
func (e *FindMissingEvent) Stimulus() string   { return e.StimulusID }
func (e *FindMissingEvent) HandledAt() float64 { return e.Handled }

func (e *FindMissingEvent) ToDict() map[string]any {
	return eventDict(e.Cls(), e.StimulusID, e.Handled)
}

func (e *FindMissingEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	return &c
}

// RefreshWhoHasEvent delivers fresh replica locations from the scheduler,
// reviving missing tasks whose holders have been rediscovered.
type RefreshWhoHasEvent struct {
	WhoHas     map[string][]string
	StimulusID string
	Handled    float64
}

func (e *RefreshWhoHasEvent) Cls() string        { return "RefreshWhoHasEvent" }
func (e *RefreshWhoHasEvent) Stimulus() string   { return e.StimulusID }
func (e *RefreshWhoHasEvent) HandledAt() float64 { return e.Handled }

func (e *RefreshWhoHasEvent) ToDict() map[string]any {
	d := eventDict(e.Cls(), e.StimulusID, e.Handled)
	d["who_has"] = whoHasDict(e.WhoHas)
	return d
}

func (e *RefreshWhoHasEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	return &c
}

// PauseEvent suspends outgoing fetch scheduling and new executions.
type PauseEvent struct {
	StimulusID string
	Handled    float64
}

func (e *PauseEvent) Cls() string        { return "PauseEvent" }
func (e *PauseEvent) Stimulus() string   { return e.StimulusID }
func (e *PauseEvent) HandledAt() float64 { return e.Handled }

func (e *PauseEvent) ToDict() map[string]any {
	return eventDict(e.Cls(), e.StimulusID, e.Handled)
}

func (e *PauseEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	return &c
}

// UnpauseEvent resumes fetch scheduling and execution after a pause.
type UnpauseEvent struct {
	StimulusID string
	Handled    float64
}

func (e *UnpauseEvent) Cls() string        { return "UnpauseEvent" }
func (e *UnpauseEvent) Stimulus() string   { return e.StimulusID }
func (e *UnpauseEvent) HandledAt() float64 { return e.Handled }

func (e *UnpauseEvent) ToDict() map[string]any {
	return eventDict(e.Cls(), e.StimulusID, e.Handled)
}

func (e *UnpauseEvent) ToLoggable(handled float64) Event {
	c := *e
	c.Handled = handled
	return &c
}

func init() {
	registerEvent("ComputeTaskEvent", func(r *dictReader) (Event, error) {
		rs, err := serializedTaskFromDict(r.value("run_spec"))
		if err != nil {
			return nil, err
		}
		return &ComputeTaskEvent{
			Key:                  r.str("key"),
			WhoHas:               r.whoHas("who_has"),
			Nbytes:               r.nbytesMap("nbytes"),
			Priority:             r.priority("priority"),
			Duration:             r.float("duration"),
			RunSpec:              rs,
			ResourceRestrictions: r.floatMap("resource_restrictions"),
			Actor:                r.boolean("actor"),
			Annotations:          r.anyMap("annotations"),
			StimulusID:           r.str("stimulus_id"),
			Handled:              r.optFloat("handled"),
		}, nil
	})
	registerEvent("AcquireReplicasEvent", func(r *dictReader) (Event, error) {
		return &AcquireReplicasEvent{
			WhoHas:     r.whoHas("who_has"),
			StimulusID: r.str("stimulus_id"),
			Handled:    r.optFloat("handled"),
		}, nil
	})
	registerEvent("RescheduleEvent", func(r *dictReader) (Event, error) {
		return &RescheduleEvent{
			Key:        r.str("key"),
			StimulusID: r.str("stimulus_id"),
			Handled:    r.optFloat("handled"),
		}, nil
	})
	registerEvent("FreeKeysEvent", func(r *dictReader) (Event, error) {
		return &FreeKeysEvent{
			Keys:       r.stringList("keys"),
			StimulusID: r.str("stimulus_id"),
			Handled:    r.optFloat("handled"),
		}, nil
	})
	registerEvent("ExecuteSuccessEvent", func(r *dictReader) (Event, error) {
		return &ExecuteSuccessEvent{
			Key:        r.str("key"),
			Value:      r.value("value"),
			Start:      r.float("start"),
			Stop:       r.float("stop"),
			Nbytes:     r.int64("nbytes"),
			Type:       r.optStr("type"),
			StimulusID: r.str("stimulus_id"),
			Handled:    r.optFloat("handled"),
		}, nil
	})
	registerEvent("ExecuteFailureEvent", func(r *dictReader) (Event, error) {
		r.value("exception")
		r.value("traceback")
		return &ExecuteFailureEvent{
			Key:           r.str("key"),
			Start:         r.float("start"),
			Stop:          r.float("stop"),
			ExceptionText: r.optStr("exception_text"),
			TracebackText: r.optStr("traceback_text"),
			StimulusID:    r.str("stimulus_id"),
			Handled:       r.optFloat("handled"),
		}, nil
	})
	registerEvent("UpdateDataEvent", func(r *dictReader) (Event, error) {
		return &UpdateDataEvent{
			Data:       r.anyMap("data"),
			Report:     r.boolean("report"),
			StimulusID: r.str("stimulus_id"),
			Handled:    r.optFloat("handled"),
		}, nil
	})
	registerEvent("GatherDepSuccessEvent", func(r *dictReader) (Event, error) {
		return &GatherDepSuccessEvent{
			Worker:      r.str("worker"),
			Data:        r.anyMap("data"),
			Nbytes:      r.nbytesMap("nbytes"),
			TotalNbytes: r.int64("total_nbytes"),
			StimulusID:  r.str("stimulus_id"),
			Handled:     r.optFloat("handled"),
		}, nil
	})
	registerEvent("GatherDepBusyEvent", func(r *dictReader) (Event, error) {
		return &GatherDepBusyEvent{
			Worker:      r.str("worker"),
			TotalNbytes: r.int64("total_nbytes"),
			StimulusID:  r.str("stimulus_id"),
			Handled:     r.optFloat("handled"),
		}, nil
	})
	registerEvent("GatherDepNetworkFailureEvent", func(r *dictReader) (Event, error) {
		return &GatherDepNetworkFailureEvent{
			Worker:      r.str("worker"),
			TotalNbytes: r.int64("total_nbytes"),
			StimulusID:  r.str("stimulus_id"),
			Handled:     r.optFloat("handled"),
		}, nil
	})
	registerEvent("FindMissingEvent", func(r *dictReader) (Event, error) {
		return &FindMissingEvent{
			StimulusID: r.str("stimulus_id"),
			Handled:    r.optFloat("handled"),
		}, nil
	})
	registerEvent("RefreshWhoHasEvent", func(r *dictReader) (Event, error) {
		return &RefreshWhoHasEvent{
			WhoHas:     r.whoHas("who_has"),
			StimulusID: r.str("stimulus_id"),
			Handled:    r.optFloat("handled"),
		}, nil
	})
	registerEvent("PauseEvent", func(r *dictReader) (Event, error) {
		return &PauseEvent{
			StimulusID: r.str("stimulus_id"),
			Handled:    r.optFloat("handled"),
		}, nil
	})
	registerEvent("UnpauseEvent", func(r *dictReader) (Event, error) {
		return &UnpauseEvent{
			StimulusID: r.str("stimulus_id"),
			Handled:    r.optFloat("handled"),
		}, nil
	})
}
