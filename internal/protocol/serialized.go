package protocol

// SerializedTask is the opaque compute specification attached to a
// compute-task request. The payload bytes are produced and consumed by the
// external serialization codec; the state machine only moves them around.
//
// Either Task alone is set (a pre-packed task blob) or Function/Args/Kwargs
// are set individually. The zero value means "payload stripped", which is
// what the loggable projection produces.
type SerializedTask struct {
	Function []byte
	Args     []byte
	Kwargs   []byte
	Task     []byte
}

// IsStripped reports whether every payload component is absent.
func (st SerializedTask) IsStripped() bool {
	return st.Function == nil && st.Args == nil && st.Kwargs == nil && st.Task == nil
}

// toDict encodes the run spec as a fixed 4-element list. Payload bytes
// never reach the wire dict, so every component encodes as null and the
// dict form is always [null,null,null,null].
//
// Round-trip note: run_spec payloads intentionally do not survive the dict
// encoding. Decoding always yields a stripped SerializedTask; the scheduler
// resends the real payload with the compute-task message itself.
func (st SerializedTask) toDict() []any {
	return []any{nil, nil, nil, nil}
}

// serializedTaskFromDict restores the stripped run spec from its list form.
// The element count is part of the schema and is validated.
func serializedTaskFromDict(v any) (SerializedTask, error) {
	list, ok := v.([]any)
	if !ok {
		return SerializedTask{}, &DecodeError{Field: "run_spec", Reason: "expected a 4-element list"}
	}
	if len(list) != 4 {
		return SerializedTask{}, &DecodeError{Field: "run_spec", Reason: "expected a 4-element list"}
	}
	return SerializedTask{}, nil
}
