package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRescheduleEventToDict(t *testing.T) {
	ev := &RescheduleEvent{StimulusID: "test", Key: "x"}
	ev2 := ev.ToLoggable(11.22)
	assert.True(t, EqualEvents(ev, ev2))
	assert.Zero(t, ev.Handled)

	d := ev2.ToDict()
	assert.Equal(t, map[string]any{
		"cls":         "RescheduleEvent",
		"stimulus_id": "test",
		"handled":     11.22,
		"key":         "x",
	}, d)

	ev3, err := FromDict(d)
	require.NoError(t, err)
	assert.True(t, EqualEvents(ev, ev3))
	assert.Equal(t, 11.22, ev3.HandledAt())
}

func TestComputeTaskEventToDict(t *testing.T) {
	// The potentially very large run spec must not reach the log.
	ev := &ComputeTaskEvent{
		Key:      "x",
		WhoHas:   map[string][]string{"y": {"w1"}},
		Nbytes:   map[string]int64{"y": 123},
		Priority: []int{0},
		Duration: 123.45,
		RunSpec: SerializedTask{
			Function: []byte("blob"),
			Args:     []byte("blob"),
		},
		ResourceRestrictions: map[string]float64{},
		Actor:                false,
		Annotations:          map[string]any{},
		StimulusID:           "test",
	}

	ev2 := ev.ToLoggable(11.22).(*ComputeTaskEvent)
	assert.Equal(t, 11.22, ev2.Handled)
	assert.True(t, ev2.RunSpec.IsStripped())
	// The original is untouched.
	assert.Equal(t, []byte("blob"), ev.RunSpec.Function)

	d := ev2.ToDict()
	assert.Equal(t, map[string]any{
		"cls":                   "ComputeTaskEvent",
		"key":                   "x",
		"who_has":               map[string]any{"y": []any{"w1"}},
		"nbytes":                map[string]any{"y": int64(123)},
		"priority":              []any{0},
		"duration":              123.45,
		"run_spec":              []any{nil, nil, nil, nil},
		"resource_restrictions": map[string]any{},
		"actor":                 false,
		"annotations":           map[string]any{},
		"stimulus_id":           "test",
		"handled":               11.22,
	}, d)

	ev3, err := FromDict(d)
	require.NoError(t, err)
	ct, ok := ev3.(*ComputeTaskEvent)
	require.True(t, ok)
	assert.True(t, ct.RunSpec.IsStripped())
	// The list form decodes back to the priority tuple.
	assert.Equal(t, []int{0}, ct.Priority)
}

func TestComputeTaskEventDictRoundTripThroughJSON(t *testing.T) {
	ev := &ComputeTaskEvent{
		Key:                  "x",
		WhoHas:               map[string][]string{"y": {"w1", "w2"}},
		Nbytes:               map[string]int64{"y": 123},
		Priority:             []int{0, 1},
		Duration:             123.45,
		ResourceRestrictions: map[string]float64{},
		Annotations:          map[string]any{},
		StimulusID:           "test",
		Handled:              11.22,
	}

	raw, err := MarshalCanonical(ev.ToDict())
	require.NoError(t, err)
	dict, err := UnmarshalDict(raw)
	require.NoError(t, err)
	ev2, err := FromDict(dict)
	require.NoError(t, err)
	assert.True(t, EqualEvents(ev, ev2))
}

func TestUpdateDataEventToDict(t *testing.T) {
	// The injected values must not reach the log, but the keys do.
	ev := &UpdateDataEvent{
		Data:       map[string]any{"x": "foo", "y": "bar"},
		Report:     true,
		StimulusID: "test",
	}

	ev2 := ev.ToLoggable(11.22).(*UpdateDataEvent)
	assert.Equal(t, 11.22, ev2.Handled)
	assert.Equal(t, map[string]any{"x": nil, "y": nil}, ev2.Data)
	assert.Equal(t, map[string]any{"x": "foo", "y": "bar"}, ev.Data)

	d := ev2.ToDict()
	assert.Equal(t, map[string]any{
		"cls":         "UpdateDataEvent",
		"data":        map[string]any{"x": nil, "y": nil},
		"report":      true,
		"stimulus_id": "test",
		"handled":     11.22,
	}, d)

	ev3, err := FromDict(d)
	require.NoError(t, err)
	ud, ok := ev3.(*UpdateDataEvent)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"x": nil, "y": nil}, ud.Data)
}

func TestExecuteSuccessEventToDict(t *testing.T) {
	// The potentially very large result value must not reach the log.
	ev := &ExecuteSuccessEvent{
		StimulusID: "test",
		Key:        "x",
		Value:      123,
		Start:      123.4,
		Stop:       456.7,
		Nbytes:     890,
		Type:       "int",
	}

	ev2 := ev.ToLoggable(11.22).(*ExecuteSuccessEvent)
	assert.Nil(t, ev2.Value)
	assert.Equal(t, 123, ev.Value)

	d := ev2.ToDict()
	assert.Equal(t, map[string]any{
		"cls":         "ExecuteSuccessEvent",
		"stimulus_id": "test",
		"handled":     11.22,
		"key":         "x",
		"value":       nil,
		"nbytes":      int64(890),
		"start":       123.4,
		"stop":        456.7,
		"type":        "int",
	}, d)

	ev3, err := FromDict(d)
	require.NoError(t, err)
	es, ok := ev3.(*ExecuteSuccessEvent)
	require.True(t, ok)
	assert.Equal(t, "test", es.StimulusID)
	assert.Equal(t, 11.22, es.Handled)
	assert.Equal(t, "x", es.Key)
	assert.Nil(t, es.Value)
	assert.Equal(t, 123.4, es.Start)
	assert.Equal(t, 456.7, es.Stop)
	assert.Equal(t, int64(890), es.Nbytes)
}

func TestExecuteFailureEventToDict(t *testing.T) {
	ev := &ExecuteFailureEvent{
		StimulusID:    "test",
		Key:           "x",
		Start:         123.4,
		Stop:          456.7,
		Exception:     []byte("pickled exception"),
		Traceback:     []byte("lose me"),
		ExceptionText: "exc text",
		TracebackText: "tb text",
	}

	ev2 := ev.ToLoggable(11.22).(*ExecuteFailureEvent)
	assert.True(t, EqualEvents(ev, ev2))
	assert.Nil(t, ev2.Exception)
	assert.Nil(t, ev2.Traceback)
	assert.Equal(t, []byte("pickled exception"), ev.Exception)

	d := ev2.ToDict()
	assert.Equal(t, map[string]any{
		"cls":            "ExecuteFailureEvent",
		"stimulus_id":    "test",
		"handled":        11.22,
		"key":            "x",
		"start":          123.4,
		"stop":           456.7,
		"exception":      nil,
		"traceback":      nil,
		"exception_text": "exc text",
		"traceback_text": "tb text",
	}, d)

	ev3, err := FromDict(d)
	require.NoError(t, err)
	ef, ok := ev3.(*ExecuteFailureEvent)
	require.True(t, ok)
	assert.Nil(t, ef.Exception)
	assert.Nil(t, ef.Traceback)
	assert.Equal(t, "exc text", ef.ExceptionText)
	assert.Equal(t, "tb text", ef.TracebackText)
}

func TestEventRoundTripAllClasses(t *testing.T) {
	events := []Event{
		&AcquireReplicasEvent{WhoHas: map[string][]string{"x": {"w1"}}, StimulusID: "s1"},
		&FreeKeysEvent{Keys: []string{"x", "y"}, StimulusID: "s2"},
		&GatherDepSuccessEvent{
			Worker:      "tcp://w1",
			Data:        map[string]any{"x": nil},
			Nbytes:      map[string]int64{"x": 42},
			TotalNbytes: 42,
			StimulusID:  "s3",
		},
		&GatherDepBusyEvent{Worker: "tcp://w1", TotalNbytes: 42, StimulusID: "s4"},
		&GatherDepNetworkFailureEvent{Worker: "tcp://w1", TotalNbytes: 42, StimulusID: "s5"},
		&FindMissingEvent{StimulusID: "s6"},
		&RefreshWhoHasEvent{WhoHas: map[string][]string{"x": {"w2"}}, StimulusID: "s7"},
		&PauseEvent{StimulusID: "s8"},
		&UnpauseEvent{StimulusID: "s9"},
	}

	for _, ev := range events {
		t.Run(ev.Cls(), func(t *testing.T) {
			raw, err := MarshalCanonical(ev.ToDict())
			require.NoError(t, err)
			dict, err := UnmarshalDict(raw)
			require.NoError(t, err)
			ev2, err := FromDict(dict)
			require.NoError(t, err)
			assert.True(t, EqualEvents(ev, ev2))
			assert.Equal(t, ev.Stimulus(), ev2.Stimulus())
		})
	}
}

func TestEqualEventsIgnoresHandled(t *testing.T) {
	a := &FreeKeysEvent{Keys: []string{"x"}, StimulusID: "s"}
	b := &FreeKeysEvent{Keys: []string{"x"}, StimulusID: "s", Handled: 99.9}
	c := &FreeKeysEvent{Keys: []string{"y"}, StimulusID: "s"}

	assert.True(t, EqualEvents(a, b))
	assert.False(t, EqualEvents(a, c))
	assert.False(t, EqualEvents(a, &PauseEvent{StimulusID: "s"}))
}

func TestFromDictUnknownClass(t *testing.T) {
	_, err := FromDict(map[string]any{"cls": "NoSuchEvent", "stimulus_id": "s"})
	assert.ErrorIs(t, err, ErrUnknownEventClass)
}

func TestFromDictMissingCls(t *testing.T) {
	_, err := FromDict(map[string]any{"stimulus_id": "s"})
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "cls", de.Field)
}

func TestFromDictUnexpectedField(t *testing.T) {
	_, err := FromDict(map[string]any{
		"cls":         "PauseEvent",
		"stimulus_id": "s",
		"handled":     nil,
		"surprise":    1,
	})
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "surprise", de.Field)
	assert.Equal(t, "unexpected field", de.Reason)
}

func TestFromDictMissingRequiredField(t *testing.T) {
	_, err := FromDict(map[string]any{
		"cls":     "RescheduleEvent",
		"handled": nil,
		"key":     "x",
	})
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "stimulus_id", de.Field)
}

func TestFromDictWrongFieldType(t *testing.T) {
	_, err := FromDict(map[string]any{
		"cls":         "FreeKeysEvent",
		"keys":        "not-a-list",
		"stimulus_id": "s",
		"handled":     nil,
	})
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "keys", de.Field)
}
