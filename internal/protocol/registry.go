package protocol

import (
	"errors"
	"fmt"
	"slices"
)

// Decode/construction failures are surfaced immediately to the caller.
// A malformed dict is a protocol bug at the sender, never something the
// state machine should paper over.
var (
	// ErrUnknownEventClass is returned when a dict's "cls" tag does not
	// match any registered event type.
	ErrUnknownEventClass = errors.New("unknown event class")

	// ErrUnknownInstructionOp is returned when a dict's "op" tag does not
	// match any registered instruction type.
	ErrUnknownInstructionOp = errors.New("unknown instruction op")
)

// DecodeError reports a field-level failure while decoding a dict into a
// typed event or instruction: a missing required field, a wrong type, or
// an unexpected extra field.
type DecodeError struct {
	Cls    string // event cls or instruction op, when known
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Cls != "" {
		return fmt.Sprintf("decode %s: field %q: %s", e.Cls, e.Field, e.Reason)
	}
	return fmt.Sprintf("decode: field %q: %s", e.Field, e.Reason)
}

// eventDecoders maps "cls" tags to strict decoders. Populated by init()
// in events.go; the set of registered classes is the wire contract.
var eventDecoders = map[string]func(*dictReader) (Event, error){}

func registerEvent(cls string, decode func(*dictReader) (Event, error)) {
	if _, dup := eventDecoders[cls]; dup {
		panic("protocol: duplicate event class " + cls)
	}
	eventDecoders[cls] = decode
}

// FromDict reconstructs a typed event from its dict encoding.
// The dict must carry a "cls" tag naming a registered event type and no
// fields beyond that type's declared schema.
func FromDict(m map[string]any) (Event, error) {
	cls, ok := m["cls"].(string)
	if !ok {
		return nil, &DecodeError{Field: "cls", Reason: "missing or not a string"}
	}
	decode, ok := eventDecoders[cls]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventClass, cls)
	}
	r := newDictReader(cls, m)
	r.consume("cls")
	ev, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return ev, nil
}

// dictReader consumes fields from a decoded dict one at a time and tracks
// which keys have been claimed, so finish() can reject unexpected extras.
// The first error sticks; subsequent reads are no-ops.
type dictReader struct {
	cls  string
	m    map[string]any
	seen map[string]bool
	err  error
}

func newDictReader(cls string, m map[string]any) *dictReader {
	return &dictReader{cls: cls, m: m, seen: make(map[string]bool, len(m))}
}

func (r *dictReader) fail(field, reason string) {
	if r.err == nil {
		r.err = &DecodeError{Cls: r.cls, Field: field, Reason: reason}
	}
}

func (r *dictReader) consume(field string) (any, bool) {
	r.seen[field] = true
	v, ok := r.m[field]
	return v, ok
}

// finish errors if the dict carried fields the schema does not declare.
func (r *dictReader) finish() error {
	if r.err != nil {
		return r.err
	}
	var extras []string
	for k := range r.m {
		if !r.seen[k] {
			extras = append(extras, k)
		}
	}
	if len(extras) > 0 {
		slices.Sort(extras)
		return &DecodeError{Cls: r.cls, Field: extras[0], Reason: "unexpected field"}
	}
	return nil
}

func (r *dictReader) str(field string) string {
	v, ok := r.consume(field)
	if !ok {
		r.fail(field, "missing required field")
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail(field, "expected string")
		return ""
	}
	return s
}

func (r *dictReader) optStr(field string) string {
	v, ok := r.consume(field)
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail(field, "expected string")
		return ""
	}
	return s
}

func (r *dictReader) boolean(field string) bool {
	v, ok := r.consume(field)
	if !ok {
		r.fail(field, "missing required field")
		return false
	}
	b, ok := v.(bool)
	if !ok {
		r.fail(field, "expected bool")
		return false
	}
	return b
}

// float reads a required numeric field. JSON decoding yields float64 for
// every number, but dicts constructed in-process may hold int or int64.
func (r *dictReader) float(field string) float64 {
	v, ok := r.consume(field)
	if !ok {
		r.fail(field, "missing required field")
		return 0
	}
	f, ok := toFloat(v)
	if !ok {
		r.fail(field, "expected number")
	}
	return f
}

func (r *dictReader) optFloat(field string) float64 {
	v, ok := r.consume(field)
	if !ok || v == nil {
		return 0
	}
	f, ok := toFloat(v)
	if !ok {
		r.fail(field, "expected number")
	}
	return f
}

func (r *dictReader) int64(field string) int64 {
	v, ok := r.consume(field)
	if !ok {
		r.fail(field, "missing required field")
		return 0
	}
	n, ok := toInt64(v)
	if !ok {
		r.fail(field, "expected integer")
	}
	return n
}

// value reads a field without type constraints. nil is a legal value
// (loggable projections null out payloads).
func (r *dictReader) value(field string) any {
	v, _ := r.consume(field)
	return v
}

// priority reads an ordered integer tuple. Lists arrive as []any from
// JSON; elements are converted back to int to restore the tuple schema.
func (r *dictReader) priority(field string) []int {
	v, ok := r.consume(field)
	if !ok {
		r.fail(field, "missing required field")
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		r.fail(field, "expected list of integers")
		return nil
	}
	out := make([]int, len(list))
	for i, elem := range list {
		n, ok := toInt64(elem)
		if !ok {
			r.fail(field, "expected list of integers")
			return nil
		}
		out[i] = int(n)
	}
	return out
}

func (r *dictReader) stringList(field string) []string {
	v, ok := r.consume(field)
	if !ok {
		r.fail(field, "missing required field")
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		r.fail(field, "expected list of strings")
		return nil
	}
	out := make([]string, len(list))
	for i, elem := range list {
		s, ok := elem.(string)
		if !ok {
			r.fail(field, "expected list of strings")
			return nil
		}
		out[i] = s
	}
	return out
}

// whoHas reads a key -> holder-addresses mapping.
func (r *dictReader) whoHas(field string) map[string][]string {
	v, ok := r.consume(field)
	if !ok {
		r.fail(field, "missing required field")
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		r.fail(field, "expected mapping of key to worker list")
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, elem := range m {
		list, ok := elem.([]any)
		if !ok {
			r.fail(field, "expected mapping of key to worker list")
			return nil
		}
		workers := make([]string, len(list))
		for i, w := range list {
			s, ok := w.(string)
			if !ok {
				r.fail(field, "expected mapping of key to worker list")
				return nil
			}
			workers[i] = s
		}
		out[k] = workers
	}
	return out
}

// nbytesMap reads a key -> byte-size mapping.
func (r *dictReader) nbytesMap(field string) map[string]int64 {
	v, ok := r.consume(field)
	if !ok {
		r.fail(field, "missing required field")
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		r.fail(field, "expected mapping of key to size")
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, elem := range m {
		n, ok := toInt64(elem)
		if !ok {
			r.fail(field, "expected mapping of key to size")
			return nil
		}
		out[k] = n
	}
	return out
}

// anyMap reads a key -> opaque value mapping (update-data payloads,
// annotations). Values may be nil after the loggable projection.
func (r *dictReader) anyMap(field string) map[string]any {
	v, ok := r.consume(field)
	if !ok {
		r.fail(field, "missing required field")
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		r.fail(field, "expected mapping")
		return nil
	}
	out := make(map[string]any, len(m))
	for k, elem := range m {
		out[k] = elem
	}
	return out
}

func (r *dictReader) floatMap(field string) map[string]float64 {
	v, ok := r.consume(field)
	if !ok {
		r.fail(field, "missing required field")
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		r.fail(field, "expected mapping of name to number")
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, elem := range m {
		f, ok := toFloat(elem)
		if !ok {
			r.fail(field, "expected mapping of name to number")
			return nil
		}
		out[k] = f
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
