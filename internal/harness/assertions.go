package harness

import (
	"fmt"
	"strings"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/task"
)

// Assertion validates one aspect of a scenario result.
type Assertion struct {
	// Type selects the assertion:
	//   - "trace_contains": an instruction with the given op (and
	//     optional key/worker) appears in the trace
	//   - "trace_order": the given ops appear in the trace in this
	//     relative order, other instructions may interleave
	//   - "trace_count": the matching instruction appears exactly
	//     count times
	//   - "final_state": the task ends the run in the given state
	Type string `yaml:"type"`

	// Op and the optional Key/Worker narrow trace matches.
	Op     string `yaml:"op,omitempty"`
	Key    string `yaml:"key,omitempty"`
	Worker string `yaml:"worker,omitempty"`

	// Count is the expected number of matches (trace_count).
	Count int `yaml:"count,omitempty"`

	// Ops is the expected relative order (trace_order).
	Ops []string `yaml:"ops,omitempty"`

	// State is the expected final task state (final_state). The state
	// "forgotten" asserts the task is gone entirely.
	State string `yaml:"state,omitempty"`

	// HasData optionally asserts whether the worker holds a value for
	// the key (final_state).
	HasData *bool `yaml:"has_data,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Check verifies every assertion against the result, reporting the
// first failure.
func Check(result *Result, assertions []Assertion) error {
	for i, a := range assertions {
		if err := checkOne(result, &a); err != nil {
			return fmt.Errorf("assertions[%d] (%s): %w", i, a.Type, err)
		}
	}
	return nil
}

func checkOne(result *Result, a *Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if countMatches(result, a) == 0 {
			return fmt.Errorf("no instruction matches op=%q key=%q worker=%q; trace: %s",
				a.Op, a.Key, a.Worker, strings.Join(result.InstructionOps(), ", "))
		}
		return nil
	case AssertTraceCount:
		if got := countMatches(result, a); got != a.Count {
			return fmt.Errorf("op=%q key=%q matched %d times, want %d",
				a.Op, a.Key, got, a.Count)
		}
		return nil
	case AssertTraceOrder:
		return checkOrder(result, a.Ops)
	case AssertFinalState:
		return checkFinalState(result, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func countMatches(result *Result, a *Assertion) int {
	n := 0
	for _, instr := range result.Instructions {
		if instructionMatches(a, instr) {
			n++
		}
	}
	return n
}

// instructionMatches reports whether instr satisfies the assertion's op
// and optional key/worker filters. Key filters match both single-key
// instructions and key-list messages.
func instructionMatches(a *Assertion, instr protocol.Instruction) bool {
	if instr.Op() != a.Op {
		return false
	}
	d := instr.ToDict()
	if a.Key != "" && !dictHasKey(d, a.Key) {
		return false
	}
	if a.Worker != "" {
		worker, _ := d["worker"].(string)
		if worker != a.Worker {
			return false
		}
	}
	return true
}

func dictHasKey(d map[string]any, key string) bool {
	if k, ok := d["key"].(string); ok {
		return k == key
	}
	for _, field := range []string{"keys", "to_gather"} {
		if list, ok := d[field].([]any); ok {
			for _, elem := range list {
				if elem == key {
					return true
				}
			}
			return false
		}
	}
	return false
}

// checkOrder verifies ops appear as a subsequence of the trace.
func checkOrder(result *Result, ops []string) error {
	next := 0
	for _, instr := range result.Instructions {
		if next < len(ops) && instr.Op() == ops[next] {
			next++
		}
	}
	if next < len(ops) {
		return fmt.Errorf("op %q missing after matching %v; trace: %s",
			ops[next], ops[:next], strings.Join(result.InstructionOps(), ", "))
	}
	return nil
}

func checkFinalState(result *Result, a *Assertion) error {
	ts := result.Machine.Task(a.Key)
	want := task.State(a.State)

	if want == task.Forgotten {
		if ts != nil {
			return fmt.Errorf("task %q still tracked in state %q, want forgotten", a.Key, ts.State)
		}
	} else {
		if ts == nil {
			return fmt.Errorf("task %q not tracked, want state %q", a.Key, want)
		}
		if ts.State != want {
			return fmt.Errorf("task %q in state %q, want %q", a.Key, ts.State, want)
		}
	}

	if a.HasData != nil {
		_, got := result.Machine.Data(a.Key)
		if got != *a.HasData {
			return fmt.Errorf("task %q data presence is %v, want %v", a.Key, got, *a.HasData)
		}
	}
	return nil
}

// validateAssertion checks assertion fields at scenario load time.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertFinalState:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for final_state", index)
		}
		if !task.State(a.State).Valid() {
			return fmt.Errorf("assertions[%d]: unknown state %q", index, a.State)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
