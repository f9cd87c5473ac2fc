package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/taskmesh/taskmesh/internal/protocol"
)

// traceSnapshot flattens a scenario result into the canonical-JSON dict
// stored in golden files. Byte equality of two snapshots implies the
// runs emitted the same instructions and walked the same transitions.
func traceSnapshot(scenario *Scenario, result *Result) map[string]any {
	instructions := make([]any, len(result.Instructions))
	for i, instr := range result.Instructions {
		instructions[i] = instr.ToDict()
	}

	transitions := make([]any, len(result.Transitions))
	for i, tr := range result.Transitions {
		transitions[i] = map[string]any{
			"seq":         tr.Seq,
			"key":         tr.Key,
			"start":       string(tr.Start),
			"finish":      string(tr.Finish),
			"stimulus_id": tr.StimulusID,
		}
	}

	return map[string]any{
		"scenario_name": scenario.Name,
		"address":       scenario.Address,
		"instructions":  instructions,
		"transitions":   transitions,
	}
}

// RunWithGolden executes a scenario, verifies its assertions, and
// compares the trace snapshot against testdata/golden/<name>.golden.
//
// Regenerate golden files with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := RunAndCheck(scenario)
	if err != nil {
		t.Fatalf("scenario %s: %v", scenario.Name, err)
	}

	traceJSON, err := protocol.MarshalCanonical(traceSnapshot(scenario, result))
	if err != nil {
		t.Fatalf("scenario %s: encode snapshot: %v", scenario.Name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, traceJSON)
	return result
}
