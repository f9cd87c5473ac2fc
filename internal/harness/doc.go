// Package harness runs deterministic conformance scenarios against the
// worker state machine.
//
// A scenario is a YAML file describing a worker, its scripted
// environment (peer data, execution outcomes), and a sequence of
// scheduler stimuli. The harness drives the machine synchronously on a
// manual clock with sequential stimulus IDs, servicing gather and
// execute instructions from the scripts the way the production run loop
// would, so the same scenario always produces the same instruction
// trace and the same story log.
//
// Scenario outcomes are checked two ways:
//
//   - Assertions declared in the scenario file (trace_contains,
//     trace_order, trace_count, final_state).
//   - Golden trace files under testdata/golden, compared byte for byte
//     with canonical JSON. Regenerate with go test -update.
//
// After every handled stimulus the harness verifies the machine's
// structural invariants (graph edge symmetry, memory/data consistency),
// so a scenario that passes its assertions cannot have corrupted state
// on the way.
package harness
