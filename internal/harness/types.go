package harness

import (
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/story"
	"github.com/taskmesh/taskmesh/internal/worker"
)

// Result is the complete outcome of one scenario run.
type Result struct {
	// Instructions is every instruction the machine emitted, in
	// emission order, including ones the harness serviced itself.
	Instructions []protocol.Instruction

	// Stimuli and Transitions are the story log of the run.
	Stimuli     []story.Stimulus
	Transitions []story.Transition

	// Machine is the final machine, for state inspection.
	Machine *worker.Machine
}

// InstructionOps returns the op names of the trace in order, a compact
// view for test assertions.
func (r *Result) InstructionOps() []string {
	ops := make([]string, len(r.Instructions))
	for i, instr := range r.Instructions {
		ops[i] = instr.Op()
	}
	return ops
}
