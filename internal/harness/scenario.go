package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario describes one deterministic conformance run: a worker, its
// scripted environment, the stimuli to feed it, and what to check.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Address is the worker's own address.
	Address string `yaml:"address"`

	// Options tunes the machine's scheduling knobs.
	Options *Options `yaml:"options,omitempty"`

	// Peers scripts the gather responses, keyed by peer address. A
	// gather from an unlisted peer fails with a network error.
	Peers map[string]PeerScript `yaml:"peers,omitempty"`

	// Executions scripts the execution outcomes, keyed by task key.
	Executions map[string]ExecutionScript `yaml:"executions,omitempty"`

	// Stimuli is the sequence of scheduler events to feed the machine.
	Stimuli []StimulusStep `yaml:"stimuli"`

	// Assertions validate the instruction trace and final task states.
	Assertions []Assertion `yaml:"assertions"`
}

// Options overrides the machine's scheduling defaults.
type Options struct {
	Nthreads                   int   `yaml:"nthreads,omitempty"`
	TransferIncomingCountLimit int   `yaml:"transfer_incoming_count_limit,omitempty"`
	TargetMessageSize          int64 `yaml:"target_message_size,omitempty"`
}

// PeerScript scripts one peer's gather behavior. Exactly one of Busy,
// Unreachable, or Data applies; a reachable, non-busy peer answers from
// Data and silently omits keys it does not list.
type PeerScript struct {
	Busy        bool                `yaml:"busy,omitempty"`
	Unreachable bool                `yaml:"unreachable,omitempty"`
	Data        map[string]DataItem `yaml:"data,omitempty"`
}

// DataItem is one scripted value held by a peer.
type DataItem struct {
	Value  string `yaml:"value"`
	Nbytes int64  `yaml:"nbytes"`
}

// ExecutionScript scripts the outcome of executing one task.
type ExecutionScript struct {
	// Outcome is "success", "failure", or "reschedule".
	Outcome string `yaml:"outcome"`

	// Success fields.
	Value  string  `yaml:"value,omitempty"`
	Nbytes int64   `yaml:"nbytes,omitempty"`
	Type   string  `yaml:"type,omitempty"`
	Start  float64 `yaml:"start,omitempty"`
	Stop   float64 `yaml:"stop,omitempty"`

	// Failure field.
	Exception string `yaml:"exception,omitempty"`
}

// Execution outcome constants.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeReschedule = "reschedule"
)

// StimulusStep is one scheduler event in a scenario. Exactly one field
// must be set.
type StimulusStep struct {
	Compute       *ComputeStep    `yaml:"compute,omitempty"`
	Free          *FreeStep       `yaml:"free,omitempty"`
	Acquire       *AcquireStep    `yaml:"acquire,omitempty"`
	Reschedule    *RescheduleStep `yaml:"reschedule,omitempty"`
	UpdateData    *UpdateDataStep `yaml:"update_data,omitempty"`
	RefreshWhoHas *RefreshStep    `yaml:"refresh_who_has,omitempty"`
	Pause         *EmptyStep      `yaml:"pause,omitempty"`
	Unpause       *EmptyStep      `yaml:"unpause,omitempty"`
	FindMissing   *EmptyStep      `yaml:"find_missing,omitempty"`
}

// ComputeStep asks the worker to compute a task.
type ComputeStep struct {
	Key      string              `yaml:"key"`
	WhoHas   map[string][]string `yaml:"who_has,omitempty"`
	Nbytes   map[string]int64    `yaml:"nbytes,omitempty"`
	Priority []int               `yaml:"priority,omitempty"`
}

// FreeStep releases keys the scheduler no longer wants.
type FreeStep struct {
	Keys []string `yaml:"keys"`
}

// AcquireStep asks the worker to replicate keys from peers.
type AcquireStep struct {
	WhoHas map[string][]string `yaml:"who_has"`
}

// RescheduleStep tells the worker a task should run elsewhere.
type RescheduleStep struct {
	Key string `yaml:"key"`
}

// UpdateDataStep injects values directly into worker memory.
type UpdateDataStep struct {
	Data   map[string]string `yaml:"data"`
	Report bool              `yaml:"report,omitempty"`
}

// RefreshStep delivers fresh replica locations from the scheduler.
type RefreshStep struct {
	WhoHas map[string][]string `yaml:"who_has"`
}

// EmptyStep marks a stimulus that carries no payload.
type EmptyStep struct{}

// LoadScenario reads and parses a scenario YAML file. Unknown fields
// are rejected so typos fail loudly instead of silently skipping a
// check.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML bytes with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Address == "" {
		return fmt.Errorf("address is required")
	}
	if len(s.Stimuli) == 0 {
		return fmt.Errorf("stimuli list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for peer, script := range s.Peers {
		if script.Busy && script.Unreachable {
			return fmt.Errorf("peers[%s]: busy and unreachable are mutually exclusive", peer)
		}
	}

	for key, exec := range s.Executions {
		switch exec.Outcome {
		case OutcomeSuccess, OutcomeFailure, OutcomeReschedule:
		default:
			return fmt.Errorf("executions[%s]: unknown outcome %q", key, exec.Outcome)
		}
	}

	for i, step := range s.Stimuli {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *StimulusStep) error {
	set := 0
	if step.Compute != nil {
		set++
		if step.Compute.Key == "" {
			return fmt.Errorf("stimuli[%d].compute: key is required", index)
		}
	}
	if step.Free != nil {
		set++
		if len(step.Free.Keys) == 0 {
			return fmt.Errorf("stimuli[%d].free: keys is required", index)
		}
	}
	if step.Acquire != nil {
		set++
		if len(step.Acquire.WhoHas) == 0 {
			return fmt.Errorf("stimuli[%d].acquire: who_has is required", index)
		}
	}
	if step.Reschedule != nil {
		set++
		if step.Reschedule.Key == "" {
			return fmt.Errorf("stimuli[%d].reschedule: key is required", index)
		}
	}
	if step.UpdateData != nil {
		set++
		if len(step.UpdateData.Data) == 0 {
			return fmt.Errorf("stimuli[%d].update_data: data is required", index)
		}
	}
	if step.RefreshWhoHas != nil {
		set++
		if step.RefreshWhoHas.WhoHas == nil {
			return fmt.Errorf("stimuli[%d].refresh_who_has: who_has is required", index)
		}
	}
	if step.Pause != nil {
		set++
	}
	if step.Unpause != nil {
		set++
	}
	if step.FindMissing != nil {
		set++
	}

	if set == 0 {
		return fmt.Errorf("stimuli[%d]: empty step", index)
	}
	if set > 1 {
		return fmt.Errorf("stimuli[%d]: exactly one stimulus kind per step", index)
	}
	return nil
}
