package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/story"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Address  string
}

// ReplayDivergence describes the first mismatched transition.
type ReplayDivergence struct {
	Index    int             `json:"index"`
	Logged   TraceTransition `json:"logged"`
	Replayed TraceTransition `json:"replayed"`
}

// ReplayReport holds the replay verification result.
type ReplayReport struct {
	Stimuli       int               `json:"stimuli"`
	Transitions   int               `json:"transitions"`
	Deterministic bool              `json:"deterministic"`
	Divergence    *ReplayDivergence `json:"divergence,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the story log and verify determinism",
		Long: `Re-drive every logged stimulus through a fresh state machine and
verify that it reproduces the logged transitions exactly.

The machine is deterministic, so any divergence means the log was
produced by a different machine version or was tampered with.

Exit codes:
  0 - Replay reproduced the log
  1 - Divergence detected
  2 - Command error (database not found, etc.)

Examples:
  taskmesh replay --db ./story.db --address tcp://w1:8786
  taskmesh replay --db ./story.db --address tcp://w1:8786 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to story log database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Address, "address", "", "worker address the log was recorded under (required)")
	_ = cmd.MarkFlagRequired("address")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := story.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open story log", err)
	}
	defer st.Close()

	result, err := story.Replay(ctx, st, opts.Address)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}

	report := ReplayReport{
		Stimuli:       result.Stimuli,
		Transitions:   result.Transitions,
		Deterministic: result.Matches(),
	}
	if d := result.Divergence; d != nil {
		report.Divergence = &ReplayDivergence{
			Index:    d.Index,
			Logged:   toTraceTransition(d.Logged),
			Replayed: toTraceTransition(d.Replayed),
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, report)
	}
	return outputReplayText(cmd, report)
}

func toTraceTransition(tr story.Transition) TraceTransition {
	return TraceTransition{
		Seq:        tr.Seq,
		Key:        tr.Key,
		Start:      string(tr.Start),
		Finish:     string(tr.Finish),
		StimulusID: tr.StimulusID,
	}
}

// outputReplayJSON outputs the replay report as JSON.
func outputReplayJSON(cmd *cobra.Command, report ReplayReport) error {
	response := CLIResponse{Status: "ok", Data: report}
	if !report.Deterministic {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_DIVERGENCE",
			Message: "replay diverged from the logged story",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !report.Deterministic {
		return NewExitError(ExitFailure, "replay diverged from the logged story")
	}
	return nil
}

// outputReplayText outputs the replay report as text.
func outputReplayText(cmd *cobra.Command, report ReplayReport) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replayed %d stimulus(es), %d transition(s)\n",
		report.Stimuli, report.Transitions)

	if report.Deterministic {
		fmt.Fprintln(w, "✓ Replay reproduced the logged story")
		return nil
	}

	d := report.Divergence
	fmt.Fprintf(w, "✗ Divergence at transition %d\n", d.Index)
	fmt.Fprintf(w, "  logged:   [%d] %s: %s -> %s  (%s)\n",
		d.Logged.Seq, d.Logged.Key, d.Logged.Start, d.Logged.Finish, d.Logged.StimulusID)
	fmt.Fprintf(w, "  replayed: [%d] %s: %s -> %s  (%s)\n",
		d.Replayed.Seq, d.Replayed.Key, d.Replayed.Start, d.Replayed.Finish, d.Replayed.StimulusID)

	return NewExitError(ExitFailure, "replay diverged from the logged story")
}
