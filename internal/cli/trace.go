package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/story"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Keys     []string // optional - filter to specific task keys
	Stimuli  []string // optional - filter to specific stimulus IDs
}

// TraceTransition is one transition in the trace output.
type TraceTransition struct {
	Seq        int64  `json:"seq"`
	Key        string `json:"key"`
	Start      string `json:"start"`
	Finish     string `json:"finish"`
	StimulusID string `json:"stimulus_id"`
}

// TraceFetch is one recorded data request in the trace output.
type TraceFetch struct {
	Seq        int64  `json:"seq"`
	Key        string `json:"key"`
	Peer       string `json:"peer"`
	StimulusID string `json:"stimulus_id"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Transitions int `json:"transitions"`
	Fetches     int `json:"fetches"`
	Tasks       int `json:"tasks"`
	Stimuli     int `json:"stimuli"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Transitions []TraceTransition `json:"transitions"`
	Fetches     []TraceFetch      `json:"fetches"`
	Stats       TraceStats        `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Query the story log",
		Long: `Query the recorded story of task state transitions.

Without filters the full log is shown in seq order. With --key or
--stimulus filters, only transitions touching those task keys or caused
by those stimulus IDs are shown.

Examples:
  taskmesh trace --db ./story.db
  taskmesh trace --db ./story.db --key x --key y
  taskmesh trace --db ./story.db --stimulus compute-task-1 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to story log database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringSliceVar(&opts.Keys, "key", nil, "filter to task key (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Stimuli, "stimulus", nil, "filter to stimulus ID (repeatable)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := story.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open story log", err)
	}
	defer st.Close()

	filters := append(append([]string{}, opts.Keys...), opts.Stimuli...)

	var transitions []story.Transition
	var fetches []story.Fetch
	if len(filters) > 0 {
		transitions, err = st.Story(ctx, filters...)
		if err == nil {
			fetches, err = st.FetchStory(ctx, filters...)
		}
	} else {
		transitions, err = st.ReadAllTransitions(ctx)
		if err == nil {
			fetches, err = st.ReadAllFetches(ctx)
		}
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read story log", err)
	}

	result := buildTraceResult(transitions, fetches)

	if opts.Format == "json" {
		return outputTraceJSON(cmd, result)
	}
	return outputTraceText(cmd, result)
}

// buildTraceResult converts story rows into the trace output shape and
// computes summary statistics.
func buildTraceResult(transitions []story.Transition, fetches []story.Fetch) TraceResult {
	out := make([]TraceTransition, 0, len(transitions))
	tasks := make(map[string]struct{})
	stimuli := make(map[string]struct{})

	for _, tr := range transitions {
		out = append(out, TraceTransition{
			Seq:        tr.Seq,
			Key:        tr.Key,
			Start:      string(tr.Start),
			Finish:     string(tr.Finish),
			StimulusID: tr.StimulusID,
		})
		tasks[tr.Key] = struct{}{}
		stimuli[tr.StimulusID] = struct{}{}
	}

	outFetches := make([]TraceFetch, 0, len(fetches))
	for _, f := range fetches {
		outFetches = append(outFetches, TraceFetch{
			Seq:        f.Seq,
			Key:        f.Key,
			Peer:       f.Peer,
			StimulusID: f.StimulusID,
		})
	}

	return TraceResult{
		Transitions: out,
		Fetches:     outFetches,
		Stats: TraceStats{
			Transitions: len(out),
			Fetches:     len(outFetches),
			Tasks:       len(tasks),
			Stimuli:     len(stimuli),
		},
	}
}

// outputTraceJSON outputs the trace result as JSON.
func outputTraceJSON(cmd *cobra.Command, result TraceResult) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(CLIResponse{Status: "ok", Data: result})
}

// outputTraceText outputs the trace result as text.
func outputTraceText(cmd *cobra.Command, result TraceResult) error {
	w := cmd.OutOrStdout()

	if len(result.Transitions) == 0 {
		fmt.Fprintln(w, "No transitions found.")
		return nil
	}

	fmt.Fprintf(w, "Story: %d transition(s)\n\n", result.Stats.Transitions)
	for _, tr := range result.Transitions {
		fmt.Fprintf(w, "  [%d] %s: %s -> %s  (%s)\n",
			tr.Seq, tr.Key, tr.Start, tr.Finish, tr.StimulusID)
	}
	if len(result.Fetches) > 0 {
		fmt.Fprintf(w, "\nFetches: %d request(s)\n\n", result.Stats.Fetches)
		for _, f := range result.Fetches {
			fmt.Fprintf(w, "  [%d] %s <- %s  (%s)\n",
				f.Seq, f.Key, f.Peer, f.StimulusID)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Tasks: %d  Stimuli: %d\n", result.Stats.Tasks, result.Stats.Stimuli)

	return nil
}
