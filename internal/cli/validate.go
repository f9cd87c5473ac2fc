package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Address string `json:"address,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a worker config file",
		Long: `Validate a worker configuration file without starting the worker.

Checks strict YAML decoding (unknown fields are errors) and the value
constraints of the embedded schema.

Exit codes:
  0 - Config is valid
  1 - Config is invalid
  2 - Command error (file not found, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_ = formatter.Error("E_CONFIG_NOT_FOUND", err.Error(), nil)
			return WrapExitError(ExitCommandError, "config file not found", err)
		}
		if formatter.Format == "json" {
			enc := json.NewEncoder(formatter.Writer)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(CLIResponse{
				Status: "error",
				Data:   ValidationResult{Valid: false, Error: err.Error()},
				Error:  &CLIError{Code: "E_CONFIG", Message: err.Error()},
			}); encErr != nil {
				return encErr
			}
		} else {
			fmt.Fprintln(formatter.Writer, "✗ Config invalid")
			fmt.Fprintf(formatter.Writer, "  %v\n", err)
		}
		return WrapExitError(ExitFailure, "config validation failed", err)
	}

	formatter.VerboseLog("address: %s", cfg.Address)
	formatter.VerboseLog("nats url: %s", cfg.NATS.URL)

	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Address: cfg.Address})
	}
	fmt.Fprintln(formatter.Writer, "✓ Config valid")
	return nil
}
