package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/flowc/internal/compiler"
	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/engine"
	"github.com/roach88/flowc/internal/frontend"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool             `json:"valid"`
	Flows  []FlowValidation `json:"flows"`
	Errors []CLIError       `json:"errors,omitempty"`
}

// FlowValidation is the outcome for one flow.
type FlowValidation struct {
	Flow        string            `json:"flow"`
	Valid       bool              `json:"valid"`
	Built       bool              `json:"built"`
	Diagnostics []diag.Diagnostic `json:"diagnostics"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <flow-dir>",
		Short: "Check every flow in a directory",
		Long: `Load a CUE flow directory and compile every flow it declares,
reporting description errors and compiler diagnostics without writing
anything.

Exit codes:
  0 - All flows valid (warnings allowed)
  1 - Description errors or error diagnostics
  2 - Command error (missing directory, no CUE files)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	result, err := ValidateDir(dir, opts.logger(cmd), f)
	if err != nil {
		return err
	}
	if f.JSON() {
		if result.Valid {
			return f.Success(result)
		}
		msg := validationMessage(result)
		_ = f.Failure(ErrCodeDiagnostics, msg, result)
		return NewExitError(ExitFailure, msg)
	}

	w := f.Writer
	for _, fv := range result.Flows {
		mark := "✓"
		if !fv.Valid {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s\n", mark, fv.Flow)
		printDiagnostics(w, fv.Diagnostics)
	}
	if len(result.Errors) > 0 {
		fmt.Fprintln(w)
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  %s: %s\n", e.Code, e.Message)
		}
	}
	if !result.Valid {
		msg := validationMessage(result)
		fmt.Fprintf(w, "\n✗ %s\n", msg)
		return NewExitError(ExitFailure, msg)
	}
	fmt.Fprintln(w, "\n✓ All flows valid")
	return nil
}

func validationMessage(r *ValidationResult) string {
	failed := 0
	for _, fv := range r.Flows {
		if !fv.Valid {
			failed++
		}
	}
	return fmt.Sprintf("validation failed: %d of %d flow(s) invalid, %d load error(s)", failed, len(r.Flows), len(r.Errors))
}

// ValidateDir loads dir and compiles every flow with default options. A
// missing directory or one without CUE files is a command error; every
// other problem is reported in the result.
func ValidateDir(dir string, log *slog.Logger, f *OutputFormatter) (*ValidationResult, error) {
	loaded, errs := frontend.LoadDir(dir, frontend.LoadModeCollectAll)
	if loaded == nil {
		return nil, outputLoadErrors(f, ExitCommandError, errs)
	}
	result := &ValidationResult{Valid: len(errs) == 0, Flows: []FlowValidation{}}
	for _, err := range errs {
		result.Errors = append(result.Errors, toCLIError(err))
	}

	reg := engine.NewRegistry()
	for _, flow := range loaded.Flows {
		fv := FlowValidation{Flow: flow, Diagnostics: []diag.Diagnostic{}}
		g, ok := loaded.Graph(flow)
		if ok {
			f.VerboseLog("Validating flow: %s", flow)
			res := compiler.Compile(g, compiler.WithCatalog(reg), compiler.WithLogger(log))
			fv.Built = true
			fv.Valid = !res.Failed
			fv.Diagnostics = nonNil(res.Diagnostics)
		}
		if !fv.Valid {
			result.Valid = false
		}
		result.Flows = append(result.Flows, fv)
	}
	return result, nil
}
