package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/flowc/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	GoldenDir string // compare snapshots with <dir>/<name>.golden
	Update    bool   // rewrite golden files instead of comparing
	Filter    string // scenario name glob
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string               `json:"name"`
	File   string               `json:"file"`
	Pass   bool                 `json:"pass"`
	Errors []string             `json:"errors,omitempty"`
	Passes []harness.PassResult `json:"passes,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenario-file-or-dir>...",
		Short: "Run conformance scenarios",
		Long: `Run YAML conformance scenarios.

Each scenario compiles its flow, checks the expected diagnostics and
stage count, runs the plan optimized, unoptimized and (for flows with
joins) with every join strategy forced, and checks that all runs agree
with each other and with the expected outputs.

Directories contribute their *.yaml and *.yml files.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing paths, unreadable scenarios)

Examples:
  flowc test ./scenarios
  flowc test ./scenarios --filter "order-*"
  flowc test ./scenarios --golden ./scenarios/golden --update`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "directory of golden snapshots to compare against")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files (requires --golden)")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "run only scenarios whose name matches this glob")

	return cmd
}

func runTests(opts *TestOptions, paths []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if opts.Update && opts.GoldenDir == "" {
		return f.fail(ExitCommandError, ErrCodeUsage, "--update requires --golden")
	}
	if opts.Filter != "" {
		if _, err := filepath.Match(opts.Filter, ""); err != nil {
			return f.fail(ExitCommandError, ErrCodeUsage, fmt.Sprintf("invalid filter pattern: %v", err))
		}
	}

	files, err := harness.Discover(paths)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeUsage, err.Error())
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	h := harness.New(harness.WithLogger(opts.logger(cmd)))

	result := TestResult{Scenarios: []ScenarioResult{}}
	for _, file := range files {
		sr, skip := runScenario(ctx, h, opts, file)
		if skip {
			continue
		}
		if !f.JSON() {
			printScenario(f, sr)
		}
		result.Scenarios = append(result.Scenarios, sr)
		result.Total++
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if f.JSON() {
		if result.Failed > 0 {
			msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
			_ = f.Failure(ErrCodeTestFailed, msg, result)
			return NewExitError(ExitFailure, msg)
		}
		return f.Success(result)
	}

	w := f.Writer
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}

// runScenario loads and runs one file. skip is true when the scenario's
// name does not match the filter.
func runScenario(ctx context.Context, h *harness.Harness, opts *TestOptions, file string) (ScenarioResult, bool) {
	sr := ScenarioResult{Name: filepath.Base(file), File: file}
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("load: %v", err)}
		return sr, false
	}
	sr.Name = scenario.Name
	if opts.Filter != "" {
		if ok, _ := filepath.Match(opts.Filter, scenario.Name); !ok {
			return sr, true
		}
	}

	res, err := h.Run(ctx, scenario)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("execution: %v", err)}
		return sr, false
	}
	sr.Pass = res.Pass
	sr.Errors = res.Errors
	sr.Passes = res.Passes

	if opts.GoldenDir != "" {
		if err := checkGolden(opts, scenario.Name, res); err != nil {
			sr.Pass = false
			sr.Errors = append(sr.Errors, err.Error())
		}
	}
	return sr, false
}

// checkGolden compares the scenario snapshot with its golden file, or
// rewrites the file with --update.
func checkGolden(opts *TestOptions, name string, res *harness.Result) error {
	data, err := harness.NewSnapshot(name, res).Marshal()
	if err != nil {
		return err
	}
	path := filepath.Join(opts.GoldenDir, name+".golden")
	if opts.Update {
		if err := os.MkdirAll(opts.GoldenDir, 0o755); err != nil {
			return fmt.Errorf("golden: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("golden: %w", err)
		}
		return nil
	}
	want, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("golden file %s does not exist (run with --update to create it)", path)
	}
	if err != nil {
		return fmt.Errorf("golden: %w", err)
	}
	if !bytes.Equal(want, data) {
		return fmt.Errorf("snapshot does not match %s (run with --update to regenerate)", path)
	}
	return nil
}

func printScenario(f *OutputFormatter, sr ScenarioResult) {
	w := f.Writer
	if sr.Pass {
		fmt.Fprintf(w, "✓ %s\n", sr.Name)
	} else {
		fmt.Fprintf(w, "✗ %s\n", sr.Name)
		for _, e := range sr.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	for _, p := range sr.Passes {
		f.VerboseLog("  %s: %d stage(s), %d in, %d out", p.Name, p.Stages, p.RecordsIn, p.RecordsOut)
	}
}
