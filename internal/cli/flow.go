package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/flowc/internal/compiler"
	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/engine"
	"github.com/roach88/flowc/internal/frontend"
	"github.com/roach88/flowc/internal/ir"
)

// compileFlags are the compiler settings shared by compile, explain and run.
type compileFlags struct {
	Flow               string
	BroadcastThreshold string
	Strategy           string
	NoOptimize         bool
	KeepUnused         bool
}

func (c *compileFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.Flow, "flow", "", "flow to compile")
	cmd.Flags().StringVar(&c.BroadcastThreshold, "broadcast-threshold", "tiny", "largest master size an auto join broadcasts (tiny|small|large)")
	cmd.Flags().StringVar(&c.Strategy, "join-strategy", "auto", "force every join to one strategy (auto|broadcast|shuffle)")
	cmd.Flags().BoolVar(&c.NoOptimize, "no-optimize", false, "skip duplicate elimination and fusion")
	cmd.Flags().BoolVar(&c.KeepUnused, "keep-unused", false, "keep nodes that reach no external output")
}

// options turns the flags into compiler options. Implementation references
// are checked against reg.
func (c *compileFlags) options(log *slog.Logger, reg *engine.Registry, metrics *compiler.Metrics) ([]compiler.Option, error) {
	size, err := ir.ParseDataSize(c.BroadcastThreshold)
	if err != nil {
		return nil, fmt.Errorf("--broadcast-threshold: %w", err)
	}
	strategy, err := ir.ParseStrategy(c.Strategy)
	if err != nil {
		return nil, fmt.Errorf("--join-strategy: %w", err)
	}
	opts := []compiler.Option{
		compiler.WithCatalog(reg),
		compiler.WithLogger(log),
		compiler.WithMetrics(metrics),
		compiler.WithBroadcastThreshold(size),
		compiler.WithJoinStrategy(strategy),
	}
	if c.NoOptimize {
		opts = append(opts, compiler.WithoutOptimizer())
	}
	if c.KeepUnused {
		opts = append(opts, compiler.WithoutPrune())
	}
	return opts, nil
}

// preparedFlow is one flow built from a directory, ready to compile.
type preparedFlow struct {
	Graph       *ir.Graph
	GraphHash   string
	OptionsHash string
	opts        []compiler.Option
}

// prepareFlow loads dir and builds the flow named by flags. Load problems
// are printed and returned as exit errors.
func prepareFlow(f *OutputFormatter, log *slog.Logger, dir string, flags *compileFlags, reg *engine.Registry, promReg prometheus.Registerer) (*preparedFlow, error) {
	opts, err := flags.options(log, reg, compiler.NewMetrics(promReg))
	if err != nil {
		return nil, f.fail(ExitCommandError, ErrCodeUsage, err.Error())
	}
	g, err := loadFlow(f, dir, flags.Flow)
	if err != nil {
		return nil, err
	}
	hash, err := ir.GraphFingerprint(g)
	if err != nil {
		return nil, f.fail(ExitFailure, frontend.ErrCodeGeneric, fmt.Sprintf("fingerprinting flow %s: %v", flags.Flow, err))
	}
	o := compiler.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	p := &preparedFlow{Graph: g, GraphHash: hash, OptionsHash: o.Fingerprint(), opts: opts}
	f.VerboseLog("Prepared flow %s (graph %s, options %s)", flags.Flow, short(p.GraphHash), short(p.OptionsHash))
	return p, nil
}

// Compile runs the compiler over the flow.
func (p *preparedFlow) Compile() *compiler.Result {
	return compiler.Compile(p.Graph, p.opts...)
}

// loadFlow loads every flow in dir and returns the named one. Problems in
// other flows are only logged.
func loadFlow(f *OutputFormatter, dir, flow string) (*ir.Graph, error) {
	loaded, errs := frontend.LoadDir(dir, frontend.LoadModeCollectAll)
	if loaded == nil {
		return nil, outputLoadErrors(f, ExitCommandError, errs)
	}
	f.VerboseLog("Found %d CUE file(s) in %s, %d flow(s)", loaded.FileCount, dir, len(loaded.Flows))
	if g, ok := loaded.Graph(flow); ok {
		for _, err := range errs {
			f.VerboseLog("warning: %v", err)
		}
		return g, nil
	}
	for _, name := range loaded.Flows {
		if name == flow {
			return nil, outputLoadErrors(f, ExitFailure, errs)
		}
	}
	return nil, f.fail(ExitCommandError, frontend.ErrCodeNoFlows, fmt.Sprintf("flow %q is not defined in %s", flow, dir))
}

// outputLoadErrors prints frontend errors with their positions.
func outputLoadErrors(f *OutputFormatter, exit int, errs []error) error {
	if len(errs) == 0 {
		return f.fail(exit, frontend.ErrCodeGeneric, "loading flows failed")
	}
	cliErrors := make([]CLIError, len(errs))
	for i, err := range errs {
		cliErrors[i] = toCLIError(err)
	}
	msg := fmt.Sprintf("loading flows failed with %d error(s)", len(errs))
	if f.JSON() {
		_ = f.Failure(cliErrors[0].Code, msg, cliErrors)
		return NewExitError(exit, msg)
	}

	fmt.Fprintln(f.Writer, "✗ Load failed")
	fmt.Fprintln(f.Writer)
	for _, err := range errs {
		var le *frontend.LoadError
		if errors.As(err, &le) && le.Pos.IsValid() {
			fmt.Fprintf(f.Writer, "%s:%d:%d\n", le.Pos.Filename(), le.Pos.Line(), le.Pos.Column())
		}
		ce := toCLIError(err)
		fmt.Fprintf(f.Writer, "  %s: %s\n\n", ce.Code, ce.Message)
	}
	return NewExitError(exit, msg)
}

func toCLIError(err error) CLIError {
	var le *frontend.LoadError
	if errors.As(err, &le) {
		return CLIError{Code: le.Code, Message: le.Message}
	}
	return CLIError{Code: frontend.ErrCodeGeneric, Message: err.Error()}
}

// printDiagnostics writes one line per diagnostic, errors first.
func printDiagnostics(w io.Writer, diags []diag.Diagnostic) {
	for _, sev := range []diag.Severity{diag.SeverityError, diag.SeverityWarning} {
		for _, d := range diags {
			if d.Severity != sev {
				continue
			}
			fmt.Fprintf(w, "  %s %s [%s] %s: %s\n", d.Severity, d.Code, d.Kind, d.Location, d.Message)
		}
	}
}

// outputDiagnosticsFailure reports a failed compilation.
func outputDiagnosticsFailure(f *OutputFormatter, flow string, res *compiler.Result) error {
	errCount := 0
	for _, d := range res.Diagnostics {
		if d.Severity == diag.SeverityError {
			errCount++
		}
	}
	msg := fmt.Sprintf("flow %s failed to compile with %d error(s)", flow, errCount)
	if f.JSON() {
		_ = f.Failure(ErrCodeDiagnostics, msg, map[string]any{"flow": flow, "diagnostics": nonNil(res.Diagnostics)})
		return NewExitError(ExitFailure, msg)
	}
	fmt.Fprintf(f.Writer, "✗ %s\n\n", msg)
	printDiagnostics(f.Writer, res.Diagnostics)
	return NewExitError(ExitFailure, msg)
}

func warningCount(diags []diag.Diagnostic) int {
	n := 0
	for _, d := range diags {
		if d.Severity == diag.SeverityWarning {
			n++
		}
	}
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// short abbreviates a fingerprint for display.
func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
