package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/engine"
	"github.com/roach88/flowc/internal/frontend"
	"github.com/roach88/flowc/internal/ir"
	"github.com/roach88/flowc/internal/store"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	compileFlags
	Output   string // explain document destination
	Database string // optional plan cache
}

// CompileSummary is the data payload of a successful compile.
type CompileSummary struct {
	Flow        string            `json:"flow"`
	PlanID      string            `json:"plan_id,omitempty"`
	Cached      bool              `json:"cached"`
	Stages      int               `json:"stages"`
	Warnings    int               `json:"warnings"`
	Diagnostics []diag.Diagnostic `json:"diagnostics"`
	Output      string            `json:"output,omitempty"`
	Plan        *ir.ExplainDoc    `json:"plan,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <flow-dir>",
		Short: "Compile a flow into a staged plan",
		Long: `Compile one flow of a CUE flow directory into a staged plan.

The plan's explain document is written to --output when given and
included in JSON output otherwise. With --db, plans are cached by
graph and option fingerprints: an unchanged flow compiled with the
same options is read back instead of recompiled.

Exit codes:
  0 - Compiled (warnings allowed)
  1 - Error diagnostics
  2 - Command error (bad flags, missing directory, unknown flow)

Examples:
  flowc compile ./flows --flow orders
  flowc compile ./flows --flow orders -o orders.plan.json
  flowc compile ./flows --flow orders --db ./flowc.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd.Context(), opts, args[0], cmd)
		},
	}

	opts.compileFlags.register(cmd)
	_ = cmd.MarkFlagRequired("flow")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the explain document to this file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite plan cache")

	return cmd
}

func runCompile(ctx context.Context, opts *CompileOptions, dir string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)
	log := opts.logger(cmd)

	p, err := prepareFlow(f, log, dir, &opts.compileFlags, engine.NewRegistry(), prometheus.NewRegistry())
	if err != nil {
		return err
	}

	var st *store.Store
	if opts.Database != "" {
		st, err = store.Open(opts.Database)
		if err != nil {
			return f.fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("opening plan store: %v", err))
		}
		defer st.Close()

		rec, found, err := st.FindPlan(ctx, p.GraphHash, p.OptionsHash)
		if err != nil {
			return f.fail(ExitFailure, ErrCodeStore, fmt.Sprintf("looking up plan: %v", err))
		}
		if found {
			doc, err := st.ReadPlanDocument(ctx, rec.ID)
			if err != nil {
				return f.fail(ExitFailure, ErrCodeStore, fmt.Sprintf("reading plan %s: %v", rec.ID, err))
			}
			f.VerboseLog("Plan cache hit: %s", rec.ID)
			return finishCompile(f, opts, CompileSummary{
				Flow:        opts.Flow,
				PlanID:      rec.ID,
				Cached:      true,
				Stages:      rec.StageCount,
				Warnings:    rec.WarningCount,
				Diagnostics: []diag.Diagnostic{},
			}, doc)
		}
	}

	res := p.Compile()
	if res.Failed {
		return outputDiagnosticsFailure(f, opts.Flow, res)
	}
	doc := ir.Explain(res.Plan)
	summary := CompileSummary{
		Flow:        opts.Flow,
		Stages:      len(doc.Stages),
		Warnings:    warningCount(res.Diagnostics),
		Diagnostics: nonNil(res.Diagnostics),
	}

	if st != nil {
		rec, err := st.WritePlan(ctx, store.PlanRecord{
			Flow:         opts.Flow,
			GraphHash:    p.GraphHash,
			OptionsHash:  p.OptionsHash,
			WarningCount: summary.Warnings,
		}, doc)
		if err != nil {
			return f.fail(ExitFailure, ErrCodeStore, fmt.Sprintf("caching plan: %v", err))
		}
		summary.PlanID = rec.ID
		f.VerboseLog("Cached plan %s at seq %d", rec.ID, rec.CreatedAtSeq)
	}
	return finishCompile(f, opts, summary, doc)
}

// finishCompile writes the document file if requested and prints the summary.
func finishCompile(f *OutputFormatter, opts *CompileOptions, summary CompileSummary, doc ir.ExplainDoc) error {
	if opts.Output != "" {
		if err := writeDocument(opts.Output, doc); err != nil {
			return f.fail(ExitCommandError, frontend.ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err))
		}
		summary.Output = opts.Output
	} else {
		summary.Plan = &doc
	}

	if f.JSON() {
		return f.Success(summary)
	}

	w := f.Writer
	fmt.Fprintf(w, "✓ Compiled flow %s: %d stage(s), %d warning(s)\n", summary.Flow, summary.Stages, summary.Warnings)
	if len(summary.Diagnostics) > 0 {
		fmt.Fprintln(w)
		printDiagnostics(w, summary.Diagnostics)
	}
	if summary.PlanID != "" {
		state := "stored"
		if summary.Cached {
			state = "cached"
		}
		fmt.Fprintf(w, "\nPlan %s (%s)\n", summary.PlanID, state)
	}
	if summary.Output != "" {
		fmt.Fprintf(w, "Wrote explain document to %s\n", summary.Output)
	}
	return nil
}

// writeDocument writes an explain document as indented JSON.
func writeDocument(path string, doc ir.ExplainDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling plan: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
