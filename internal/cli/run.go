package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/flowc/internal/engine"
	"github.com/roach88/flowc/internal/ir"
	"github.com/roach88/flowc/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	compileFlags
	Database    string
	Inputs      []string
	OutDir      string
	Partitions  int
	Parallelism int
	MaxRecords  int64
	Metrics     bool

	// RunIDs overrides the run id generator (for testing). Defaults to
	// UUIDv7Generator.
	RunIDs engine.RunIDGenerator
}

// RunSummary is the data payload of a run.
type RunSummary struct {
	Flow       string                 `json:"flow"`
	RunID      string                 `json:"run_id"`
	PlanID     string                 `json:"plan_id,omitempty"`
	Seq        int64                  `json:"seq"`
	Stages     int                    `json:"stages"`
	RecordsIn  int                    `json:"records_in"`
	RecordsOut int                    `json:"records_out"`
	Outputs    map[string][]ir.Record `json:"outputs,omitempty"`
	OutDir     string                 `json:"out_dir,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <flow-dir>",
		Short: "Compile a flow and run it on JSON Lines inputs",
		Long: `Compile one flow and execute its plan in-process.

Each external input is read from a JSON Lines file given as
--input name=path ("-" reads stdin). Outputs are printed, or written
as <name>.jsonl under --out-dir. With --db the plan and the run are
recorded in the plan store and run sequence numbers continue from the
last recorded one.

Exit codes:
  0 - Run finished
  1 - Error diagnostics or the run failed
  2 - Command error (bad flags, unreadable inputs)

Examples:
  flowc run ./flows --flow orders --input orders=orders.jsonl
  flowc run ./flows --flow enrich --input customers=c.jsonl --input sales=s.jsonl --partitions 8
  flowc run ./flows --flow orders --input orders=- --db ./flowc.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(opts, args[0], cmd)
		},
	}

	opts.compileFlags.register(cmd)
	_ = cmd.MarkFlagRequired("flow")
	cmd.Flags().StringArrayVarP(&opts.Inputs, "input", "i", nil, "external input as name=path.jsonl (repeatable)")
	cmd.Flags().StringVar(&opts.OutDir, "out-dir", "", "write outputs as <name>.jsonl into this directory")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite plan store")
	cmd.Flags().IntVar(&opts.Partitions, "partitions", engine.DefaultPartitions, "partitions per stage")
	cmd.Flags().IntVar(&opts.Parallelism, "parallelism", 0, "max concurrent partition tasks (0 = GOMAXPROCS)")
	cmd.Flags().Int64Var(&opts.MaxRecords, "max-records", 0, "fail the run after this many emitted records (0 = no limit)")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print compiler and engine metrics to stderr")

	return cmd
}

func runFlow(opts *RunOptions, dir string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	log := opts.logger(cmd)

	if opts.Partitions < 1 {
		return f.fail(ExitCommandError, ErrCodeUsage, fmt.Sprintf("--partitions must be at least 1, got %d", opts.Partitions))
	}
	paths, err := parseInputFlags(opts.Inputs)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeUsage, err.Error())
	}
	inputs, err := readInputs(paths, cmd.InOrStdin())
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeInput, err.Error())
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := prometheus.NewRegistry()
	reg := engine.NewRegistry()
	p, err := prepareFlow(f, log, dir, &opts.compileFlags, reg, metrics)
	if err != nil {
		return err
	}
	res := p.Compile()
	if res.Failed {
		return outputDiagnosticsFailure(f, opts.Flow, res)
	}
	if err := checkInputNames(res.Plan.Graph, inputs); err != nil {
		return f.fail(ExitCommandError, ErrCodeInput, fmt.Sprintf("flow %s: %v", opts.Flow, err))
	}

	var (
		st     *store.Store
		planID string
		clock  = engine.NewClock()
	)
	if opts.Database != "" {
		st, err = store.Open(opts.Database)
		if err != nil {
			return f.fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("opening plan store: %v", err))
		}
		defer st.Close()

		rec, err := st.WritePlan(ctx, store.PlanRecord{
			Flow:         opts.Flow,
			GraphHash:    p.GraphHash,
			OptionsHash:  p.OptionsHash,
			WarningCount: warningCount(res.Diagnostics),
		}, ir.Explain(res.Plan))
		if err != nil {
			return f.fail(ExitFailure, ErrCodeStore, fmt.Sprintf("recording plan: %v", err))
		}
		planID = rec.ID
		last, err := st.LastSeq(ctx)
		if err != nil {
			return f.fail(ExitFailure, ErrCodeStore, fmt.Sprintf("reading last sequence: %v", err))
		}
		clock = engine.NewClockAt(last)
	}

	ids := opts.RunIDs
	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}
	tracked := &trackingIDs{gen: ids}
	eng := engine.New(
		engine.WithRegistry(reg),
		engine.WithClock(clock),
		engine.WithRunIDs(tracked),
		engine.WithLogger(log),
		engine.WithMetrics(engine.NewMetrics(metrics)),
		engine.WithPartitions(opts.Partitions),
		engine.WithParallelism(opts.Parallelism),
		engine.WithMaxRecords(opts.MaxRecords),
	)

	out, runErr := eng.Run(ctx, res.Plan, inputs)
	if opts.Metrics {
		printMetrics(f.GetErrWriter(), metrics)
	}
	if st != nil {
		rec := store.RunRecord{ID: tracked.last, PlanID: planID, Seq: clock.Current(), Status: store.RunOK}
		if runErr != nil {
			rec.Status = store.RunFailed
			rec.Error = runErr.Error()
		} else {
			rec.RecordsIn, rec.RecordsOut = int64(out.RecordsIn), int64(out.RecordsOut)
		}
		if rec.ID != "" {
			if err := st.WriteRun(context.WithoutCancel(ctx), rec); err != nil {
				return f.fail(ExitFailure, ErrCodeStore, fmt.Sprintf("recording run: %v", err))
			}
		}
	}
	if runErr != nil {
		return f.fail(ExitFailure, ErrCodeRunFailed, runErr.Error())
	}

	summary := RunSummary{
		Flow:       opts.Flow,
		RunID:      out.RunID,
		PlanID:     planID,
		Seq:        out.Seq,
		Stages:     out.Stages,
		RecordsIn:  out.RecordsIn,
		RecordsOut: out.RecordsOut,
	}
	if opts.OutDir != "" {
		if err := writeOutputs(opts.OutDir, out.Outputs); err != nil {
			return f.fail(ExitCommandError, ErrCodeInput, fmt.Sprintf("writing outputs: %v", err))
		}
		summary.OutDir = opts.OutDir
	} else {
		summary.Outputs = out.Outputs
	}
	return outputRunSummary(f, summary)
}

func outputRunSummary(f *OutputFormatter, s RunSummary) error {
	if f.JSON() {
		return f.Success(s)
	}
	w := f.Writer
	fmt.Fprintf(w, "✓ Ran flow %s: %d stage(s), %d record(s) in, %d record(s) out\n", s.Flow, s.Stages, s.RecordsIn, s.RecordsOut)
	fmt.Fprintf(w, "Run %s (seq %d)\n", s.RunID, s.Seq)
	if s.PlanID != "" {
		fmt.Fprintf(w, "Plan %s\n", s.PlanID)
	}
	if s.OutDir != "" {
		fmt.Fprintf(w, "Wrote outputs to %s\n", s.OutDir)
		return nil
	}
	for _, name := range slices.Sorted(maps.Keys(s.Outputs)) {
		fmt.Fprintf(w, "\n%s (%d)\n", name, len(s.Outputs[name]))
		for _, r := range s.Outputs[name] {
			fmt.Fprintf(w, "  %s\n", ir.MustMarshalCanonical(r))
		}
	}
	return nil
}

// checkInputNames rejects inputs the flow does not declare.
func checkInputNames(g *ir.Graph, inputs map[string][]ir.Record) error {
	known := make(map[string]bool)
	for _, id := range g.ExternalInputs() {
		known[g.Node(id).QualifiedName()] = true
	}
	for _, name := range slices.Sorted(maps.Keys(inputs)) {
		if !known[name] {
			return fmt.Errorf("no external input %q", name)
		}
	}
	return nil
}

// trackingIDs remembers the last generated id so a failed run can still
// be recorded under it.
type trackingIDs struct {
	gen  engine.RunIDGenerator
	last string
}

func (t *trackingIDs) Generate() string {
	t.last = t.gen.Generate()
	return t.last
}

// printMetrics writes every gathered sample as one line.
func printMetrics(w io.Writer, g prometheus.Gatherer) {
	families, err := g.Gather()
	if err != nil {
		fmt.Fprintf(w, "gathering metrics: %v\n", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				fmt.Fprintf(w, "%s %g\n", name, m.GetCounter().GetValue())
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				fmt.Fprintf(w, "%s count=%d sum=%g\n", name, h.GetSampleCount(), h.GetSampleSum())
			case m.GetGauge() != nil:
				fmt.Fprintf(w, "%s %g\n", name, m.GetGauge().GetValue())
			}
		}
	}
}
