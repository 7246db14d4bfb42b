package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/roach88/flowc/internal/compiler"
	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/engine"
	"github.com/roach88/flowc/internal/frontend"
	"github.com/roach88/flowc/internal/ir"
	"github.com/roach88/flowc/internal/testutil"
)

// Harness runs scenarios against the compiler and engine with a
// deterministic clock and run id.
type Harness struct {
	registry *engine.Registry
	logger   *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithRegistry sets the implementations flows may reference. Defaults to
// the builtins.
func WithRegistry(r *engine.Registry) Option {
	return func(h *Harness) {
		if r != nil {
			h.registry = r
		}
	}
}

// WithLogger sets the logger handed to the compiler and engine. Defaults
// to discarding.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates a harness.
func New(opts ...Option) *Harness {
	h := &Harness{
		registry: engine.NewRegistry(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes a scenario with a default harness.
func Run(scenario *Scenario) (*Result, error) {
	return New().Run(context.Background(), scenario)
}

// Run executes a scenario:
//  1. load the flow directory and build the named flow
//  2. compile it optimized and check diagnostics and stage count
//  3. run every pass on the scenario inputs
//  4. check that all passes agree and match the expected outputs
//  5. evaluate assertions
//
// The returned error covers problems with the scenario itself (unreadable
// flow, bad inputs). Failed expectations are reported in the Result.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	loaded, errs := frontend.LoadDir(scenario.FlowDir, frontend.LoadModeCollectAll)
	if len(errs) > 0 {
		return nil, fmt.Errorf("load %s: %w", scenario.FlowDir, errs[0])
	}
	g, ok := loaded.Graph(scenario.Flow)
	if !ok {
		return nil, fmt.Errorf("flow %q not found in %s", scenario.Flow, scenario.FlowDir)
	}
	inputs, err := convertRecords(scenario.Inputs)
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	want, err := convertRecords(scenario.Expect.Outputs)
	if err != nil {
		return nil, fmt.Errorf("expect.outputs: %w", err)
	}

	base, err := h.compileOptions(scenario.Options)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	compiled := compiler.Compile(g, base...)
	result.Diagnostics = compiled.Diagnostics
	if !h.checkDiagnostics(scenario, compiled, result) {
		return result, nil
	}
	plan := compiled.Plan
	doc := ir.Explain(plan)
	result.Plan = &doc
	if n := scenario.Expect.Stages; n > 0 && len(plan.Stages.Stages) != n {
		result.AddError(fmt.Sprintf("expected %d stages, got %d", n, len(plan.Stages.Stages)))
	}

	passes := []pass{
		{PassOptimized, nil},
		{PassUnoptimized, []compiler.Option{compiler.WithoutOptimizer()}},
	}
	if hasJoin(plan) {
		passes = append(passes,
			pass{PassBroadcast, []compiler.Option{compiler.WithJoinStrategy(ir.StrategyBroadcast)}},
			pass{PassShuffle, []compiler.Option{compiler.WithJoinStrategy(ir.StrategyShuffle)}},
		)
	}

	clock := testutil.NewDeterministicClock()
	runIDs := testutil.NewStaticRunID(scenario.RunID)
	eng := engine.New(
		engine.WithRegistry(h.registry),
		engine.WithClock(clock),
		engine.WithRunIDs(runIDs),
		engine.WithLogger(h.logger),
		engine.WithPartitions(scenario.Options.Partitions),
	)

	for _, ps := range passes {
		p := plan
		if ps.opts != nil {
			res := compiler.Compile(g, append(slices.Clone(base), ps.opts...)...)
			if res.Failed {
				result.AddError(fmt.Sprintf("%s: compilation failed: %v", ps.name, res.Err()))
				continue
			}
			p = res.Plan
		}

		clock.Reset()
		run, err := eng.Run(ctx, p, inputs)
		if err != nil {
			result.AddError(fmt.Sprintf("%s: run failed: %v", ps.name, err))
			continue
		}
		result.Passes = append(result.Passes, PassResult{
			Name:       ps.name,
			Stages:     len(p.Stages.Stages),
			RunID:      run.RunID,
			Seq:        run.Seq,
			RecordsIn:  run.RecordsIn,
			RecordsOut: run.RecordsOut,
		})

		if ps.name == PassOptimized {
			result.Outputs = run.Outputs
			continue
		}
		for _, msg := range diffOutputs(result.Outputs, run.Outputs) {
			result.AddError(fmt.Sprintf("%s differs from optimized: %s", ps.name, msg))
		}
	}

	for _, name := range sortedKeys(want) {
		got, ok := result.Outputs[name]
		if !ok {
			result.AddError(fmt.Sprintf("expected output %q does not exist", name))
			continue
		}
		if msg := diffRecords(want[name], got); msg != "" {
			result.AddError(fmt.Sprintf("output %q: %s", name, msg))
		}
	}

	for _, msg := range EvaluateAssertions(result, plan, scenario.Assertions) {
		result.AddError(msg)
	}

	return result, nil
}

// pass is one compilation variant. Nil opts reuses the optimized plan.
type pass struct {
	name string
	opts []compiler.Option
}

func (h *Harness) compileOptions(o Options) ([]compiler.Option, error) {
	opts := []compiler.Option{
		compiler.WithCatalog(h.registry),
		compiler.WithLogger(h.logger),
	}
	if o.BroadcastThreshold != "" {
		size, err := ir.ParseDataSize(o.BroadcastThreshold)
		if err != nil {
			return nil, err
		}
		opts = append(opts, compiler.WithBroadcastThreshold(size))
	}
	if o.KeepUnused {
		opts = append(opts, compiler.WithoutPrune())
	}
	return opts, nil
}

// checkDiagnostics compares the compilation's diagnostics with the
// expected kinds. It reports whether the scenario should go on to run.
func (h *Harness) checkDiagnostics(scenario *Scenario, res *compiler.Result, result *Result) bool {
	reported := map[diag.Kind]bool{}
	for _, d := range res.Diagnostics {
		reported[d.Kind] = true
	}
	expected := map[diag.Kind]bool{}
	for _, k := range scenario.Expect.Diagnostics {
		expected[diag.Kind(k)] = true
		if !reported[diag.Kind(k)] {
			result.AddError(fmt.Sprintf("expected diagnostic %s was not reported", k))
		}
	}
	if !res.Failed {
		return true
	}
	for _, d := range res.Diagnostics {
		if d.Severity == diag.SeverityError && !expected[d.Kind] {
			result.AddError(fmt.Sprintf("unexpected diagnostic: %s", d.Error()))
		}
	}
	if len(scenario.Expect.Diagnostics) == 0 && result.Pass {
		result.AddError("compilation failed without an error diagnostic")
	}
	return false
}

func hasJoin(p *ir.Plan) bool {
	for _, id := range p.Graph.Nodes() {
		if p.Graph.Node(id).Kind.Category() == ir.CategoryJoin {
			return true
		}
	}
	return false
}

func convertRecords(in map[string][]map[string]any) (map[string][]ir.Record, error) {
	out := make(map[string][]ir.Record, len(in))
	for name, docs := range in {
		recs := make([]ir.Record, 0, len(docs))
		for i, doc := range docs {
			v, err := ir.FromGo(doc)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
			}
			rec, ok := v.(ir.Object)
			if !ok {
				return nil, fmt.Errorf("%s[%d]: expected a record", name, i)
			}
			recs = append(recs, rec)
		}
		out[name] = recs
	}
	return out, nil
}

// diffOutputs compares two runs' outputs port by port.
func diffOutputs(want, got map[string][]ir.Record) []string {
	var msgs []string
	for _, name := range sortedKeys(want) {
		if msg := diffRecords(want[name], got[name]); msg != "" {
			msgs = append(msgs, fmt.Sprintf("output %q: %s", name, msg))
		}
	}
	for _, name := range sortedKeys(got) {
		if _, ok := want[name]; !ok {
			msgs = append(msgs, fmt.Sprintf("unexpected output %q", name))
		}
	}
	return msgs
}

// diffRecords compares two record lists as multisets. It returns "" when
// they hold the same records.
func diffRecords(want, got []ir.Record) string {
	w, g := canonicalSorted(want), canonicalSorted(got)
	if slices.EqualFunc(w, g, bytes.Equal) {
		return ""
	}
	return fmt.Sprintf("expected %d records %s, got %d records %s", len(w), joinJSON(w), len(g), joinJSON(g))
}

func canonicalSorted(recs []ir.Record) [][]byte {
	out := make([][]byte, len(recs))
	for i, r := range recs {
		out[i] = ir.MustMarshalCanonical(r)
	}
	slices.SortFunc(out, bytes.Compare)
	return out
}

func joinJSON(docs [][]byte) string {
	return "[" + string(bytes.Join(docs, []byte(","))) + "]"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
