// Package compiler turns a logical flow graph into a partitioned stage graph.
//
// The pipeline is a fixed sequence of passes sharing one diagnostics sink:
//
//	validate -> inline -> resolve -> optimize -> order -> partition
//
// Every pass except the orderer keeps going after reporting a problem so a
// single run reports every independent error. A cycle stops the pipeline
// because partitioning needs a topological order. Passes never mutate their
// input graph; each one freezes what it produces.
package compiler

import (
	"io"
	"log/slog"

	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/ir"
)

// Catalog tells the resolver which implementation references exist.
type Catalog interface {
	Has(impl string) bool
}

// Options configure a compilation.
type Options struct {
	// BroadcastThreshold is the largest master size class an "auto" join
	// broadcasts. Larger or unknown masters are shuffled.
	BroadcastThreshold ir.DataSize

	// ForceStrategy overrides every join's strategy unless it is auto.
	ForceStrategy ir.Strategy

	// Catalog validates implementation references. Nil accepts any
	// non-empty reference.
	Catalog Catalog

	Logger  *slog.Logger
	Metrics *Metrics

	// Optimize enables duplicate elimination and fusion.
	Optimize bool
	// Prune removes nodes that reach no external output.
	Prune bool
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns the options Compile starts from.
func DefaultOptions() Options {
	return Options{
		BroadcastThreshold: ir.SizeTiny,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Optimize:           true,
		Prune:              true,
	}
}

// WithBroadcastThreshold sets the auto-join broadcast threshold.
func WithBroadcastThreshold(size ir.DataSize) Option {
	return func(o *Options) { o.BroadcastThreshold = size }
}

// WithCatalog sets the implementation catalog.
func WithCatalog(c Catalog) Option {
	return func(o *Options) { o.Catalog = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithoutOptimizer disables duplicate elimination, pruning and fusion.
func WithoutOptimizer() Option {
	return func(o *Options) {
		o.Optimize = false
		o.Prune = false
	}
}

// WithJoinStrategy forces every join to s.
func WithJoinStrategy(s ir.Strategy) Option {
	return func(o *Options) { o.ForceStrategy = s }
}

// WithoutPrune keeps unused nodes.
func WithoutPrune() Option {
	return func(o *Options) { o.Prune = false }
}

// Fingerprint identifies the options that change compiler output.
func (o Options) Fingerprint() string {
	fp, err := ir.Fingerprint(ir.DomainOptions, ir.Obj(
		ir.F("broadcast_threshold", ir.String(o.BroadcastThreshold.String())),
		ir.F("force_strategy", ir.String(o.ForceStrategy.String())),
		ir.F("optimize", ir.Bool(o.Optimize)),
		ir.F("prune", ir.Bool(o.Prune)),
	))
	if err != nil {
		panic(err)
	}
	return fp
}

// Result is the outcome of a compilation. Plan.Stages is nil when the
// compilation failed; Plan itself is nil when no graph survived inlining.
type Result struct {
	Plan        *ir.Plan
	Diagnostics []diag.Diagnostic
	Failed      bool
}

// Err returns nil for a successful compilation, otherwise every
// error-severity diagnostic folded into one error.
func (r *Result) Err() error {
	sink := diag.NewSink()
	for _, d := range r.Diagnostics {
		sink.Report(d.Severity, d.Kind, d.Location, "%s", d.Message)
	}
	return sink.Err()
}

// Compile runs the full pipeline over g. g is frozen as a side effect.
// Independent compilations may run concurrently.
func Compile(g *ir.Graph, opts ...Option) *Result {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.Logger.With("flow", g.Name)
	sink := diag.NewSink()
	res := &Result{}
	defer func() {
		res.Diagnostics = sink.All()
		res.Failed = sink.HasErrors() || res.Plan == nil || res.Plan.Stages == nil
		o.Metrics.observeResult(res)
		log.Debug("compile finished", "failed", res.Failed, "diagnostics", len(res.Diagnostics))
	}()

	g.Freeze()
	ValidateExternals(g, sink)

	flat := Inline(g, sink)
	o.Metrics.observePass("inline", flat.NodeCount())
	log.Debug("pass done", "pass", "inline", "nodes", flat.NodeCount(), "edges", len(flat.Edges()))

	resolved := Resolve(flat, sink, o)
	o.Metrics.observePass("resolve", resolved.NodeCount())
	log.Debug("pass done", "pass", "resolve", "diagnostics", sink.Len())

	ValidateReachability(resolved, sink)

	units := singletonUnits(resolved)
	if o.Optimize && !sink.HasErrors() {
		opt := Optimize(resolved, o.Prune)
		resolved, units = opt.Graph, opt.Units
		o.Metrics.observePass("optimize", resolved.NodeCount())
		log.Debug("pass done", "pass", "optimize", "nodes", resolved.NodeCount(),
			"merged", opt.Merged, "pruned", opt.Pruned, "units", len(units))
	}

	order, ok := Order(resolved, sink)
	res.Plan = &ir.Plan{Graph: resolved, Order: order}
	if !ok {
		log.Debug("pipeline halted", "pass", "order")
		return res
	}
	if sink.HasErrors() {
		return res
	}

	res.Plan.Stages = Partition(resolved, order, units)
	log.Debug("pass done", "pass", "partition", "stages", len(res.Plan.Stages.Stages),
		"channels", len(res.Plan.Stages.Channels))
	return res
}
