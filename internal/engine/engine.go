package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/flowc/internal/ir"
)

// DefaultPartitions is the number of partitions every stage runs with.
const DefaultPartitions = 4

// Engine executes compiled plans in process.
//
// Stages run one after another in plan order. Within a stage every
// partition runs as its own task; tasks share nothing but the read-only
// stage inputs, so they run in parallel. Data crossing a stage boundary is
// materialized: shuffle channels repartition it by key, barrier channels
// keep each partition where it is and broadcast channels hand the whole
// dataset to every task.
//
// An Engine is safe for concurrent use; each Run has its own state.
type Engine struct {
	registry    *Registry
	clock       Sequencer
	ids         RunIDGenerator
	logger      *slog.Logger
	metrics     *Metrics
	partitions  int
	parallelism int
	maxRecords  int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry sets the operator implementations. Defaults to NewRegistry().
func WithRegistry(r *Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithClock sets the clock that stamps runs.
func WithClock(c Sequencer) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithRunIDs sets the run id generator. Defaults to UUIDv7Generator.
func WithRunIDs(g RunIDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPartitions sets how many partitions each stage is split into.
// Values below 1 are ignored.
func WithPartitions(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.partitions = n
		}
	}
}

// WithParallelism bounds how many partition tasks run at once. Values below
// 1 remove the bound. Defaults to GOMAXPROCS.
func WithParallelism(n int) Option {
	return func(e *Engine) { e.parallelism = n }
}

// WithMaxRecords bounds the records a run may emit across all operators.
// 0 disables the bound.
func WithMaxRecords(n int64) Option {
	return func(e *Engine) { e.maxRecords = n }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		registry:    NewRegistry(),
		clock:       NewClock(),
		ids:         UUIDv7Generator{},
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		partitions:  DefaultPartitions,
		parallelism: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the engine's implementation registry. It can be passed
// to the compiler as its catalog.
func (e *Engine) Registry() *Registry { return e.registry }

// Clock returns the clock stamping runs.
func (e *Engine) Clock() Sequencer { return e.clock }

// Result is the outcome of one run.
type Result struct {
	RunID string
	Seq   int64

	// Outputs holds the records of every external output by name, in
	// canonical order. Outputs nothing reached are present and empty.
	Outputs map[string][]ir.Record

	RecordsIn  int
	RecordsOut int
	Stages     int
}

// Run executes plan over inputs, keyed by external input name. Inputs no
// operator reads may be omitted.
func (e *Engine) Run(ctx context.Context, plan *ir.Plan, inputs map[string][]ir.Record) (res *Result, err error) {
	defer func() { e.metrics.observeRun(res, err) }()

	if plan == nil || plan.Graph == nil || plan.Stages == nil {
		return nil, invalidPlan("plan has no stage graph")
	}
	runID := e.ids.Generate()
	seq := e.clock.Next()
	log := e.logger.With("run", runID, "flow", plan.Graph.Name)

	r, err := e.newRun(runID, plan, inputs, log)
	if err != nil {
		return nil, err
	}
	log.Debug("run starting", "stages", len(plan.Stages.Stages), "partitions", e.partitions, "records_in", r.recordsIn)

	for i := range plan.Stages.Stages {
		if err := r.runStage(ctx, &plan.Stages.Stages[i]); err != nil {
			log.Debug("run failed", "stage", i, "error", err)
			return nil, err
		}
	}

	res, err = r.collect()
	if err != nil {
		return nil, err
	}
	res.RunID = runID
	res.Seq = seq
	log.Info("run finished", "seq", seq, "records_in", res.RecordsIn, "records_out", res.RecordsOut)
	return res, nil
}

// run is the state of one execution.
type run struct {
	e     *Engine
	id    string
	g     *ir.Graph
	sg    *ir.StageGraph
	log   *slog.Logger
	quota *QuotaEnforcer

	local   map[ir.EdgeID]bool
	inbound map[ir.PortID]*ir.Channel

	// data holds every published output port, one slice per partition.
	// External inputs publish a single partition.
	data map[ir.PortID][][]ir.Record

	recordsIn int
}

func (e *Engine) newRun(id string, plan *ir.Plan, inputs map[string][]ir.Record, log *slog.Logger) (*run, error) {
	r := &run{
		e:       e,
		id:      id,
		g:       plan.Graph,
		sg:      plan.Stages,
		log:     log,
		quota:   NewQuotaEnforcer(e.maxRecords),
		local:   make(map[ir.EdgeID]bool, len(plan.Stages.Local)),
		inbound: make(map[ir.PortID]*ir.Channel, len(plan.Stages.Channels)),
		data:    make(map[ir.PortID][][]ir.Record),
	}
	for _, eid := range plan.Stages.Local {
		r.local[eid] = true
	}
	for i := range plan.Stages.Channels {
		ch := &plan.Stages.Channels[i]
		r.inbound[ch.To] = ch
	}
	for i, st := range plan.Stages.Stages {
		if st.ID != i {
			return nil, invalidPlan("stage at position %d has id %d", i, st.ID)
		}
		for _, d := range st.Deps {
			if d >= st.ID {
				return nil, invalidPlan("stage %d depends on later stage %d", st.ID, d)
			}
		}
	}

	known := make(map[string]bool)
	for _, id := range r.g.ExternalInputs() {
		n := r.g.Node(id)
		name := n.QualifiedName()
		known[name] = true
		out := n.Outputs[0]
		recs, ok := inputs[name]
		if !ok && len(r.g.Outgoing(out)) > 0 {
			return nil, &RuntimeError{
				Code:    ErrCodeMissingInput,
				Message: fmt.Sprintf("no records bound to external input %q", name),
				Stage:   -1,
				Node:    name,
			}
		}
		r.data[out] = [][]ir.Record{recs}
		r.recordsIn += len(recs)
	}
	for name := range inputs {
		if !known[name] {
			return nil, &RuntimeError{
				Code:    ErrCodeMissingInput,
				Message: fmt.Sprintf("flow has no external input %q", name),
				Stage:   -1,
			}
		}
	}
	return r, nil
}

// source returns the published data a channel reads.
func (r *run) source(ch *ir.Channel) ([][]ir.Record, error) {
	src, ok := r.data[ch.From]
	if !ok {
		return nil, invalidPlan("channel %d reads %s before it is produced", ch.ID, r.g.PortName(ch.From))
	}
	return src, nil
}

func (r *run) runStage(ctx context.Context, st *ir.Stage) error {
	start := time.Now()
	n := r.e.partitions

	in := make(map[int][][]ir.Record, len(st.Inputs))
	shuffled := false
	for _, cid := range st.Inputs {
		ch := r.sg.Channel(cid)
		if ch == nil {
			return invalidPlan("stage %d reads unknown channel %d", st.ID, cid)
		}
		src, err := r.source(ch)
		if err != nil {
			return err
		}
		switch ch.Kind {
		case ir.ChannelShuffle:
			in[cid] = hashPartition(flatten(src), ch.Key, n)
			shuffled = true
		case ir.ChannelBarrier:
			if len(src) == n {
				in[cid] = src
			} else {
				in[cid] = roundRobin(flatten(src), n)
			}
		default:
			in[cid] = roundRobin(flatten(src), n)
		}
	}
	res := make(map[int][]ir.Record, len(st.Resources))
	for _, cid := range st.Resources {
		ch := r.sg.Channel(cid)
		if ch == nil {
			return invalidPlan("stage %d reads unknown channel %d", st.ID, cid)
		}
		src, err := r.source(ch)
		if err != nil {
			return err
		}
		res[cid] = flatten(src)
	}

	outs := make([]map[ir.PortID][]ir.Record, n)
	g, gctx := errgroup.WithContext(ctx)
	limit := r.e.parallelism
	if limit < 1 {
		limit = -1
	}
	g.SetLimit(limit)
	for p := 0; p < n; p++ {
		t := &task{run: r, stage: st, part: p, in: in, res: res, out: make(map[ir.PortID][]ir.Record)}
		g.Go(func() error {
			if err := t.exec(gctx); err != nil {
				return err
			}
			outs[p] = t.out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, id := range st.Nodes {
		for _, port := range r.g.Node(id).Outputs {
			parts := make([][]ir.Record, n)
			for p := range outs {
				parts[p] = outs[p][port]
			}
			r.data[port] = parts
		}
	}
	d := time.Since(start)
	r.e.metrics.observeStage(shuffled, d)
	r.log.Debug("stage finished", "stage", st.ID, "nodes", len(st.Nodes), "shuffle", shuffled, "duration", d)
	return nil
}

// collect gathers every sink channel into its external output.
func (r *run) collect() (*Result, error) {
	res := &Result{
		Outputs:   make(map[string][]ir.Record),
		RecordsIn: r.recordsIn,
		Stages:    len(r.sg.Stages),
	}
	for _, id := range r.g.ExternalOutputs() {
		res.Outputs[r.g.Node(id).QualifiedName()] = []ir.Record{}
	}
	for i := range r.sg.Channels {
		ch := &r.sg.Channels[i]
		if ch.Kind != ir.ChannelSink {
			continue
		}
		src, err := r.source(ch)
		if err != nil {
			return nil, err
		}
		name := r.g.Node(r.g.Port(ch.To).Node).QualifiedName()
		res.Outputs[name] = append(res.Outputs[name], flatten(src)...)
	}
	for _, recs := range res.Outputs {
		slices.SortFunc(recs, ir.CompareRecords)
		res.RecordsOut += len(recs)
	}
	return res, nil
}
