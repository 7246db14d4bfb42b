package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/flowc/internal/compiler"
	"github.com/roach88/flowc/internal/ir"
	"github.com/roach88/flowc/internal/testutil"
)

func compilePlan(t *testing.T, b *testutil.Builder, opts ...compiler.Option) *ir.Plan {
	t.Helper()
	res := compiler.Compile(b.G, append([]compiler.Option{compiler.WithCatalog(NewRegistry())}, opts...)...)
	require.False(t, res.Failed, "%v", res.Err())
	return res.Plan
}

func records(t *testing.T, docs ...string) []ir.Record {
	t.Helper()
	out := make([]ir.Record, len(docs))
	for i, doc := range docs {
		v, err := ir.ParseValue([]byte(doc))
		require.NoError(t, err)
		obj, ok := v.(ir.Object)
		require.True(t, ok, "%s is not an object", doc)
		out[i] = obj
	}
	return out
}

func runPlan(t *testing.T, plan *ir.Plan, inputs map[string][]ir.Record, opts ...Option) *Result {
	t.Helper()
	res, err := New(opts...).Run(context.Background(), plan, inputs)
	require.NoError(t, err)
	return res
}

func orderType() *ir.RecordType {
	return testutil.RecordType("Order", "id", "amount:int", "note")
}

func orders(t *testing.T) []ir.Record {
	return records(t,
		`{"id":"a","amount":1,"note":""}`,
		`{"id":"b","amount":2,"note":""}`,
		`{"id":"a","amount":3,"note":""}`,
		`{"id":"c","amount":4,"note":""}`,
		`{"id":"b","amount":5,"note":""}`,
	)
}

// updateChain is orders -> set -> keep -> mark -> result, fusible end to end.
func updateChain(t *testing.T) *testutil.Builder {
	b := testutil.NewBuilder(t, "chain", orderType())
	b.Input("orders", "Order")
	b.Op("set", ir.KindUpdate, "Order", testutil.Impl("builtin.set"),
		testutil.Params(ir.Obj(ir.F("field", ir.String("note")), ir.F("value", ir.String("seen")))))
	b.Op("keep", ir.KindCheckpoint, "Order")
	b.Op("mark", ir.KindUpdate, "Order", testutil.Impl("builtin.identity"))
	b.Output("result", "Order")
	b.Chain("orders", "set", "keep", "mark", "result")
	return b
}

func TestRun_RecordWiseChain(t *testing.T) {
	res := runPlan(t, compilePlan(t, updateChain(t)), map[string][]ir.Record{"orders": orders(t)})

	require.Len(t, res.Outputs["result"], 5)
	for _, r := range res.Outputs["result"] {
		assert.Equal(t, ir.String("seen"), r["note"])
	}
	assert.Equal(t, 5, res.RecordsIn)
	assert.Equal(t, 5, res.RecordsOut)
	assert.Equal(t, 1, res.Stages)
}

func TestRun_FusionDoesNotChangeOutput(t *testing.T) {
	defer goleak.VerifyNone(t)

	fused := compilePlan(t, updateChain(t))
	plain := compilePlan(t, updateChain(t), compiler.WithoutOptimizer())

	in := map[string][]ir.Record{"orders": orders(t)}
	assert.Equal(t, runPlan(t, plain, in).Outputs, runPlan(t, fused, in).Outputs)
}

func foldGraph(t *testing.T) *testutil.Builder {
	b := testutil.NewBuilder(t, "totals", orderType())
	b.Input("orders", "Order")
	b.Op("total", ir.KindFold, "Order", testutil.Impl("builtin.sum"), testutil.Key([]string{"id"}),
		testutil.Params(ir.Obj(ir.F("field", ir.String("amount")))))
	b.Output("result", "Order")
	b.Chain("orders", "total", "result")
	return b
}

func TestRun_FoldPerKey(t *testing.T) {
	res := runPlan(t, compilePlan(t, foldGraph(t)), map[string][]ir.Record{"orders": orders(t)})

	assert.Equal(t, records(t,
		`{"amount":4,"id":"a","note":""}`,
		`{"amount":4,"id":"c","note":""}`,
		`{"amount":7,"id":"b","note":""}`,
	), res.Outputs["result"])
}

func TestRun_PartitionCountDoesNotChangeOutput(t *testing.T) {
	defer goleak.VerifyNone(t)

	plan := compilePlan(t, foldGraph(t))
	in := map[string][]ir.Record{"orders": orders(t)}
	want := runPlan(t, plan, in, WithPartitions(1)).Outputs
	for _, n := range []int{2, 3, 7, 16} {
		got := runPlan(t, plan, in, WithPartitions(n), WithParallelism(2)).Outputs
		assert.Equal(t, want, got, "partitions=%d", n)
	}
}

func TestRun_Summarize(t *testing.T) {
	b := testutil.NewBuilder(t, "summary", orderType(), testutil.RecordType("Total", "id", "count:int", "sum:int", "top:int"))
	b.Input("orders", "Order")
	b.Add("sum", ir.KindSummarize, testutil.Ins("Order", "in"), testutil.Outs("Total", "out"),
		testutil.Key([]string{"id"}),
		testutil.Params(ir.Obj(
			ir.F("count", ir.String("count")),
			ir.F("sum", ir.String("sum:amount")),
			ir.F("top", ir.String("max:amount")),
		)))
	b.Output("result", "Total")
	b.Chain("orders", "sum", "result")

	res := runPlan(t, compilePlan(t, b), map[string][]ir.Record{"orders": orders(t)})
	assert.Equal(t, records(t,
		`{"count":1,"id":"c","sum":4,"top":4}`,
		`{"count":2,"id":"a","sum":4,"top":3}`,
		`{"count":2,"id":"b","sum":7,"top":5}`,
	), res.Outputs["result"])
}

func TestRun_GroupSortKeepsFirstInOrder(t *testing.T) {
	b := testutil.NewBuilder(t, "latest", orderType())
	b.Input("orders", "Order")
	b.Op("top", ir.KindGroupSort, "Order", testutil.Impl("builtin.first"), testutil.Key([]string{"id"}, "-amount"))
	b.Output("result", "Order")
	b.Chain("orders", "top", "result")

	res := runPlan(t, compilePlan(t, b), map[string][]ir.Record{"orders": orders(t)})
	assert.Equal(t, records(t,
		`{"amount":3,"id":"a","note":""}`,
		`{"amount":4,"id":"c","note":""}`,
		`{"amount":5,"id":"b","note":""}`,
	), res.Outputs["result"])
}

func TestRun_CoGroupMatchesKeyValues(t *testing.T) {
	rec := testutil.RecordType("Rec", "id", "ref")
	b := testutil.NewBuilder(t, "cogroup", rec)
	b.Input("left", "Rec")
	b.Input("right", "Rec")
	b.Add("both", ir.KindCoGroup, testutil.Ins("Rec", "l", "r"), testutil.Outs("Rec", "out"),
		testutil.Impl("test.pairs"), testutil.Key([]string{"id"}), testutil.Key([]string{"ref"}))
	b.Output("result", "Rec")
	b.Wire("left.out", "both.l")
	b.Wire("right.out", "both.r")
	b.Wire("both.out", "result.in")

	reg := NewRegistry()
	reg.MustRegister("test.pairs", GroupFunc(func(_ ir.Object, groups [][]ir.Record, emit EmitFunc) error {
		if len(groups[0]) == 0 || len(groups[1]) == 0 {
			return nil
		}
		return emit("out", ir.Obj(ir.F("id", groups[0][0]["id"]), ir.F("ref", ir.Int(len(groups[1])))))
	}))
	res := compiler.Compile(b.G, compiler.WithCatalog(reg))
	require.False(t, res.Failed, "%v", res.Err())

	out := runPlan(t, res.Plan, map[string][]ir.Record{
		"left":  records(t, `{"id":"x","ref":""}`, `{"id":"y","ref":""}`),
		"right": records(t, `{"id":"1","ref":"x"}`, `{"id":"2","ref":"x"}`, `{"id":"3","ref":"z"}`),
	}, WithRegistry(reg))
	assert.Equal(t, records(t, `{"id":"x","ref":2}`), out.Outputs["result"])
}

func TestRun_BranchRoutesByField(t *testing.T) {
	b := testutil.NewBuilder(t, "route", orderType())
	b.Input("orders", "Order")
	b.Add("split", ir.KindBranch, testutil.Ins("Order", "in"), testutil.Outs("Order", "a", "b", "c"),
		testutil.Impl("builtin.branch_field"), testutil.Params(ir.Obj(ir.F("field", ir.String("id")))))
	for _, p := range []string{"a", "b", "c"} {
		b.Output("out_"+p, "Order")
		b.Wire("split."+p, "out_"+p+".in")
	}
	b.Wire("orders.out", "split.in")

	res := runPlan(t, compilePlan(t, b), map[string][]ir.Record{"orders": orders(t)})
	assert.Len(t, res.Outputs["out_a"], 2)
	assert.Len(t, res.Outputs["out_b"], 2)
	assert.Len(t, res.Outputs["out_c"], 1)
}

func TestRun_BranchToUnknownPortFails(t *testing.T) {
	b := testutil.NewBuilder(t, "route", orderType())
	b.Input("orders", "Order")
	b.Add("split", ir.KindBranch, testutil.Ins("Order", "in"), testutil.Outs("Order", "a"),
		testutil.Impl("builtin.branch_field"), testutil.Params(ir.Obj(ir.F("field", ir.String("id")))))
	b.Output("out", "Order")
	b.Wire("orders.out", "split.in")
	b.Wire("split.a", "out.in")

	_, err := New().Run(context.Background(), compilePlan(t, b), map[string][]ir.Record{"orders": orders(t)})
	require.Error(t, err)
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeUnknownPort, re.Code)
	assert.Equal(t, "split", re.Node)
}

func TestRun_ExtractAndConvert(t *testing.T) {
	b := testutil.NewBuilder(t, "reshape",
		testutil.RecordType("Bag", "id", "items:any"),
		testutil.RecordType("Item", "id", "items:any", "tag"))
	b.Input("bags", "Bag")
	b.Op("explode", ir.KindExtract, "Bag", testutil.Impl("builtin.explode"),
		testutil.Params(ir.Obj(ir.F("field", ir.String("items")))))
	b.Add("tag", ir.KindConvert, testutil.Ins("Bag", "in"), testutil.Outs("Item", "out"), testutil.Outs("Bag", "original"),
		testutil.Impl("builtin.set"), testutil.Params(ir.Obj(ir.F("field", ir.String("tag")), ir.F("value", ir.String("t")))))
	b.Output("items", "Item")
	b.Output("originals", "Bag")
	b.Chain("bags", "explode", "tag")
	b.Wire("tag.out", "items.in")
	b.Wire("tag.original", "originals.in")

	res := runPlan(t, compilePlan(t, b), map[string][]ir.Record{"bags": records(t, `{"id":"k","items":[1,2]}`)})
	assert.Equal(t, records(t,
		`{"id":"k","items":1,"tag":"t"}`,
		`{"id":"k","items":2,"tag":"t"}`,
	), res.Outputs["items"])
	assert.Len(t, res.Outputs["originals"], 2)
}

func TestRun_ProjectAndExtendShapeRecords(t *testing.T) {
	b := testutil.NewBuilder(t, "shape",
		orderType(),
		testutil.RecordType("Slim", "id"),
		testutil.RecordType("Wide", "id", "flag:bool", "n:int"))
	b.Input("orders", "Order")
	b.Add("slim", ir.KindProject, testutil.Ins("Order", "in"), testutil.Outs("Slim", "out"))
	b.Add("wide", ir.KindExtend, testutil.Ins("Slim", "in"), testutil.Outs("Wide", "out"))
	b.Output("result", "Wide")
	b.Chain("orders", "slim", "wide", "result")

	res := runPlan(t, compilePlan(t, b), map[string][]ir.Record{"orders": orders(t)[:1]})
	assert.Equal(t, records(t, `{"flag":false,"id":"a","n":0}`), res.Outputs["result"])
}

func TestRun_ConfluentAndEmpty(t *testing.T) {
	b := testutil.NewBuilder(t, "merge", orderType())
	b.Input("x", "Order")
	b.Input("y", "Order")
	b.Add("none", ir.KindEmpty, testutil.Outs("Order", "out"))
	b.Add("all", ir.KindConfluent, testutil.Ins("Order", "a", "b", "c"), testutil.Outs("Order", "out"))
	b.Output("result", "Order")
	b.Wire("x.out", "all.a")
	b.Wire("y.out", "all.b")
	b.Wire("none.out", "all.c")
	b.Wire("all.out", "result.in")

	o := orders(t)
	res := runPlan(t, compilePlan(t, b), map[string][]ir.Record{"x": o[:2], "y": o[2:]})
	assert.Len(t, res.Outputs["result"], 5)
}

func TestRun_EmptyInputGivesEmptyOutput(t *testing.T) {
	b := testutil.NewBuilder(t, "stop", orderType())
	b.Input("orders", "Order")
	b.Op("keep", ir.KindCheckpoint, "Order")
	b.Add("drop", ir.KindStop, testutil.Ins("Order", "in"))
	b.Output("result", "Order")
	b.Wire("orders.out", "drop.in")
	b.Wire("orders.out", "keep.in")
	b.Wire("keep.out", "result.in")

	res := runPlan(t, compilePlan(t, b), map[string][]ir.Record{"orders": nil})
	assert.NotNil(t, res.Outputs["result"])
	assert.Empty(t, res.Outputs["result"])
}

func TestRun_MissingInput(t *testing.T) {
	_, err := New().Run(context.Background(), compilePlan(t, foldGraph(t)), nil)
	assert.True(t, IsMissingInputError(err))
}

func TestRun_UnknownInput(t *testing.T) {
	_, err := New().Run(context.Background(), compilePlan(t, foldGraph(t)), map[string][]ir.Record{
		"orders": orders(t),
		"typo":   nil,
	})
	assert.True(t, IsMissingInputError(err))
	assert.Contains(t, err.Error(), `"typo"`)
}

func TestRun_InvalidPlan(t *testing.T) {
	_, err := New().Run(context.Background(), &ir.Plan{}, nil)
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeInvalidPlan, re.Code)
}

var errBoom = errors.New("boom")

func TestRun_OperatorErrorCarriesCause(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := NewRegistry()
	reg.MustRegister("test.fail", UpdateFunc(func(ir.Object, ir.Record) (ir.Record, error) { return nil, errBoom }))
	b := testutil.NewBuilder(t, "fail", orderType())
	b.Input("orders", "Order")
	b.Op("bad", ir.KindUpdate, "Order", testutil.Impl("test.fail"))
	b.Output("result", "Order")
	b.Chain("orders", "bad", "result")
	res := compiler.Compile(b.G, compiler.WithCatalog(reg))
	require.False(t, res.Failed)

	_, err := New(WithRegistry(reg)).Run(context.Background(), res.Plan, map[string][]ir.Record{"orders": orders(t)})
	assert.True(t, IsOperatorError(err))
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "node=bad")
}

func TestRun_MissingImplementation(t *testing.T) {
	b := testutil.NewBuilder(t, "ghost", orderType())
	b.Input("orders", "Order")
	b.Op("x", ir.KindUpdate, "Order", testutil.Impl("nowhere.fn"))
	b.Output("result", "Order")
	b.Chain("orders", "x", "result")
	res := compiler.Compile(b.G)
	require.False(t, res.Failed)

	_, err := New().Run(context.Background(), res.Plan, map[string][]ir.Record{"orders": orders(t)})
	assert.True(t, IsMissingImplError(err))
}

func TestRun_RecordQuota(t *testing.T) {
	_, err := New(WithMaxRecords(3)).Run(context.Background(), compilePlan(t, updateChain(t)),
		map[string][]ir.Record{"orders": orders(t)})
	assert.True(t, IsQuotaError(err))
	assert.True(t, IsRecordsExceededError(err))
}

func TestRun_CanceledContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Run(ctx, compilePlan(t, foldGraph(t)), map[string][]ir.Record{"orders": orders(t)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_StampsRuns(t *testing.T) {
	e := New(WithRunIDs(NewFixedGenerator("run-1", "run-2")), WithClock(NewClockAt(41)))
	plan := compilePlan(t, foldGraph(t))
	in := map[string][]ir.Record{"orders": orders(t)}

	first, err := e.Run(context.Background(), plan, in)
	require.NoError(t, err)
	second, err := e.Run(context.Background(), plan, in)
	require.NoError(t, err)

	assert.Equal(t, "run-1", first.RunID)
	assert.Equal(t, int64(42), first.Seq)
	assert.Equal(t, "run-2", second.RunID)
	assert.Equal(t, int64(43), second.Seq)
	assert.Equal(t, first.Outputs, second.Outputs)
}

func TestRun_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := New(WithMetrics(NewMetrics(reg)))
	plan := compilePlan(t, foldGraph(t))

	_, err := e.Run(context.Background(), plan, map[string][]ir.Record{"orders": orders(t)})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), plan, nil)
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if c := m.GetCounter(); c != nil {
				got[f.GetName()+"/"+m.GetLabel()[0].GetValue()] = c.GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, got["flowc_runs_total/ok"])
	assert.Equal(t, 1.0, got["flowc_runs_total/failed"])
	assert.Equal(t, 5.0, got["flowc_run_records_total/in"])
	assert.Equal(t, 3.0, got["flowc_run_records_total/out"])
}
