package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/ir"
	"github.com/roach88/flowc/internal/testutil"
)

type catalog map[string]bool

func (c catalog) Has(impl string) bool { return c[impl] }

func masterType() *ir.RecordType { return testutil.RecordType("Master", "id", "m") }
func joinedType() *ir.RecordType { return testutil.RecordType("Joined", "id", "v", "m") }

// joinGraph is the canonical master join: tx input A, master input M,
// outputs on the joined and missed ports.
func joinGraph(t *testing.T, strategy ir.Strategy, masterOpts ...testutil.NodeOpt) *testutil.Builder {
	b := testutil.NewBuilder(t, "join", testutil.RecordType("Rec", "id", "v"), masterType(), joinedType())
	b.Input("A", "Rec")
	b.Input("M", "Master", masterOpts...)
	b.Join("J", ir.KindMasterJoin, "Master", "Rec", []string{"joined:Joined", "missed"},
		testutil.Join([]string{"id"}, []string{"id"}, strategy))
	b.Output("joined", "Joined")
	b.Output("missed", "Rec")
	b.Wire("M.out", "J.master")
	b.Wire("A.out", "J.tx")
	b.Wire("J.joined", "joined.in")
	b.Wire("J.missed", "missed.in")
	return b
}

func resolved(t *testing.T, g *ir.Graph, name string) *ir.Resolved {
	t.Helper()
	id, ok := g.Lookup(name)
	require.True(t, ok)
	r := g.Node(id).Resolved
	require.NotNil(t, r, "node %s did not resolve", name)
	return r
}

func TestResolve_StrategySelection(t *testing.T) {
	tests := []struct {
		name      string
		strategy  ir.Strategy
		size      ir.DataSize
		threshold ir.DataSize
		want      ir.JoinVariant
	}{
		{"explicit broadcast", ir.StrategyBroadcast, ir.SizeLarge, ir.SizeTiny, ir.VariantSideData},
		{"explicit shuffle", ir.StrategyShuffle, ir.SizeTiny, ir.SizeTiny, ir.VariantShuffle},
		{"auto tiny", ir.StrategyAuto, ir.SizeTiny, ir.SizeTiny, ir.VariantSideData},
		{"auto small over tiny threshold", ir.StrategyAuto, ir.SizeSmall, ir.SizeTiny, ir.VariantShuffle},
		{"auto small under small threshold", ir.StrategyAuto, ir.SizeSmall, ir.SizeSmall, ir.VariantSideData},
		{"auto large", ir.StrategyAuto, ir.SizeLarge, ir.SizeSmall, ir.VariantShuffle},
		{"auto unknown never broadcasts", ir.StrategyAuto, ir.SizeUnknown, ir.SizeLarge, ir.VariantShuffle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := joinGraph(t, tt.strategy, testutil.Size(tt.size))
			o := DefaultOptions()
			o.BroadcastThreshold = tt.threshold
			sink := diag.NewSink()
			g := Resolve(b.G.Freeze(), sink, o)

			require.Zero(t, sink.Len(), "%v", sink.All())
			assert.Equal(t, tt.want, resolved(t, g, "J").Variant)
		})
	}
}

func TestResolve_ShuffleJoinRequirements(t *testing.T) {
	b := joinGraph(t, ir.StrategyShuffle)
	g := Resolve(b.G.Freeze(), diag.NewSink(), DefaultOptions())

	r := resolved(t, g, "J")
	assert.Equal(t, ir.StrategyShuffle, r.Strategy)
	assert.Equal(t, []string{"id"}, r.Requires[masterPort].Group)
	assert.Equal(t, []string{"id"}, r.Requires[txPort].Group)
	assert.Equal(t, []bool{false, false}, r.Broadcast)
	assert.Nil(t, r.Emits)
}

func TestResolve_SideDataJoinRequirements(t *testing.T) {
	b := joinGraph(t, ir.StrategyBroadcast)
	g := Resolve(b.G.Freeze(), diag.NewSink(), DefaultOptions())

	r := resolved(t, g, "J")
	assert.Equal(t, ir.VariantSideData, r.Variant)
	assert.Equal(t, []bool{true, false}, r.Broadcast)
	assert.Nil(t, r.Requires[txPort], "transaction stream is never partitioned by key")
}

func TestResolve_ForcedStrategyOverridesDeclared(t *testing.T) {
	for _, forced := range []ir.Strategy{ir.StrategyBroadcast, ir.StrategyShuffle} {
		b := joinGraph(t, ir.StrategyAuto, testutil.Size(ir.SizeTiny))
		o := DefaultOptions()
		o.ForceStrategy = forced
		g := Resolve(b.G.Freeze(), diag.NewSink(), o)
		assert.Equal(t, forced, resolved(t, g, "J").Strategy)
	}
}

func TestResolve_JoinSizeFromResource(t *testing.T) {
	b := joinGraph(t, ir.StrategyAuto)
	n := b.G.Node(b.ID("J"))
	n.Op.Join.Size = ir.SizeTiny

	g := Resolve(b.G.Freeze(), diag.NewSink(), DefaultOptions())
	assert.Equal(t, ir.VariantSideData, resolved(t, g, "J").Variant)
}

func TestResolve_KeyedOperators(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Op("fold", ir.KindFold, "Rec", testutil.Impl("builtin.sum"), testutil.Key([]string{"id"}, "-n"))
	b.Op("sort", ir.KindGroupSort, "Rec", testutil.Impl("builtin.identity"), testutil.Key([]string{"v"}))
	b.Output("out", "Rec")
	b.Chain("in", "fold", "sort", "out")

	g := Resolve(b.G.Freeze(), diag.NewSink(), DefaultOptions())

	fold := resolved(t, g, "fold")
	assert.Equal(t, "id|-n", fold.Requires[0].String())
	assert.Equal(t, "id", fold.Emits.String())
	assert.False(t, fold.RecordWise)

	sort := resolved(t, g, "sort")
	assert.Equal(t, "v", sort.Requires[0].String())
	assert.Nil(t, sort.Emits)
}

func TestResolve_UnknownKind(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Add("x", ir.KindUnknown, testutil.Declared("frobnicate"), testutil.Ins("Rec", "in"), testutil.Outs("Rec", "out"))
	b.Output("out", "Rec")
	b.Chain("in", "x", "out")

	sink := diag.NewSink()
	g := Resolve(b.G.Freeze(), sink, DefaultOptions())

	require.Equal(t, 1, sink.Count(diag.UnresolvedOperator))
	assert.Contains(t, sink.All()[0].Message, `"frobnicate"`)
	assert.Nil(t, g.Node(b.ID("x")).Resolved)
}

func TestResolve_Implementation(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Op("none", ir.KindUpdate, "Rec")
	b.Op("bogus", ir.KindUpdate, "Rec", testutil.Impl("app.bogus"))
	b.Op("fine", ir.KindUpdate, "Rec", testutil.Impl("app.fine"))
	b.Output("out", "Rec")
	b.Chain("in", "none", "bogus", "fine", "out")

	sink := diag.NewSink()
	o := DefaultOptions()
	o.Catalog = catalog{"app.fine": true}
	Resolve(b.G.Freeze(), sink, o)

	diags := sink.All()
	require.Len(t, diags, 2)
	assert.Equal(t, "none", diags[0].Location)
	assert.Equal(t, "bogus", diags[1].Location)
	assert.Contains(t, diags[1].Message, "app.bogus")
}

func TestResolve_PortArity(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Add("two", ir.KindCheckpoint, testutil.Ins("Rec", "a", "b"), testutil.Outs("Rec", "out"))
	b.Op("loose", ir.KindCheckpoint, "Rec")
	b.Output("out", "Rec")
	b.Wire("in.out", "two.a")
	b.Wire("in.out", "two.b")
	b.Chain("two", "out")

	sink := diag.NewSink()
	Resolve(b.G.Freeze(), sink, DefaultOptions())

	diags := sink.All()
	require.Len(t, diags, 2)
	assert.Equal(t, diag.PortArityMismatch, diags[0].Kind)
	assert.Contains(t, diags[0].Message, "exactly 1 input")
	assert.Equal(t, diag.PortArityMismatch, diags[1].Kind)
	assert.Contains(t, diags[1].Message, "not connected")
}

func TestResolve_TypeRelation(t *testing.T) {
	other := testutil.RecordType("Other", "x")
	b := testutil.NewBuilder(t, "f", recType(), other)
	b.Input("in", "Rec")
	b.Add("upd", ir.KindUpdate, testutil.Impl("builtin.identity"), testutil.Ins("Rec", "in"), testutil.Outs("Other", "out"))
	b.Output("out", "Other")
	b.Chain("in", "upd", "out")

	sink := diag.NewSink()
	Resolve(b.G.Freeze(), sink, DefaultOptions())

	require.Equal(t, 1, sink.Count(diag.TypeMismatch))
	assert.Contains(t, sink.All()[0].Message, "expected Rec")
}

func TestResolve_KeyFieldMissing(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Op("fold", ir.KindFold, "Rec", testutil.Impl("builtin.sum"), testutil.Key([]string{"nope"}))
	b.Output("out", "Rec")
	b.Chain("in", "fold", "out")

	sink := diag.NewSink()
	Resolve(b.G.Freeze(), sink, DefaultOptions())

	require.Equal(t, 1, sink.Count(diag.TypeMismatch))
	assert.Contains(t, sink.All()[0].Message, `"nope"`)
}

func TestResolve_KeyCount(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Op("fold", ir.KindFold, "Rec", testutil.Impl("builtin.sum"))
	b.Output("out", "Rec")
	b.Chain("in", "fold", "out")

	sink := diag.NewSink()
	Resolve(b.G.Freeze(), sink, DefaultOptions())

	assert.Equal(t, 1, sink.Count(diag.PortArityMismatch))
}

func TestResolve_JoinKeyTypes(t *testing.T) {
	b := testutil.NewBuilder(t, "f",
		testutil.RecordType("Rec", "id:int", "v"), masterType(), joinedType())
	b.Input("A", "Rec")
	b.Input("M", "Master")
	b.Join("J", ir.KindMasterCheck, "Master", "Rec", []string{"found", "missed"},
		testutil.Join([]string{"id"}, []string{"id"}, ir.StrategyShuffle))
	b.Output("found", "Rec")
	b.Output("missed", "Rec")
	b.Wire("M.out", "J.master")
	b.Wire("A.out", "J.tx")
	b.Wire("J.found", "found.in")
	b.Wire("J.missed", "missed.in")

	sink := diag.NewSink()
	Resolve(b.G.Freeze(), sink, DefaultOptions())

	require.Equal(t, 1, sink.Count(diag.TypeMismatch))
	assert.Contains(t, sink.All()[0].Message, "id (string) does not match id (int)")
}

func TestResolve_JoinKeyLengths(t *testing.T) {
	b := joinGraph(t, ir.StrategyShuffle)
	b.G.Node(b.ID("J")).Op.Join.TxKey = []string{"id", "v"}

	sink := diag.NewSink()
	Resolve(b.G.Freeze(), sink, DefaultOptions())

	assert.Equal(t, 1, sink.Count(diag.TypeMismatch))
}

func TestResolve_MissingMaster(t *testing.T) {
	b := testutil.NewBuilder(t, "f", testutil.RecordType("Rec", "id", "v"), masterType(), joinedType())
	b.Input("A", "Rec")
	b.Join("J", ir.KindMasterJoin, "Master", "Rec", []string{"joined:Joined", "missed"},
		testutil.Join([]string{"id"}, []string{"id"}, ir.StrategyShuffle))
	b.Output("joined", "Joined")
	b.Output("missed", "Rec")
	b.Wire("A.out", "J.tx")
	b.Wire("J.joined", "joined.in")
	b.Wire("J.missed", "missed.in")

	sink := diag.NewSink()
	Resolve(b.G.Freeze(), sink, DefaultOptions())

	diags := sink.All()
	require.Len(t, diags, 1)
	assert.Equal(t, diag.MissingResource, diags[0].Kind)
	assert.Equal(t, "E205", diags[0].Code)
}

func TestResolve_UndeclaredMasterSource(t *testing.T) {
	b := joinGraph(t, ir.StrategyShuffle)
	b.G.Node(b.ID("J")).Op.Join.Source = "prices"

	sink := diag.NewSink()
	Resolve(b.G.Freeze(), sink, DefaultOptions())

	require.Equal(t, 1, sink.Count(diag.MissingResource))
	assert.Contains(t, sink.All()[0].Message, `"prices"`)
}

func TestResolve_DeclaredMasterSource(t *testing.T) {
	b := joinGraph(t, ir.StrategyShuffle)
	b.G.Node(b.ID("J")).Op.Join.Source = "M"

	sink := diag.NewSink()
	Resolve(b.G.Freeze(), sink, DefaultOptions())

	assert.Zero(t, sink.Len())
}

func TestResolve_MissingJoinPort(t *testing.T) {
	b := testutil.NewBuilder(t, "f", testutil.RecordType("Rec", "id", "v"), masterType())
	b.Input("A", "Rec")
	b.Input("M", "Master")
	b.Join("J", ir.KindMasterBranch, "Master", "Rec", []string{"hit", "other"},
		testutil.Impl("builtin.branch_field"),
		testutil.Join([]string{"id"}, []string{"id"}, ir.StrategyShuffle))
	b.Output("hit", "Rec")
	b.Wire("M.out", "J.master")
	b.Wire("A.out", "J.tx")
	b.Wire("J.hit", "hit.in")

	sink := diag.NewSink()
	Resolve(b.G.Freeze(), sink, DefaultOptions())

	require.Equal(t, 1, sink.Count(diag.PortArityMismatch))
	assert.Contains(t, sink.All()[0].Message, `"missed"`)
}

func TestResolve_ContinuesAfterFailure(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Op("bad", ir.KindUpdate, "Rec")
	b.Op("good", ir.KindCheckpoint, "Rec")
	b.Output("out", "Rec")
	b.Chain("in", "bad", "good", "out")

	sink := diag.NewSink()
	g := Resolve(b.G.Freeze(), sink, DefaultOptions())

	assert.Equal(t, 1, sink.Errors())
	assert.Nil(t, g.Node(b.ID("bad")).Resolved)
	assert.NotNil(t, g.Node(b.ID("good")).Resolved)
	assert.True(t, g.Frozen())
}
