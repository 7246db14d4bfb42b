package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/ir"
	"github.com/roach88/flowc/internal/testutil"
)

func recType() *ir.RecordType {
	return testutil.RecordType("Rec", "id", "v", "n:int")
}

func names(g *ir.Graph, ids []ir.NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = g.Node(id).QualifiedName()
	}
	return out
}

func TestOrder_DeclarationTieBreak(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("a", "Rec")
	b.Input("b", "Rec")
	b.Op("y", ir.KindCheckpoint, "Rec")
	b.Op("x", ir.KindCheckpoint, "Rec")
	b.Output("oy", "Rec")
	b.Output("ox", "Rec")
	b.Chain("b", "x", "ox")
	b.Chain("a", "y", "oy")

	sink := diag.NewSink()
	order, ok := Order(b.G.Freeze(), sink)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "y", "x", "oy", "ox"}, names(b.G, order))
	assert.Zero(t, sink.Len())
}

func TestOrder_ProducersFirst(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Op("late", ir.KindCheckpoint, "Rec")
	b.Input("in", "Rec")
	b.Output("out", "Rec")
	b.Chain("in", "late", "out")

	order, ok := Order(b.G.Freeze(), diag.NewSink())
	require.True(t, ok)
	assert.Equal(t, []string{"in", "late", "out"}, names(b.G, order))
}

func TestOrder_Deterministic(t *testing.T) {
	build := func() *ir.Graph {
		b := testutil.NewBuilder(t, "f", recType())
		b.Input("in", "Rec")
		b.Add("c", ir.KindConfluent, testutil.Ins("Rec", "l", "r"), testutil.Outs("Rec", "out"))
		b.Op("p", ir.KindCheckpoint, "Rec")
		b.Op("q", ir.KindCheckpoint, "Rec")
		b.Output("out", "Rec")
		b.Chain("in", "p")
		b.Chain("in", "q")
		b.Wire("p.out", "c.l")
		b.Wire("q.out", "c.r")
		b.Chain("c", "out")
		return b.G.Freeze()
	}
	g1, g2 := build(), build()
	o1, _ := Order(g1, diag.NewSink())
	o2, _ := Order(g2, diag.NewSink())
	assert.Equal(t, names(g1, o1), names(g2, o2))
}

// loopGraph builds in -> B(confluent) -> ... -> B.loop with the given
// intermediate checkpoints.
func loopGraph(t *testing.T, via ...string) *ir.Graph {
	b := testutil.NewBuilder(t, "loop", recType())
	b.Input("in", "Rec")
	b.Add("B", ir.KindConfluent, testutil.Ins("Rec", "in", "loop"), testutil.Outs("Rec", "out"))
	for _, n := range via {
		b.Op(n, ir.KindCheckpoint, "Rec")
	}
	b.Output("out", "Rec")
	b.Chain("in", "B")
	prev := "B"
	for _, n := range via {
		b.Chain(prev, n)
		prev = n
	}
	b.Wire(prev+".out", "B.loop")
	b.Chain("B", "out")
	return b.G.Freeze()
}

func TestOrder_SelfLoop(t *testing.T) {
	sink := diag.NewSink()
	order, ok := Order(loopGraph(t), sink)

	assert.False(t, ok)
	assert.Nil(t, order)
	diags := sink.All()
	require.Len(t, diags, 1)
	assert.Equal(t, diag.CyclicDependency, diags[0].Kind)
	assert.Equal(t, "E206", diags[0].Code)
	assert.Contains(t, diags[0].Message, "B → B")
}

func TestOrder_TwoNodeCycle(t *testing.T) {
	sink := diag.NewSink()
	_, ok := Order(loopGraph(t, "C"), sink)

	assert.False(t, ok)
	require.Equal(t, 1, sink.Count(diag.CyclicDependency))
	assert.Contains(t, sink.All()[0].Message, "B → C → B")
	assert.Equal(t, "B", sink.All()[0].Location)
}

func TestFindCycles_ShortestFirst(t *testing.T) {
	// B -> C -> D -> B and B -> E -> B: the two-node cycle wins.
	b := testutil.NewBuilder(t, "f", recType())
	b.Add("B", ir.KindConfluent, testutil.Ins("Rec", "x", "y"), testutil.Outs("Rec", "out"))
	b.Op("C", ir.KindCheckpoint, "Rec")
	b.Op("D", ir.KindCheckpoint, "Rec")
	b.Op("E", ir.KindCheckpoint, "Rec")
	b.Chain("B", "C", "D")
	b.Wire("D.out", "B.x")
	b.Chain("B", "E")
	b.Wire("E.out", "B.y")
	g := b.G.Freeze()

	_, rest := topoSort(g)
	cycles := findCycles(g, rest)
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"B", "E"}, names(g, cycles[0]))
}

func TestFindCycles_RotatedToEarliest(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Op("A", ir.KindCheckpoint, "Rec")
	b.Add("Z", ir.KindConfluent, testutil.Ins("Rec", "in", "loop"), testutil.Outs("Rec", "out"))
	b.Chain("in", "Z", "A")
	b.Wire("A.out", "Z.loop")
	g := b.G.Freeze()

	_, rest := topoSort(g)
	cycles := findCycles(g, rest)
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"A", "Z"}, names(g, cycles[0]))
}

func TestTopoSort_RestExcludesUpstream(t *testing.T) {
	g := loopGraph(t, "C")
	order, rest := topoSort(g)
	assert.Equal(t, []string{"in"}, names(g, order))
	assert.Equal(t, []string{"B", "C", "out"}, names(g, rest))
}

func TestTarjanSCC_Acyclic(t *testing.T) {
	succ := func(n ir.NodeID) []ir.NodeID {
		if n < 3 {
			return []ir.NodeID{n + 1}
		}
		return nil
	}
	sccs := tarjanSCC([]ir.NodeID{0, 1, 2, 3}, succ)
	assert.Len(t, sccs, 4)
	for _, scc := range sccs {
		assert.Len(t, scc, 1)
	}
}
