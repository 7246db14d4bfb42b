package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/ir"
	"github.com/roach88/flowc/internal/testutil"
)

func edgeNames(g *ir.Graph) []string {
	var out []string
	for _, id := range g.Edges() {
		e := g.Edge(id)
		out = append(out, g.PortName(e.From)+" -> "+g.PortName(e.To))
	}
	return out
}

func nodeNames(g *ir.Graph) []string {
	return names(g, sortedByDecl(g, g.Nodes()))
}

// enrichPart sets field v to the value of its "label" parameter.
func enrichPart(t *testing.T) *ir.FlowPart {
	pb := testutil.NewBuilder(t, "enrich", recType())
	pb.Input("src", "Rec")
	pb.Op("tag", ir.KindUpdate, "Rec", testutil.Impl("builtin.set"),
		testutil.Params(ir.Obj(ir.F("field", ir.String("v")), ir.F("value", ir.String("${label}")))))
	pb.Output("dst", "Rec")
	pb.Chain("src", "tag", "dst")
	return pb.Part("label")
}

func TestInline_ExpandsBoundary(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Use("p", enrichPart(t), testutil.Args(ir.Obj(ir.F("label", ir.String("x")))))
	b.Output("out", "Rec")
	b.Wire("in.out", "p.src")
	b.Wire("p.dst", "out.in")

	sink := diag.NewSink()
	flat := Inline(b.G, sink)

	require.Zero(t, sink.Len(), "%v", sink.All())
	assert.True(t, flat.Frozen())
	assert.Equal(t, []string{"in", "p/tag", "out"}, nodeNames(flat))
	assert.ElementsMatch(t, []string{"in.out -> p/tag.in", "p/tag.out -> out.in"}, edgeNames(flat))

	id, ok := flat.Lookup("p/tag")
	require.True(t, ok)
	tag := flat.Node(id)
	assert.Equal(t, ir.String("x"), tag.Op.Params["value"])
	assert.Equal(t, []string{"p"}, tag.Op.Origin)
	assert.Equal(t, ir.DeclPath{1, 1}, tag.Decl)

	// The input graph is untouched.
	assert.Equal(t, []string{"in", "p", "out"}, nodeNames(b.G))
}

func TestInline_Nested(t *testing.T) {
	wb := testutil.NewBuilder(t, "wrap", recType())
	wb.Input("a", "Rec")
	wb.Use("inner", enrichPart(t), testutil.Args(ir.Obj(ir.F("label", ir.String("${tag}")))))
	wb.Output("b", "Rec")
	wb.Wire("a.out", "inner.src")
	wb.Wire("inner.dst", "b.in")
	wrap := wb.Part("tag")

	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Use("w", wrap, testutil.Args(ir.Obj(ir.F("tag", ir.String("y")))))
	b.Output("out", "Rec")
	b.Wire("in.out", "w.a")
	b.Wire("w.b", "out.in")

	sink := diag.NewSink()
	flat := Inline(b.G, sink)

	require.Zero(t, sink.Len(), "%v", sink.All())
	assert.Equal(t, []string{"in", "w/inner/tag", "out"}, nodeNames(flat))
	id, _ := flat.Lookup("w/inner/tag")
	assert.Equal(t, ir.String("y"), flat.Node(id).Op.Params["value"])
	assert.Equal(t, ir.DeclPath{1, 1, 1}, flat.Node(id).Decl)
}

func TestInline_Recursive(t *testing.T) {
	rec := &ir.FlowPart{Name: "rec"}
	pb := testutil.NewBuilder(t, "rec", recType())
	pb.Input("x", "Rec")
	pb.Output("y", "Rec")
	rec.Graph = pb.G
	pb.Use("self", rec)
	pb.Wire("x.out", "self.x")
	pb.Wire("self.y", "y.in")

	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Use("r", rec)
	b.Output("out", "Rec")
	b.Wire("in.out", "r.x")
	b.Wire("r.y", "out.in")

	sink := diag.NewSink()
	flat := Inline(b.G, sink)

	require.Equal(t, 1, sink.Count(diag.RecursiveFlowPart))
	d := sink.All()[0]
	assert.Equal(t, "E201", d.Code)
	assert.Equal(t, "r/self", d.Location)
	assert.Contains(t, d.Message, "rec → rec")
	// The offending boundary is left in place, not expanded forever.
	_, ok := flat.Lookup("r/self")
	assert.True(t, ok)
}

func TestInline_UnboundParameter(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Use("p", enrichPart(t))
	b.Output("out", "Rec")
	b.Wire("in.out", "p.src")
	b.Wire("p.dst", "out.in")

	sink := diag.NewSink()
	flat := Inline(b.G, sink)

	require.Equal(t, 1, sink.Count(diag.UnboundParameter))
	assert.Contains(t, sink.All()[0].Message, `"label"`)
	id, _ := flat.Lookup("p/tag")
	assert.Equal(t, ir.String("${label}"), flat.Node(id).Op.Params["value"])
}

func TestInline_PassThroughPart(t *testing.T) {
	pb := testutil.NewBuilder(t, "wire", recType())
	pb.Input("src", "Rec")
	pb.Output("dst", "Rec")
	pb.Chain("src", "dst")
	part := pb.Part()

	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Use("p", part)
	b.Output("out", "Rec")
	b.Wire("in.out", "p.src")
	b.Wire("p.dst", "out.in")

	sink := diag.NewSink()
	flat := Inline(b.G, sink)

	require.Zero(t, sink.Len())
	assert.Equal(t, []string{"in", "out"}, nodeNames(flat))
	assert.Equal(t, []string{"in.out -> out.in"}, edgeNames(flat))
}

func TestInline_UnconnectedBoundaryInput(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Use("p", enrichPart(t), testutil.Args(ir.Obj(ir.F("label", ir.String("x")))))
	b.Output("out", "Rec")
	b.Wire("p.dst", "out.in")

	sink := diag.NewSink()
	Inline(b.G, sink)

	assert.Equal(t, 1, sink.Count(diag.PortArityMismatch))
}

func TestInline_Idempotent(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Use("p", enrichPart(t), testutil.Args(ir.Obj(ir.F("label", ir.String("x")))))
	b.Output("out", "Rec")
	b.Wire("in.out", "p.src")
	b.Wire("p.dst", "out.in")

	once := Inline(b.G, diag.NewSink())
	sink := diag.NewSink()
	twice := Inline(once, sink)

	assert.Same(t, once, twice)
	assert.Zero(t, sink.Len())
	fp1, err := ir.GraphFingerprint(once)
	require.NoError(t, err)
	fp2, err := ir.GraphFingerprint(twice)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}
