package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/ir"
	"github.com/roach88/flowc/internal/testutil"
)

func TestValidateExternals_Duplicates(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("orders", "Rec")
	b.Input("orders", "Rec")
	b.Output("orders", "Rec") // outputs have their own namespace
	b.Output("result", "Rec")
	b.Output("result", "Rec")

	sink := diag.NewSink()
	ValidateExternals(b.G, sink)

	diags := sink.All()
	require.Len(t, diags, 2)
	for _, d := range diags {
		assert.Equal(t, diag.DuplicateExternalName, d.Kind)
		assert.Equal(t, diag.SeverityError, d.Severity)
	}
	assert.Contains(t, diags[0].Message, `input "orders"`)
	assert.Contains(t, diags[1].Message, `output "result"`)
}

func TestValidateExternals_InsideParts(t *testing.T) {
	pb := testutil.NewBuilder(t, "inner", recType())
	pb.Input("x", "Rec")
	pb.Input("x", "Rec")
	pb.Output("y", "Rec")
	part := pb.Part()

	b := testutil.NewBuilder(t, "f", recType())
	b.Use("p1", part)
	b.Use("p2", part)

	sink := diag.NewSink()
	ValidateExternals(b.G, sink)

	// The part is checked once however often it is used.
	assert.Equal(t, 1, sink.Count(diag.DuplicateExternalName))
	assert.Equal(t, "inner/x", sink.All()[0].Location)
}

func TestValidateReachability_UnreachableOutput(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Add("gen", ir.KindEmpty, testutil.Outs("Rec", "out"))
	b.Output("fed", "Rec")
	b.Output("orphan", "Rec")
	b.Output("must", "Rec", testutil.Required())
	b.Chain("in", "fed")
	b.Wire("gen.out", "orphan.in")

	sink := diag.NewSink()
	ValidateReachability(b.G.Freeze(), sink)

	diags := sink.All()
	require.Len(t, diags, 2)
	assert.Equal(t, diag.UnreachableOutput, diags[0].Kind)
	assert.Equal(t, diag.SeverityWarning, diags[0].Severity)
	assert.Equal(t, "W207", diags[0].Code)
	assert.Equal(t, "orphan", diags[0].Location)
	assert.Equal(t, diag.SeverityError, diags[1].Severity)
	assert.Equal(t, "must", diags[1].Location)
}

func TestValidateReachability_UnusedNode(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Op("used", ir.KindCheckpoint, "Rec")
	b.Op("dangling", ir.KindCheckpoint, "Rec")
	b.Op("logged", ir.KindLogging, "Rec", testutil.Impl("builtin.log"))
	b.Add("stop", ir.KindStop, testutil.Ins("Rec", "in"))
	b.Output("out", "Rec")
	b.Chain("in", "used", "out")
	b.Chain("in", "dangling")
	b.Chain("in", "logged")
	b.Wire("used.out", "stop.in")

	sink := diag.NewSink()
	ValidateReachability(b.G.Freeze(), sink)

	diags := sink.All()
	require.Len(t, diags, 1)
	assert.Equal(t, diag.UnusedNode, diags[0].Kind)
	assert.Equal(t, "dangling", diags[0].Location)
	assert.False(t, sink.HasErrors())
}

func TestLiveNodes_ObservedRoot(t *testing.T) {
	b := testutil.NewBuilder(t, "f", recType())
	b.Input("in", "Rec")
	b.Op("feed", ir.KindCheckpoint, "Rec")
	b.Op("audit", ir.KindUpdate, "Rec", testutil.Impl("builtin.identity"),
		testutil.Observe(ir.ObserveExactlyOnce))
	b.Chain("in", "feed", "audit")
	g := b.G.Freeze()

	live := liveNodes(g)
	assert.True(t, live[b.ID("feed")])
	assert.True(t, live[b.ID("audit")])
	assert.True(t, live[b.ID("in")])
}
