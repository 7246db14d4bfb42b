package testutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/flowc/internal/ir"
)

// Builder assembles flow graphs in tests. Construction errors fail the test
// immediately.
//
// Example:
//
//	b := testutil.NewBuilder(t, "orders", testutil.RecordType("Order", "id", "amount"))
//	b.Input("orders", "Order")
//	b.Op("double", ir.KindUpdate, "Order", testutil.Impl("builtin.identity"))
//	b.Output("result", "Order")
//	b.Wire("orders.out", "double.in")
//	b.Wire("double.out", "result.in")
type Builder struct {
	t testing.TB
	G *ir.Graph
}

// NewBuilder starts an empty graph whose schema holds the given types.
func NewBuilder(t testing.TB, name string, types ...*ir.RecordType) *Builder {
	t.Helper()
	return &Builder{t: t, G: ir.NewGraph(name, ir.NewSchema(types...))}
}

// RecordType declares a record type whose fields are all strings, except
// those written as "name:type".
func RecordType(name string, fields ...string) *ir.RecordType {
	rt := &ir.RecordType{Name: name}
	for _, f := range fields {
		typ := ir.TypeString
		if field, t, ok := strings.Cut(f, ":"); ok {
			f, typ = field, ir.ScalarType(t)
		}
		rt.Fields = append(rt.Fields, ir.FieldDef{Name: f, Type: typ})
	}
	return rt
}

// NodeOpt adjusts a node before it is added.
type NodeOpt func(*ir.NodeSpec)

// Ins declares input ports of the given type.
func Ins(typ string, names ...string) NodeOpt {
	return func(s *ir.NodeSpec) {
		for _, n := range names {
			s.Inputs = append(s.Inputs, ir.PortSpec{Name: n, Type: typ})
		}
	}
}

// Outs declares output ports of the given type.
func Outs(typ string, names ...string) NodeOpt {
	return func(s *ir.NodeSpec) {
		for _, n := range names {
			s.Outputs = append(s.Outputs, ir.PortSpec{Name: n, Type: typ})
		}
	}
}

// Impl sets the implementation reference.
func Impl(ref string) NodeOpt {
	return func(s *ir.NodeSpec) { s.Op.Impl = ref }
}

// Params sets operator parameters.
func Params(p ir.Object) NodeOpt {
	return func(s *ir.NodeSpec) { s.Op.Params = p }
}

// Key appends a grouping key; order fields use "+f" or "-f".
func Key(group []string, order ...string) NodeOpt {
	return func(s *ir.NodeSpec) {
		k := ir.KeySpec{Group: group}
		for _, o := range order {
			k.Order = append(k.Order, ir.ParseOrdering(o))
		}
		s.Op.Keys = append(s.Op.Keys, k)
	}
}

// Join sets the master resource of a join operator.
func Join(masterKey, txKey []string, strategy ir.Strategy) NodeOpt {
	return func(s *ir.NodeSpec) {
		s.Op.Join = &ir.JoinResource{MasterKey: masterKey, TxKey: txKey, Strategy: strategy}
	}
}

// JoinSource names the node the master port reads from.
func JoinSource(name string) NodeOpt {
	return func(s *ir.NodeSpec) {
		if s.Op.Join != nil {
			s.Op.Join.Source = name
		}
	}
}

// Declared overrides the kind name as written in the flow description.
func Declared(kind string) NodeOpt {
	return func(s *ir.NodeSpec) { s.Op.DeclaredKind = kind }
}

// Observe sets the observation count.
func Observe(o ir.Observation) NodeOpt {
	return func(s *ir.NodeSpec) { s.Op.Observation = o }
}

// Volatile marks a node volatile.
func Volatile() NodeOpt {
	return func(s *ir.NodeSpec) { s.Op.Volatile = true }
}

// Size sets the size class of an external input.
func Size(d ir.DataSize) NodeOpt {
	return func(s *ir.NodeSpec) { s.Op.Size = d }
}

// Required marks an external output required.
func Required() NodeOpt {
	return func(s *ir.NodeSpec) { s.Op.Required = true }
}

// Args binds flow part parameters at a boundary.
func Args(a ir.Object) NodeOpt {
	return func(s *ir.NodeSpec) { s.Args = a }
}

// Add adds a node with no ports beyond those the options declare.
func (b *Builder) Add(name string, kind ir.Kind, opts ...NodeOpt) ir.NodeID {
	b.t.Helper()
	spec := ir.NodeSpec{Kind: kind, Op: ir.OperatorDescription{Name: name, DeclaredKind: kind.String()}}
	for _, opt := range opts {
		opt(&spec)
	}
	id, err := b.G.AddNode(spec)
	require.NoError(b.t, err)
	return id
}

// Op adds an operator with one input "in" and one output "out" of typ.
func (b *Builder) Op(name string, kind ir.Kind, typ string, opts ...NodeOpt) ir.NodeID {
	b.t.Helper()
	return b.Add(name, kind, append([]NodeOpt{Ins(typ, "in"), Outs(typ, "out")}, opts...)...)
}

// Input adds an external input with output port "out".
func (b *Builder) Input(name, typ string, opts ...NodeOpt) ir.NodeID {
	b.t.Helper()
	return b.Add(name, ir.KindExternalInput, append([]NodeOpt{Outs(typ, "out")}, opts...)...)
}

// Output adds an external output with input port "in".
func (b *Builder) Output(name, typ string, opts ...NodeOpt) ir.NodeID {
	b.t.Helper()
	return b.Add(name, ir.KindExternalOutput, append([]NodeOpt{Ins(typ, "in")}, opts...)...)
}

// Join adds a join operator with "master" and "tx" inputs and the given
// outputs, all typed by the transaction type unless an output is written as
// "name:type".
func (b *Builder) Join(name string, kind ir.Kind, masterType, txType string, outputs []string, opts ...NodeOpt) ir.NodeID {
	b.t.Helper()
	base := []NodeOpt{Ins(masterType, "master"), Ins(txType, "tx")}
	for _, o := range outputs {
		typ := txType
		if port, t, ok := strings.Cut(o, ":"); ok {
			o, typ = port, t
		}
		base = append(base, Outs(typ, o))
	}
	return b.Add(name, kind, append(base, opts...)...)
}

// Use adds a flow part boundary whose ports mirror the part's external
// inputs and outputs.
func (b *Builder) Use(name string, part *ir.FlowPart, opts ...NodeOpt) ir.NodeID {
	b.t.Helper()
	base := []NodeOpt{func(s *ir.NodeSpec) {
		s.Part = part
		s.Op.Part = part.Name
	}}
	pg := part.Graph
	for _, id := range pg.ExternalInputs() {
		n := pg.Node(id)
		base = append(base, Ins(pg.Port(n.Outputs[0]).Type, n.Op.Name))
	}
	for _, id := range pg.ExternalOutputs() {
		n := pg.Node(id)
		base = append(base, Outs(pg.Port(n.Inputs[0]).Type, n.Op.Name))
	}
	return b.Add(name, ir.KindFlowPart, append(base, opts...)...)
}

// Part wraps the builder's graph as a flow part.
func (b *Builder) Part(params ...string) *ir.FlowPart {
	return &ir.FlowPart{Name: b.G.Name, Params: params, Graph: b.G}
}

// Wire connects "node.port" to "node.port".
func (b *Builder) Wire(from, to string) ir.EdgeID {
	b.t.Helper()
	src := b.port(from, ir.DirOutput)
	dst := b.port(to, ir.DirInput)
	id, err := b.G.Connect(src, dst)
	require.NoError(b.t, err, "wire %s -> %s", from, to)
	return id
}

// Chain wires a sequence of "in"/"out" nodes: Chain("a", "b", "c") wires
// a.out to b.in and b.out to c.in.
func (b *Builder) Chain(names ...string) {
	b.t.Helper()
	for i := 1; i < len(names); i++ {
		b.Wire(names[i-1]+".out", names[i]+".in")
	}
}

// ID returns the node with the given name.
func (b *Builder) ID(name string) ir.NodeID {
	b.t.Helper()
	id, ok := b.G.Lookup(name)
	require.True(b.t, ok, "no node %q", name)
	return id
}

func (b *Builder) port(ref string, dir ir.Direction) ir.PortRef {
	b.t.Helper()
	node, port, ok := strings.Cut(ref, ".")
	require.True(b.t, ok, "port reference %q must be node.port", ref)
	id := b.ID(node)
	var r ir.PortRef
	if dir == ir.DirOutput {
		r = b.G.Output(id, port)
	} else {
		r = b.G.Input(id, port)
	}
	require.NotEqual(b.t, ir.NoPort, r.Port, "node %q has no %s port %q", node, dir, port)
	return r
}
