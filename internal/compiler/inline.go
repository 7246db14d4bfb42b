package compiler

import (
	"errors"
	"slices"
	"strings"

	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/ir"
)

// expansion is one pending flow part boundary. path holds the parts already
// being expanded around it, outermost first.
type expansion struct {
	node ir.NodeID
	path []*ir.FlowPart
}

// Inline replaces every flow part boundary with a deep copy of the part's
// graph, at any nesting depth. Boundaries are expanded from an explicit
// worklist; a part that instantiates itself, directly or through other parts,
// is reported as RecursiveFlowPart and left unexpanded.
//
// A graph without boundaries is returned as is (frozen), so inlining is
// idempotent.
func Inline(g *ir.Graph, sink *diag.Sink) *ir.Graph {
	if len(boundaries(g)) == 0 {
		return g.Freeze()
	}
	out := g.Clone()
	var work []expansion
	for _, id := range boundaries(out) {
		work = append(work, expansion{node: id})
	}
	for len(work) > 0 {
		item := work[0]
		work = work[1:]
		work = append(work, expand(out, item, sink)...)
	}
	return out.Freeze()
}

func boundaries(g *ir.Graph) []ir.NodeID {
	var out []ir.NodeID
	for _, id := range sortedByDecl(g, g.Nodes()) {
		if g.Node(id).Kind == ir.KindFlowPart {
			out = append(out, id)
		}
	}
	return out
}

// portLink is a connection to make once the boundary is gone.
type portLink struct {
	from, to ir.PortID
}

func expand(out *ir.Graph, item expansion, sink *diag.Sink) []expansion {
	b := out.Node(item.node)
	loc := b.QualifiedName()
	part := b.Part
	if part == nil || part.Graph == nil {
		sink.Errorf(diag.UnresolvedOperator, loc, "flow part %q is not defined", b.Op.Part)
		return nil
	}
	if slices.Contains(item.path, part) {
		chain := make([]string, 0, len(item.path)+1)
		for _, p := range item.path {
			chain = append(chain, p.Name)
		}
		chain = append(chain, part.Name)
		sink.Errorf(diag.RecursiveFlowPart, loc,
			"flow part %q instantiates itself: %s", part.Name, strings.Join(chain, " → "))
		return nil
	}
	path := append(slices.Clone(item.path), part)
	inner := part.Graph
	origin := append(slices.Clone(b.Op.Origin), b.Op.Name)

	// Copy operators with fresh handles. Declaration paths nest under the
	// boundary so ordering stays stable.
	mapped := make(map[ir.NodeID]ir.NodeID)
	var nested []expansion
	for _, id := range sortedByDecl(inner, inner.Nodes()) {
		n := inner.Node(id)
		if n.Kind.Category() == ir.CategoryExternal {
			continue
		}
		op := n.Op
		op.Origin = append(slices.Clone(origin), n.Op.Origin...)
		op.Params = bindParams(op.Params, b.Args, part, loc, sink)
		args := bindParams(n.Args, b.Args, part, loc, sink)
		newID, err := out.AddNode(ir.NodeSpec{
			Kind:    n.Kind,
			Op:      op,
			Inputs:  portSpecs(inner, n.Inputs),
			Outputs: portSpecs(inner, n.Outputs),
			Part:    n.Part,
			Args:    args,
			Decl:    append(slices.Clone(b.Decl), n.Decl...),
		})
		if err != nil {
			sink.Errorf(diag.UnresolvedOperator, loc, "copy %s: %v", n.QualifiedName(), err)
			continue
		}
		mapped[id] = newID
		if n.Kind == ir.KindFlowPart {
			nested = append(nested, expansion{node: newID, path: path})
		}
	}
	portOf := func(p ir.PortID) ir.PortID {
		port := inner.Port(p)
		n := out.Node(mapped[port.Node])
		if port.Dir == ir.DirInput {
			return n.Inputs[port.Ordinal]
		}
		return n.Outputs[port.Ordinal]
	}

	var links []portLink
	for _, eid := range inner.Edges() {
		e := inner.Edge(eid)
		_, fromOK := mapped[inner.Port(e.From).Node]
		_, toOK := mapped[inner.Port(e.To).Node]
		if fromOK && toOK {
			links = append(links, portLink{portOf(e.From), portOf(e.To)})
		}
	}

	// outerSource maps an internal output port to the port that feeds it
	// from outside: internal external inputs resolve to the producer of the
	// matching boundary input.
	outerSource := func(p ir.PortID) (ir.PortID, bool) {
		n := inner.Node(inner.Port(p).Node)
		if n.Kind != ir.KindExternalInput {
			return portOf(p), true
		}
		bp := findPortByName(out, b.Inputs, n.Op.Name)
		if bp == ir.NoPort {
			return ir.NoPort, false
		}
		return out.Producer(bp)
	}

	for _, bp := range b.Inputs {
		name := out.Port(bp).Name
		in, ok := part.InputNode(name)
		if !ok {
			sink.Errorf(diag.PortArityMismatch, loc, "flow part %q has no input %q", part.Name, name)
			continue
		}
		src, ok := out.Producer(bp)
		if !ok {
			sink.Errorf(diag.PortArityMismatch, loc, "input %q of flow part instance is not connected", name)
			continue
		}
		for _, eid := range inner.Outgoing(inner.Node(in).Outputs[0]) {
			dst := inner.Port(inner.Edge(eid).To)
			if inner.Node(dst.Node).Kind == ir.KindExternalOutput {
				continue // part input wired straight to a part output, handled below
			}
			links = append(links, portLink{src, portOf(dst.ID)})
		}
	}

	for _, bp := range b.Outputs {
		name := out.Port(bp).Name
		outNode, ok := part.OutputNode(name)
		if !ok {
			sink.Errorf(diag.PortArityMismatch, loc, "flow part %q has no output %q", part.Name, name)
			continue
		}
		innerSrc, ok := inner.Producer(inner.Node(outNode).Inputs[0])
		if !ok {
			sink.Errorf(diag.PortArityMismatch, loc, "output %q of flow part %q is not connected", name, part.Name)
			continue
		}
		src, ok := outerSource(innerSrc)
		if !ok {
			continue
		}
		for _, eid := range out.Outgoing(bp) {
			links = append(links, portLink{src, out.Edge(eid).To})
		}
	}

	if err := out.RemoveNode(b.ID); err != nil {
		sink.Errorf(diag.UnresolvedOperator, loc, "remove boundary: %v", err)
		return nested
	}
	for _, l := range links {
		if _, err := out.Connect(out.Ref(l.from), out.Ref(l.to)); err != nil {
			kind := diag.PortArityMismatch
			if errors.Is(err, ir.ErrTypeMismatch) {
				kind = diag.TypeMismatch
			}
			sink.Errorf(kind, loc, "%v", err)
		}
	}
	return nested
}

func portSpecs(g *ir.Graph, ports []ir.PortID) []ir.PortSpec {
	out := make([]ir.PortSpec, len(ports))
	for i, p := range ports {
		port := g.Port(p)
		out[i] = ir.PortSpec{Name: port.Name, Type: port.Type}
	}
	return out
}

func findPortByName(g *ir.Graph, ports []ir.PortID, name string) ir.PortID {
	for _, p := range ports {
		if g.Port(p).Name == name {
			return p
		}
	}
	return ir.NoPort
}

// bindParams replaces "${name}" placeholders with boundary arguments.
// Unbound placeholders are reported and left in place.
func bindParams(params, args ir.Object, part *ir.FlowPart, loc string, sink *diag.Sink) ir.Object {
	if params == nil {
		return nil
	}
	bound, _ := bindValue(params, args, part, loc, sink).(ir.Object)
	return bound
}

func bindValue(v ir.Value, args ir.Object, part *ir.FlowPart, loc string, sink *diag.Sink) ir.Value {
	if name, ok := ir.Placeholder(v); ok {
		if arg, found := args[name]; found {
			return arg
		}
		sink.Errorf(diag.UnboundParameter, loc, "parameter %q of flow part %q is not bound", name, part.Name)
		return v
	}
	switch val := v.(type) {
	case ir.Object:
		out := make(ir.Object, len(val))
		for _, k := range val.SortedKeys() {
			out[k] = bindValue(val[k], args, part, loc, sink)
		}
		return out
	case ir.Array:
		out := make(ir.Array, len(val))
		for i, elem := range val {
			out[i] = bindValue(elem, args, part, loc, sink)
		}
		return out
	}
	return v
}
