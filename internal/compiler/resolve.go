package compiler

import (
	"strings"

	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/ir"
)

// Resolve validates every node of a flattened graph against the signature of
// its kind and attaches the resolver's metadata. It returns a frozen copy of
// g; nodes that failed to resolve keep a nil Resolved.
func Resolve(g *ir.Graph, sink *diag.Sink, o Options) *ir.Graph {
	out := g.Clone()
	for _, id := range sortedByDecl(out, out.Nodes()) {
		n := out.Node(id)
		if n.Kind == ir.KindFlowPart {
			// Left behind by a failed expansion, already reported.
			continue
		}
		r, ok := resolveNode(out, n, sink, o)
		if !ok {
			continue
		}
		if err := out.SetResolved(id, r); err != nil {
			sink.Errorf(diag.UnresolvedOperator, n.QualifiedName(), "%v", err)
		}
	}
	return out.Freeze()
}

func resolveNode(g *ir.Graph, n *ir.Node, sink *diag.Sink, o Options) (*ir.Resolved, bool) {
	loc := n.QualifiedName()
	sig, known := signatures[n.Kind]
	if n.Kind == ir.KindUnknown || !known {
		sink.Errorf(diag.UnresolvedOperator, loc, "unknown operator kind %q", n.Op.DeclaredKind)
		return nil, false
	}
	before := sink.Errors()

	if !countOK(len(n.Inputs), sig.minIn, sig.maxIn) {
		sink.Errorf(diag.PortArityMismatch, loc, "%s takes %s input port(s), has %d",
			n.Kind, describeRange(sig.minIn, sig.maxIn), len(n.Inputs))
	}
	if !countOK(len(n.Outputs), sig.minOut, sig.maxOut) {
		sink.Errorf(diag.PortArityMismatch, loc, "%s takes %s output port(s), has %d",
			n.Kind, describeRange(sig.minOut, sig.maxOut), len(n.Outputs))
	}
	for i, name := range sig.inNames {
		if i >= len(n.Inputs) || g.Port(n.Inputs[i]).Name != name {
			sink.Errorf(diag.PortArityMismatch, loc, "%s input %d must be named %q", n.Kind, i, name)
		}
	}
	for _, name := range sig.outNames {
		if findPortByName(g, n.Outputs, name) == ir.NoPort {
			sink.Errorf(diag.PortArityMismatch, loc, "%s has no %q output port", n.Kind, name)
		}
	}

	if sig.needsImpl {
		switch {
		case n.Op.Impl == "":
			sink.Errorf(diag.UnresolvedOperator, loc, "%s needs an implementation reference", n.Kind)
		case o.Catalog != nil && !o.Catalog.Has(n.Op.Impl):
			sink.Errorf(diag.UnresolvedOperator, loc, "unknown implementation %q", n.Op.Impl)
		}
	}

	for i, p := range n.Inputs {
		if _, bound := g.Incoming(p); bound || n.Kind == ir.KindExternalOutput {
			// Unfed external outputs are reported by reachability.
			continue
		}
		if n.Kind.IsJoin() && i == masterPort {
			sink.Errorf(diag.MissingResource, loc, "master port of %s has no producer", n.Kind)
			continue
		}
		sink.Errorf(diag.PortArityMismatch, loc, "input port %q is not connected", g.Port(p).Name)
	}

	checkSameType(g, n, sig, sink)
	checkKeys(g, n, sig, sink)
	if n.Kind.IsJoin() {
		checkJoin(g, n, sink)
	}

	if sink.Errors() > before {
		return nil, false
	}

	r := &ir.Resolved{
		Requires:    make([]*ir.KeySpec, len(n.Inputs)),
		Broadcast:   make([]bool, len(n.Inputs)),
		PassThrough: sig.passThrough,
		RecordWise:  sig.recordWise,
	}
	switch {
	case n.Kind.IsJoin():
		joinResolution(n, r, masterSize(g, n), o.BroadcastThreshold, o.ForceStrategy)
	case n.Kind == ir.KindFold || n.Kind == ir.KindSummarize:
		key := n.Op.Keys[0]
		r.Requires[0] = &key
		r.Emits = &ir.KeySpec{Group: key.Group}
	case n.Kind == ir.KindGroupSort:
		key := n.Op.Keys[0]
		r.Requires[0] = &key
	case n.Kind == ir.KindCoGroup:
		for i := range n.Inputs {
			key := n.Op.Keys[i]
			r.Requires[i] = &key
		}
	}
	return r, true
}

// checkSameType enforces the signature's type relation between the primary
// input and the listed outputs. Confluent also requires every input to agree.
func checkSameType(g *ir.Graph, n *ir.Node, sig signature, sink *diag.Sink) {
	primary := 0
	if n.Kind.IsJoin() {
		primary = txPort
	}
	if len(sig.sameType) == 0 || primary >= len(n.Inputs) {
		return
	}
	want := g.Port(n.Inputs[primary]).Type
	if n.Kind == ir.KindConfluent {
		for _, p := range n.Inputs[1:] {
			if t := g.Port(p).Type; t != want {
				sink.Errorf(diag.TypeMismatch, n.QualifiedName(),
					"confluent input %q has type %s, expected %s", g.Port(p).Name, t, want)
			}
		}
	}
	for _, p := range n.Outputs {
		port := g.Port(p)
		if !matchesAny(sig.sameType, port.Name) || port.Type == want {
			continue
		}
		sink.Errorf(diag.TypeMismatch, n.QualifiedName(),
			"%s output %q has type %s, expected %s", n.Kind, port.Name, port.Type, want)
	}
}

func matchesAny(names []string, name string) bool {
	for _, n := range names {
		if n == "*" || n == name {
			return true
		}
	}
	return false
}

func checkKeys(g *ir.Graph, n *ir.Node, sig signature, sink *diag.Sink) {
	loc := n.QualifiedName()
	want := sig.keys
	if want == keysPerInput {
		want = len(n.Inputs)
	}
	if len(n.Op.Keys) != want {
		sink.Errorf(diag.PortArityMismatch, loc, "%s expects %d key(s), has %d", n.Kind, want, len(n.Op.Keys))
		return
	}
	for i := range n.Op.Keys {
		if len(n.Op.Keys[i].Group) == 0 && len(n.Op.Keys[i].Order) == 0 {
			sink.Errorf(diag.TypeMismatch, loc, "key %d of %s is empty", i, n.Kind)
			continue
		}
		if i >= len(n.Inputs) {
			continue
		}
		checkFields(g, n.Inputs[i], n.Op.Keys[i].Fields(), loc, sink)
	}
}

// checkFields reports fields missing from the record type of port p. Ports
// whose type is not in the schema are not checked.
func checkFields(g *ir.Graph, p ir.PortID, fields []string, loc string, sink *diag.Sink) []ir.FieldDef {
	port := g.Port(p)
	rt, ok := g.Schema.Lookup(port.Type)
	if !ok {
		return nil
	}
	defs := make([]ir.FieldDef, 0, len(fields))
	for _, f := range fields {
		def, found := rt.Field(f)
		if !found {
			sink.Errorf(diag.TypeMismatch, loc, "key field %q is not a field of %s (port %q)", f, rt.Name, port.Name)
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

func checkJoin(g *ir.Graph, n *ir.Node, sink *diag.Sink) {
	loc := n.QualifiedName()
	j := n.Op.Join
	if j == nil {
		sink.Errorf(diag.MissingResource, loc, "%s declares no master resource", n.Kind)
		return
	}
	if len(j.MasterKey) == 0 || len(j.MasterKey) != len(j.TxKey) {
		sink.Errorf(diag.TypeMismatch, loc, "master key %v and transaction key %v differ in length",
			j.MasterKey, j.TxKey)
	} else if len(n.Inputs) == 2 {
		master := checkFields(g, n.Inputs[masterPort], j.MasterKey, loc, sink)
		tx := checkFields(g, n.Inputs[txPort], j.TxKey, loc, sink)
		if len(master) == len(j.MasterKey) && len(tx) == len(j.TxKey) {
			for i := range master {
				if master[i].Type != tx[i].Type && master[i].Type != ir.TypeAny && tx[i].Type != ir.TypeAny {
					sink.Errorf(diag.TypeMismatch, loc, "join key %s (%s) does not match %s (%s)",
						master[i].Name, master[i].Type, tx[i].Name, tx[i].Type)
				}
			}
		}
	}
	if j.Source != "" {
		if _, ok := lookupScoped(g, n.Op.Origin, j.Source); !ok {
			sink.Errorf(diag.MissingResource, loc, "master source %q does not exist", j.Source)
		}
	}
}

// lookupScoped resolves a node name relative to the flow part instance a
// node came from, innermost scope first.
func lookupScoped(g *ir.Graph, origin []string, name string) (ir.NodeID, bool) {
	for i := len(origin); i > 0; i-- {
		if id, ok := g.Lookup(strings.Join(origin[:i], "/") + "/" + name); ok {
			return id, true
		}
	}
	return g.Lookup(name)
}
