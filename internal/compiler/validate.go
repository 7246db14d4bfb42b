package compiler

import (
	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/ir"
)

// ValidateExternals reports external inputs or outputs that share a name,
// in g and in every flow part it instantiates. Inputs and outputs have
// separate namespaces. Reports all duplicates (does not fail-fast).
func ValidateExternals(g *ir.Graph, sink *diag.Sink) {
	seen := map[*ir.Graph]bool{}
	var walk func(g *ir.Graph, where string)
	walk = func(g *ir.Graph, where string) {
		if seen[g] {
			return
		}
		seen[g] = true
		checkDuplicateNames(g, g.ExternalInputs(), "input", where, sink)
		checkDuplicateNames(g, g.ExternalOutputs(), "output", where, sink)
		for _, id := range g.Nodes() {
			if n := g.Node(id); n.Kind == ir.KindFlowPart && n.Part != nil && n.Part.Graph != nil {
				walk(n.Part.Graph, n.Part.Name)
			}
		}
	}
	walk(g, g.Name)
}

func checkDuplicateNames(g *ir.Graph, ids []ir.NodeID, what, where string, sink *diag.Sink) {
	first := map[string]ir.NodeID{}
	for _, id := range ids {
		name := g.Node(id).Op.Name
		if prev, dup := first[name]; dup {
			sink.Errorf(diag.DuplicateExternalName, where+"/"+name,
				"external %s %q declared twice (declarations %s and %s)",
				what, name, g.Node(prev).Decl, g.Node(id).Decl)
			continue
		}
		first[name] = id
	}
}

// ValidateReachability checks the flattened graph:
//   - every external output is reachable from at least one external input
//     (a warning, or an error when the output is marked required)
//   - every operator has a path to an external output or to an observed
//     operator (a warning; the node is kept unless the optimizer prunes it)
func ValidateReachability(g *ir.Graph, sink *diag.Sink) {
	fromInputs := forwardReach(g, g.ExternalInputs())
	for _, id := range g.ExternalOutputs() {
		if fromInputs[id] {
			continue
		}
		n := g.Node(id)
		sev := diag.SeverityWarning
		if n.Op.Required {
			sev = diag.SeverityError
		}
		sink.Report(sev, diag.UnreachableOutput, n.QualifiedName(),
			"external output %q is not reachable from any external input", n.Op.Name)
	}

	live := liveNodes(g)
	for _, id := range sortedByDecl(g, g.Nodes()) {
		n := g.Node(id)
		if live[id] || n.Kind.Category() == ir.CategoryExternal || n.Kind == ir.KindStop {
			continue
		}
		sink.Warnf(diag.UnusedNode, n.QualifiedName(),
			"%s %q has no path to an external output", n.Kind, n.QualifiedName())
	}
}

// forwardReach returns every node reachable from roots along edges.
func forwardReach(g *ir.Graph, roots []ir.NodeID) map[ir.NodeID]bool {
	seen := make(map[ir.NodeID]bool)
	stack := append([]ir.NodeID(nil), roots...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.Successors(n)...)
	}
	return seen
}

// liveNodes returns every node with a path to an external output or an
// observed operator, including those targets themselves.
func liveNodes(g *ir.Graph) map[ir.NodeID]bool {
	var roots []ir.NodeID
	for _, id := range g.Nodes() {
		n := g.Node(id)
		if n.Kind == ir.KindExternalOutput || n.Op.Observation.Observed() || n.Kind == ir.KindLogging {
			roots = append(roots, id)
		}
	}
	seen := make(map[ir.NodeID]bool)
	stack := roots
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.Predecessors(n)...)
	}
	return seen
}
