package compiler

import (
	"github.com/roach88/flowc/internal/ir"
)

// Optimized is the outcome of the optimizer.
type Optimized struct {
	Graph  *ir.Graph
	Units  []ir.FusedUnit
	Merged int
	Pruned int
}

// Optimize eliminates duplicate operators, optionally prunes nodes that
// reach no external output, and groups record-wise chains into fused units.
// A cyclic graph is returned untouched so the orderer can report the cycle.
func Optimize(g *ir.Graph, prune bool) Optimized {
	order, rest := topoSort(g)
	if len(rest) > 0 {
		return Optimized{Graph: g, Units: singletonUnits(g)}
	}
	out := g.Clone()
	merged := dedupe(out, order)
	pruned := 0
	if prune {
		pruned = pruneDead(out)
	}
	out.Freeze()
	return Optimized{Graph: out, Units: fuse(out), Merged: merged, Pruned: pruned}
}

// mergeable reports whether n may be replaced by an equivalent node.
func mergeable(n *ir.Node) bool {
	switch {
	case n.Kind.Category() == ir.CategoryExternal, n.Kind == ir.KindLogging:
		return false
	case n.Op.Volatile, n.Op.Observation.Observed():
		return false
	}
	return n.Resolved != nil
}

// fingerprint identifies a node by its description and by what feeds it.
// Producers are already representatives because nodes are visited in
// dependency order and duplicates are rewired as soon as they are found.
func fingerprint(g *ir.Graph, n *ir.Node) (string, error) {
	inputs := make(ir.Array, len(n.Inputs))
	for i, p := range n.Inputs {
		src, ok := g.Producer(p)
		if !ok {
			inputs[i] = ir.Null{}
			continue
		}
		port := g.Port(src)
		inputs[i] = ir.Array{ir.Int(port.Node), ir.Int(port.Ordinal)}
	}
	return ir.Fingerprint(ir.DomainNode, ir.Obj(
		ir.F("node", n.Describe(g)),
		ir.F("inputs", inputs),
	))
}

// dedupe merges structurally identical nodes into the earliest declared one
// and returns how many nodes were removed.
func dedupe(g *ir.Graph, order []ir.NodeID) int {
	seen := make(map[string]ir.NodeID)
	merged := 0
	for _, id := range order {
		n := g.Node(id)
		if n == nil || !mergeable(n) {
			continue
		}
		fp, err := fingerprint(g, n)
		if err != nil {
			continue
		}
		survivor, dup := seen[fp]
		if !dup {
			seen[fp] = id
			continue
		}
		if redirect(g, n, g.Node(survivor)) == nil {
			merged++
		}
	}
	return merged
}

// redirect moves every consumer of dup to the matching output port of
// survivor, then removes dup.
func redirect(g *ir.Graph, dup, survivor *ir.Node) error {
	for k, p := range dup.Outputs {
		for _, e := range g.Outgoing(p) {
			to := g.Edge(e).To
			if err := g.RemoveEdge(e); err != nil {
				return err
			}
			if _, err := g.Connect(g.Ref(survivor.Outputs[k]), g.Ref(to)); err != nil {
				return err
			}
		}
	}
	return g.RemoveNode(dup.ID)
}

// pruneDead removes operators with no path to an external output or an
// observed node. External inputs stay: they are part of the flow's contract.
func pruneDead(g *ir.Graph) int {
	live := liveNodes(g)
	pruned := 0
	for _, id := range sortedByDecl(g, g.Nodes()) {
		n := g.Node(id)
		if live[id] || n.Kind == ir.KindExternalInput {
			continue
		}
		if g.RemoveNode(id) == nil {
			pruned++
		}
	}
	return pruned
}

// fusible reports whether n can be part of a fused chain.
func fusible(n *ir.Node) bool {
	return n.Resolved != nil && n.Resolved.RecordWise && len(n.Inputs) == 1 && len(n.Outputs) == 1
}

// fuse groups maximal chains of record-wise operators. Every operator
// belongs to exactly one unit; operators that cannot fuse form singletons.
func fuse(g *ir.Graph) []ir.FusedUnit {
	order, _ := topoSort(g)
	unitOf := make(map[ir.NodeID]int)
	var units []ir.FusedUnit
	for _, id := range order {
		n := g.Node(id)
		if n.Kind.Category() == ir.CategoryExternal {
			continue
		}
		if prev, ok := fusedPredecessor(g, n); ok {
			u := unitOf[prev]
			units[u].Nodes = append(units[u].Nodes, id)
			unitOf[id] = u
			continue
		}
		unitOf[id] = len(units)
		units = append(units, ir.FusedUnit{Nodes: []ir.NodeID{id}})
	}
	return units
}

// fusedPredecessor returns the node n extends a chain of: a fusible producer
// whose only consumer is n, which must itself be fusible and impose no key.
func fusedPredecessor(g *ir.Graph, n *ir.Node) (ir.NodeID, bool) {
	if !fusible(n) || n.Resolved.Requires[0] != nil || n.Resolved.Broadcast[0] {
		return 0, false
	}
	src, ok := g.Producer(n.Inputs[0])
	if !ok || len(g.Outgoing(src)) != 1 {
		return 0, false
	}
	p := g.Node(g.Port(src).Node)
	if p.Kind.Category() == ir.CategoryExternal || !fusible(p) {
		return 0, false
	}
	return p.ID, true
}

// singletonUnits gives every operator its own unit.
func singletonUnits(g *ir.Graph) []ir.FusedUnit {
	var units []ir.FusedUnit
	for _, id := range sortedByDecl(g, g.Nodes()) {
		if g.Node(id).Kind.Category() != ir.CategoryExternal {
			units = append(units, ir.FusedUnit{Nodes: []ir.NodeID{id}})
		}
	}
	return units
}
