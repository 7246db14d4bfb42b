package compiler

import (
	"container/heap"
	"slices"
	"strings"

	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/ir"
)

// Order computes the processing order of g: every node after all of its
// producers, ties broken by ascending declaration order so repeated
// compilations produce identical output.
//
// If g has a cycle, Order reports CyclicDependency naming the shortest cycle
// and returns false. This is the only fatal diagnostic of the pipeline.
func Order(g *ir.Graph, sink *diag.Sink) ([]ir.NodeID, bool) {
	order, rest := topoSort(g)
	if len(rest) == 0 {
		return order, true
	}
	cycles := findCycles(g, rest)
	if len(cycles) == 0 {
		// Unreachable for a well-formed arena: rest is non-empty only when a
		// cycle exists.
		sink.Errorf(diag.CyclicDependency, g.Name, "%d node(s) could not be ordered", len(rest))
		return nil, false
	}
	c := cycles[0]
	names := make([]string, 0, len(c)+1)
	for _, id := range c {
		names = append(names, g.Node(id).QualifiedName())
	}
	names = append(names, names[0])
	sink.Errorf(diag.CyclicDependency, names[0], "cycle detected: %s", strings.Join(names, " → "))
	return nil, false
}

// declHeap is a min-heap of nodes keyed by declaration order.
type declHeap struct {
	g   *ir.Graph
	ids []ir.NodeID
}

func (h *declHeap) Len() int { return len(h.ids) }
func (h *declHeap) Less(i, j int) bool {
	return h.g.Node(h.ids[i]).Decl.Compare(h.g.Node(h.ids[j]).Decl) < 0
}
func (h *declHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }
func (h *declHeap) Push(x any)   { h.ids = append(h.ids, x.(ir.NodeID)) }
func (h *declHeap) Pop() any {
	last := h.ids[len(h.ids)-1]
	h.ids = h.ids[:len(h.ids)-1]
	return last
}

// topoSort runs Kahn's algorithm. rest holds the nodes that could not be
// scheduled because they lie on or behind a cycle, in declaration order.
func topoSort(g *ir.Graph) (order, rest []ir.NodeID) {
	indegree := make(map[ir.NodeID]int)
	ready := &declHeap{g: g}
	for _, id := range g.Nodes() {
		n := g.Node(id)
		for _, p := range n.Inputs {
			if _, ok := g.Incoming(p); ok {
				indegree[id]++
			}
		}
		if indegree[id] == 0 {
			ready.ids = append(ready.ids, id)
		}
	}
	heap.Init(ready)
	for ready.Len() > 0 {
		id := heap.Pop(ready).(ir.NodeID)
		order = append(order, id)
		for _, p := range g.Node(id).Outputs {
			for _, e := range g.Outgoing(p) {
				next := g.Port(g.Edge(e).To).Node
				indegree[next]--
				if indegree[next] == 0 {
					heap.Push(ready, next)
				}
			}
		}
	}
	if len(order) == g.NodeCount() {
		return order, nil
	}
	done := make(map[ir.NodeID]bool, len(order))
	for _, id := range order {
		done[id] = true
	}
	for _, id := range sortedByDecl(g, g.Nodes()) {
		if !done[id] {
			rest = append(rest, id)
		}
	}
	return order, rest
}

// sortedByDecl returns a copy of ids in declaration order.
func sortedByDecl(g *ir.Graph, ids []ir.NodeID) []ir.NodeID {
	out := slices.Clone(ids)
	slices.SortStableFunc(out, func(a, b ir.NodeID) int {
		return g.Node(a).Decl.Compare(g.Node(b).Decl)
	})
	return out
}
