package compiler

import (
	"slices"

	"github.com/roach88/flowc/internal/ir"
)

// findCycles returns one cycle per strongly connected component of the
// subgraph induced by within: the shortest cycle in that component, rotated
// to start at its earliest-declared node. Cycles are sorted shortest first,
// then by declaration order, so cycles[0] is the representative to report.
//
// The algorithm:
//  1. Tarjan's algorithm finds the strongly connected components
//  2. Components of size 1 without a self-loop are not cycles
//  3. A BFS from every member finds the shortest cycle through it
func findCycles(g *ir.Graph, within []ir.NodeID) [][]ir.NodeID {
	member := make(map[ir.NodeID]bool, len(within))
	for _, id := range within {
		member[id] = true
	}
	succ := func(id ir.NodeID) []ir.NodeID {
		var out []ir.NodeID
		for _, s := range g.Successors(id) {
			if member[s] {
				out = append(out, s)
			}
		}
		return out
	}

	var cycles [][]ir.NodeID
	for _, scc := range tarjanSCC(within, succ) {
		if len(scc) == 1 && !slices.Contains(succ(scc[0]), scc[0]) {
			continue
		}
		inSCC := make(map[ir.NodeID]bool, len(scc))
		for _, id := range scc {
			inSCC[id] = true
		}
		var best []ir.NodeID
		for _, start := range sortedByDecl(g, scc) {
			c := shortestCycleThrough(start, succ, inSCC)
			if c == nil {
				continue
			}
			c = rotateToEarliest(g, c)
			if best == nil || len(c) < len(best) || (len(c) == len(best) && compareCycles(g, c, best) < 0) {
				best = c
			}
		}
		if best != nil {
			cycles = append(cycles, best)
		}
	}
	slices.SortStableFunc(cycles, func(a, b []ir.NodeID) int {
		if len(a) != len(b) {
			return len(a) - len(b)
		}
		return compareCycles(g, a, b)
	})
	return cycles
}

// tarjanSCC finds strongly connected components. Nodes are visited in the
// order given so the result is deterministic.
func tarjanSCC(nodes []ir.NodeID, succ func(ir.NodeID) []ir.NodeID) [][]ir.NodeID {
	var (
		index   = 0
		stack   []ir.NodeID
		indices = make(map[ir.NodeID]int)
		lowlink = make(map[ir.NodeID]int)
		onStack = make(map[ir.NodeID]bool)
		sccs    [][]ir.NodeID
	)

	var strongConnect func(ir.NodeID)
	strongConnect = func(v ir.NodeID) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range succ(v) {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is the root of a component: pop it.
		if lowlink[v] == indices[v] {
			var scc []ir.NodeID
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return sccs
}

// shortestCycleThrough runs a BFS from start's successors back to start,
// staying inside allowed. The returned path starts at start and does not
// repeat it at the end.
func shortestCycleThrough(start ir.NodeID, succ func(ir.NodeID) []ir.NodeID, allowed map[ir.NodeID]bool) []ir.NodeID {
	parent := map[ir.NodeID]ir.NodeID{}
	queue := []ir.NodeID{start}
	seen := map[ir.NodeID]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range succ(cur) {
			if !allowed[next] {
				continue
			}
			if next == start {
				path := []ir.NodeID{cur}
				for cur != start {
					cur = parent[cur]
					path = append(path, cur)
				}
				slices.Reverse(path)
				return path
			}
			if !seen[next] {
				seen[next] = true
				parent[next] = cur
				queue = append(queue, next)
			}
		}
	}
	return nil
}

func rotateToEarliest(g *ir.Graph, c []ir.NodeID) []ir.NodeID {
	best := 0
	for i := range c {
		if g.Node(c[i]).Decl.Compare(g.Node(c[best]).Decl) < 0 {
			best = i
		}
	}
	return append(slices.Clone(c[best:]), c[:best]...)
}

func compareCycles(g *ir.Graph, a, b []ir.NodeID) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := g.Node(a[i]).Decl.Compare(g.Node(b[i]).Decl); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}
