package compiler

import (
	"container/heap"
	"slices"

	"github.com/roach88/flowc/internal/ir"
)

// edgeClass is the partitioner's first classification of an edge. Candidate
// local edges become local or barrier channels once stages are formed.
type edgeClass uint8

const (
	classLocal edgeClass = iota
	classDirect
	classShuffle
	classBroadcast
	classSink
	classBarrier
)

// partitioner holds the working state of one Partition call.
type partitioner struct {
	g     *ir.Graph
	order []ir.NodeID
	pos   map[ir.NodeID]int

	emits map[ir.NodeID]*ir.KeySpec
	class map[ir.EdgeID]edgeClass

	// Stage formation: union-find over provisional stage ids.
	stageOf map[ir.NodeID]int
	parent  []int
	deps    []map[int]bool
}

// Partition splits an ordered, resolved graph into stages connected by
// channels. order must be a topological order of g.
func Partition(g *ir.Graph, order []ir.NodeID, units []ir.FusedUnit) *ir.StageGraph {
	p := &partitioner{
		g:       g,
		order:   order,
		pos:     make(map[ir.NodeID]int, len(order)),
		emits:   make(map[ir.NodeID]*ir.KeySpec),
		class:   make(map[ir.EdgeID]edgeClass),
		stageOf: make(map[ir.NodeID]int),
	}
	for i, id := range order {
		p.pos[id] = i
	}
	p.computeEmits()
	p.classify()
	p.formStages()
	return p.build(units)
}

// computeEmits derives the partitioning of every node's output.
func (p *partitioner) computeEmits() {
	for _, id := range p.order {
		n := p.g.Node(id)
		r := n.Resolved
		switch {
		case r == nil:
		case r.PassThrough:
			p.emits[id] = p.sharedInputPartitioning(n)
		default:
			p.emits[id] = r.Emits
		}
	}
}

// sharedInputPartitioning is the partitioning all non-broadcast inputs of n
// agree on, or nil.
func (p *partitioner) sharedInputPartitioning(n *ir.Node) *ir.KeySpec {
	var shared *ir.KeySpec
	first := true
	for i, port := range n.Inputs {
		if n.Resolved.Broadcast[i] {
			continue
		}
		src, ok := p.g.Producer(port)
		if !ok {
			return nil
		}
		k := p.emits[p.g.Port(src).Node]
		if first {
			shared, first = k, false
			continue
		}
		if !shared.Equal(k) {
			return nil
		}
	}
	return shared
}

func (p *partitioner) classify() {
	for _, eid := range p.g.Edges() {
		e := p.g.Edge(eid)
		from, to := p.g.Port(e.From), p.g.Port(e.To)
		producer, consumer := p.g.Node(from.Node), p.g.Node(to.Node)
		switch {
		case consumer.Kind == ir.KindExternalOutput:
			p.class[eid] = classSink
		case consumer.Resolved.Broadcast[to.Ordinal]:
			p.class[eid] = classBroadcast
		case p.needsShuffle(producer, consumer, to.Ordinal):
			p.class[eid] = classShuffle
		case producer.Kind == ir.KindExternalInput:
			p.class[eid] = classDirect
		default:
			p.class[eid] = classLocal
		}
	}
}

// needsShuffle reports whether the consumer requires a partitioning that the
// producer does not already provide. External inputs provide none.
func (p *partitioner) needsShuffle(producer, consumer *ir.Node, ordinal int) bool {
	req := consumer.Resolved.Requires[ordinal]
	if req == nil {
		return false
	}
	if producer.Kind == ir.KindExternalInput {
		return true
	}
	return !req.Equal(p.emits[producer.ID])
}

func (p *partitioner) find(s int) int {
	for p.parent[s] != s {
		p.parent[s] = p.parent[p.parent[s]]
		s = p.parent[s]
	}
	return s
}

// ancestors returns every stage s transitively depends on, on the current
// stage graph.
func (p *partitioner) ancestors(s int, into map[int]bool) {
	stack := []int{p.find(s)}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for d := range p.deps[cur] {
			d = p.find(d)
			if !into[d] {
				into[d] = true
				stack = append(stack, d)
			}
		}
	}
}

// formStages places every operator in a stage. A node joins the stages of
// its local producers unless one of them is already an ancestor of the
// node, in which case that edge becomes a barrier.
func (p *partitioner) formStages() {
	for _, id := range p.order {
		n := p.g.Node(id)
		if n.Kind.Category() == ir.CategoryExternal {
			continue
		}
		direct := map[int]bool{}
		var local []int
		var localEdges []ir.EdgeID
		for _, port := range n.Inputs {
			eid, ok := p.g.Incoming(port)
			if !ok {
				continue
			}
			src := p.g.Port(p.g.Edge(eid).From).Node
			if p.g.Node(src).Kind == ir.KindExternalInput {
				continue
			}
			s := p.find(p.stageOf[src])
			if p.class[eid] == classLocal {
				local = append(local, s)
				localEdges = append(localEdges, eid)
				continue
			}
			direct[s] = true
		}

		full := map[int]bool{}
		for s := range direct {
			full[s] = true
			p.ancestors(s, full)
		}
		for _, s := range local {
			p.ancestors(s, full)
		}

		merge := map[int]bool{}
		for i, s := range local {
			if full[s] {
				p.class[localEdges[i]] = classBarrier
				direct[s] = true
				continue
			}
			merge[s] = true
		}

		stage := len(p.parent)
		p.parent = append(p.parent, stage)
		p.deps = append(p.deps, direct)
		for s := range merge {
			p.parent[s] = stage
			for d := range p.deps[s] {
				p.deps[stage][d] = true
			}
			p.deps[s] = nil
		}
		p.stageOf[id] = stage
	}
}

// stageHeap orders ready stages by their earliest-declared member.
type stageHeap struct {
	ids   []int
	first map[int]ir.DeclPath
}

func (h *stageHeap) Len() int           { return len(h.ids) }
func (h *stageHeap) Less(i, j int) bool { return h.first[h.ids[i]].Compare(h.first[h.ids[j]]) < 0 }
func (h *stageHeap) Swap(i, j int)      { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }
func (h *stageHeap) Push(x any)         { h.ids = append(h.ids, x.(int)) }
func (h *stageHeap) Pop() any {
	last := h.ids[len(h.ids)-1]
	h.ids = h.ids[:len(h.ids)-1]
	return last
}

// numberStages assigns final stage numbers in topological order of the
// stage graph, ties broken by smallest member declaration.
func (p *partitioner) numberStages() (map[int]int, map[int][]ir.NodeID) {
	members := map[int][]ir.NodeID{}
	first := map[int]ir.DeclPath{}
	for _, id := range p.order {
		s, ok := p.stageOf[id]
		if !ok {
			continue
		}
		s = p.find(s)
		members[s] = append(members[s], id)
		d := p.g.Node(id).Decl
		if f, seen := first[s]; !seen || d.Compare(f) < 0 {
			first[s] = d
		}
	}

	indegree := map[int]int{}
	children := map[int][]int{}
	for s := range members {
		parents := map[int]bool{}
		for d := range p.deps[s] {
			parents[p.find(d)] = true
		}
		indegree[s] = len(parents)
		for d := range parents {
			children[d] = append(children[d], s)
		}
	}
	ready := &stageHeap{first: first}
	for s := range members {
		if indegree[s] == 0 {
			ready.ids = append(ready.ids, s)
		}
	}
	heap.Init(ready)
	number := make(map[int]int, len(members))
	for ready.Len() > 0 {
		s := heap.Pop(ready).(int)
		number[s] = len(number)
		for _, c := range children[s] {
			indegree[c]--
			if indegree[c] == 0 {
				heap.Push(ready, c)
			}
		}
	}
	return number, members
}

func (p *partitioner) build(units []ir.FusedUnit) *ir.StageGraph {
	number, members := p.numberStages()
	sg := &ir.StageGraph{Stages: make([]ir.Stage, len(number))}
	for s, n := range number {
		sg.Stages[n] = ir.Stage{ID: n, Nodes: members[s]}
	}
	stageNum := func(node ir.NodeID) int {
		s, ok := p.stageOf[node]
		if !ok {
			return ir.External
		}
		return number[p.find(s)]
	}

	type shuffleKey struct {
		port ir.PortID
		key  string
	}
	shuffles := map[shuffleKey]int{}
	for _, id := range p.order {
		n := p.g.Node(id)
		for _, port := range n.Inputs {
			eid, ok := p.g.Incoming(port)
			if !ok {
				continue
			}
			e := p.g.Edge(eid)
			cls := p.class[eid]
			if cls == classLocal {
				sg.Local = append(sg.Local, eid)
				continue
			}
			ch := ir.Channel{
				ID:        len(sg.Channels),
				Edge:      eid,
				From:      e.From,
				To:        e.To,
				FromStage: stageNum(p.g.Port(e.From).Node),
				ToStage:   stageNum(id),
				Shuffle:   -1,
			}
			switch cls {
			case classDirect:
				ch.Kind = ir.ChannelDirect
			case classShuffle:
				ch.Kind = ir.ChannelShuffle
				ch.Key = n.Resolved.Requires[p.g.Port(e.To).Ordinal]
				k := shuffleKey{e.From, ch.Key.String()}
				sid, seen := shuffles[k]
				if !seen {
					sid = len(shuffles)
					shuffles[k] = sid
				}
				ch.Shuffle = sid
			case classBroadcast:
				ch.Kind = ir.ChannelBroadcast
			case classBarrier:
				ch.Kind = ir.ChannelBarrier
			case classSink:
				ch.Kind = ir.ChannelSink
			}
			sg.Channels = append(sg.Channels, ch)
		}
	}
	slices.Sort(sg.Local)

	for _, ch := range sg.Channels {
		if ch.ToStage != ir.External {
			st := &sg.Stages[ch.ToStage]
			if ch.Kind == ir.ChannelBroadcast {
				st.Resources = append(st.Resources, ch.ID)
			} else {
				st.Inputs = append(st.Inputs, ch.ID)
			}
			if ch.FromStage != ir.External && !slices.Contains(st.Deps, ch.FromStage) {
				st.Deps = append(st.Deps, ch.FromStage)
			}
		}
		if ch.FromStage != ir.External {
			st := &sg.Stages[ch.FromStage]
			st.Outputs = append(st.Outputs, ch.ID)
		}
	}
	for i := range sg.Stages {
		st := &sg.Stages[i]
		slices.Sort(st.Deps)
		st.Key = stageKey(sg, st)
	}
	p.assignUnits(sg, units, stageNum)
	return sg
}

// stageKey is the partitioning every shuffle input of a stage shares.
func stageKey(sg *ir.StageGraph, st *ir.Stage) *ir.KeySpec {
	var key *ir.KeySpec
	for _, id := range st.Inputs {
		ch := sg.Channel(id)
		if ch.Kind != ir.ChannelShuffle {
			continue
		}
		if key == nil {
			key = ch.Key
			continue
		}
		if !key.Equal(ch.Key) {
			return nil
		}
	}
	return key
}

// assignUnits attaches fused units to stages, in execution order. A unit
// that straddles stages is split.
func (p *partitioner) assignUnits(sg *ir.StageGraph, units []ir.FusedUnit, stageNum func(ir.NodeID) int) {
	for _, u := range units {
		var cur []ir.NodeID
		curStage := ir.External
		flush := func() {
			if len(cur) > 0 && curStage != ir.External {
				st := &sg.Stages[curStage]
				st.Units = append(st.Units, ir.FusedUnit{Nodes: cur})
			}
			cur = nil
		}
		for _, id := range u.Nodes {
			if p.g.Node(id) == nil {
				continue
			}
			s := stageNum(id)
			if s != curStage {
				flush()
				curStage = s
			}
			cur = append(cur, id)
		}
		flush()
	}
	for i := range sg.Stages {
		slices.SortStableFunc(sg.Stages[i].Units, func(a, b ir.FusedUnit) int {
			return p.pos[a.Nodes[0]] - p.pos[b.Nodes[0]]
		})
	}
}
