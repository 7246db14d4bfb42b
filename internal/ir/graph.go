package ir

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
)

// Construction errors. Connect and the mutators wrap these with context.
var (
	ErrFrozen       = errors.New("graph is frozen")
	ErrTypeMismatch = errors.New("port types differ")
	ErrInputBound   = errors.New("input port already has an incoming edge")
	ErrCrossScope   = errors.New("ports belong to different graph scopes")
	ErrDirection    = errors.New("edge must run from an output port to an input port")
	ErrUnknownPort  = errors.New("unknown port")
	ErrUnknownNode  = errors.New("unknown node")
	ErrUnknownEdge  = errors.New("unknown edge")
)

// ScopeID identifies one Graph instance. Flow part graphs and clones get
// their own scope, so a port handle from one graph is never accepted by another.
type ScopeID uint64

var scopeSeq atomic.Uint64

// Handles into a Graph's arena.
type (
	NodeID int
	PortID int
	EdgeID int
)

// NoPort is returned by port lookups that find nothing.
const NoPort PortID = -1

// Direction of a port.
type Direction uint8

const (
	DirInput Direction = iota
	DirOutput
)

func (d Direction) String() string {
	if d == DirOutput {
		return "output"
	}
	return "input"
}

// Port is a typed attachment point on a node. Ports never change once created.
type Port struct {
	ID      PortID
	Node    NodeID
	Dir     Direction
	Name    string
	Type    string
	Ordinal int
}

// PortRef is a port handle bound to the scope of the graph that issued it.
type PortRef struct {
	Scope ScopeID
	Port  PortID
}

// Edge connects an output port to an input port.
type Edge struct {
	ID   EdgeID
	From PortID
	To   PortID
}

// DeclPath is a node's hierarchical declaration position. Nodes inlined
// from a flow part carry the boundary's path as a prefix.
type DeclPath []int

// Compare orders paths lexicographically; a prefix sorts first.
func (d DeclPath) Compare(other DeclPath) int {
	return slices.Compare(d, other)
}

func (d DeclPath) String() string {
	parts := make([]string, len(d))
	for i, n := range d {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

func (d DeclPath) value() Value {
	out := make(Array, len(d))
	for i, n := range d {
		out[i] = Int(n)
	}
	return out
}

// OperatorDescription is the declared metadata of a node. Inlining copies it
// unchanged apart from Origin, which records the boundaries a node came through.
type OperatorDescription struct {
	Name         string
	Origin       []string
	DeclaredKind string
	Impl         string
	Params       Object
	Keys         []KeySpec
	Join         *JoinResource
	Observation  Observation
	Volatile     bool

	// External ports only.
	Required bool
	Size     DataSize
	Location string

	// Flow part boundaries only.
	Part string
}

// PortSpec declares a port when adding a node.
type PortSpec struct {
	Name string
	Type string
}

// NodeSpec declares a node for AddNode.
type NodeSpec struct {
	Kind    Kind
	Op      OperatorDescription
	Inputs  []PortSpec
	Outputs []PortSpec
	Part    *FlowPart
	Args    Object

	// Decl overrides the declaration path. Defaults to the next index.
	Decl DeclPath
}

// Resolved is the metadata the operator resolver attaches to a node.
type Resolved struct {
	Variant  JoinVariant
	Strategy Strategy

	// Requires holds the partitioning each input port needs, by ordinal.
	// A nil entry means the port accepts any partitioning.
	Requires []*KeySpec

	// Broadcast marks input ports read as fully materialized side data.
	Broadcast []bool

	// Emits is the partitioning of every output port, or nil when unknown.
	Emits *KeySpec

	// PassThrough nodes emit whatever partitioning their inputs share.
	PassThrough bool

	// RecordWise nodes transform one record at a time and may be fused.
	RecordWise bool
}

// Node is one flow element.
type Node struct {
	ID       NodeID
	Kind     Kind
	Op       OperatorDescription
	Decl     DeclPath
	Inputs   []PortID
	Outputs  []PortID
	Part     *FlowPart
	Args     Object
	Resolved *Resolved
}

// QualifiedName is the node name prefixed by the boundaries it was inlined through.
func (n *Node) QualifiedName() string {
	if len(n.Op.Origin) == 0 {
		return n.Op.Name
	}
	return strings.Join(n.Op.Origin, "/") + "/" + n.Op.Name
}

// Describe returns the node's structural description: everything that
// determines its behaviour, nothing that identifies it.
func (n *Node) Describe(g *Graph) Object {
	keys := make(Array, len(n.Op.Keys))
	for i := range n.Op.Keys {
		keys[i] = n.Op.Keys[i].value()
	}
	params := n.Op.Params
	if params == nil {
		params = Object{}
	}
	args := n.Args
	if args == nil {
		args = Object{}
	}
	desc := Obj(
		F("kind", String(n.Kind.String())),
		F("declared_kind", String(n.Op.DeclaredKind)),
		F("impl", String(n.Op.Impl)),
		F("params", params),
		F("keys", keys),
		F("join", n.Op.Join.value()),
		F("observation", String(n.Op.Observation.String())),
		F("volatile", Bool(n.Op.Volatile)),
		F("required", Bool(n.Op.Required)),
		F("size", String(n.Op.Size.String())),
		F("location", String(n.Op.Location)),
		F("part", String(n.Op.Part)),
		F("args", args),
		F("inputs", g.portsValue(n.Inputs)),
		F("outputs", g.portsValue(n.Outputs)),
	)
	if n.Kind.Category() == CategoryExternal {
		desc["name"] = String(n.Op.Name)
	}
	return desc
}

func (g *Graph) portsValue(ids []PortID) Array {
	out := make(Array, len(ids))
	for i, id := range ids {
		p := g.ports[id]
		out[i] = Array{String(p.Name), String(p.Type)}
	}
	return out
}

// Graph is an arena of nodes, ports and edges.
type Graph struct {
	Name   string
	Schema *Schema

	scope    ScopeID
	frozen   bool
	nodes    []*Node
	ports    []*Port
	edges    []*Edge
	incoming map[PortID]EdgeID
	outgoing map[PortID][]EdgeID
	nextDecl int
}

// NewGraph creates an empty, mutable graph.
func NewGraph(name string, schema *Schema) *Graph {
	if schema == nil {
		schema = NewSchema()
	}
	return &Graph{
		Name:     name,
		Schema:   schema,
		scope:    ScopeID(scopeSeq.Add(1)),
		incoming: make(map[PortID]EdgeID),
		outgoing: make(map[PortID][]EdgeID),
	}
}

// Scope returns the graph's scope id.
func (g *Graph) Scope() ScopeID { return g.scope }

// Freeze makes the graph read-only. Freezing twice is harmless.
func (g *Graph) Freeze() *Graph {
	g.frozen = true
	return g
}

// Frozen reports whether the graph is read-only.
func (g *Graph) Frozen() bool { return g.frozen }

func (g *Graph) checkMutable() error {
	if g.frozen {
		return fmt.Errorf("graph %q: %w", g.Name, ErrFrozen)
	}
	return nil
}

// AddNode appends a node and its ports.
func (g *Graph) AddNode(spec NodeSpec) (NodeID, error) {
	if err := g.checkMutable(); err != nil {
		return -1, err
	}
	id := NodeID(len(g.nodes))
	decl := spec.Decl
	if decl == nil {
		decl = DeclPath{g.nextDecl}
	}
	g.nextDecl++
	n := &Node{
		ID:   id,
		Kind: spec.Kind,
		Op:   spec.Op,
		Decl: slices.Clone(decl),
		Part: spec.Part,
		Args: spec.Args,
	}
	for i, ps := range spec.Inputs {
		n.Inputs = append(n.Inputs, g.addPort(id, DirInput, ps, i))
	}
	for i, ps := range spec.Outputs {
		n.Outputs = append(n.Outputs, g.addPort(id, DirOutput, ps, i))
	}
	g.nodes = append(g.nodes, n)
	return id, nil
}

func (g *Graph) addPort(node NodeID, dir Direction, ps PortSpec, ordinal int) PortID {
	id := PortID(len(g.ports))
	g.ports = append(g.ports, &Port{ID: id, Node: node, Dir: dir, Name: ps.Name, Type: ps.Type, Ordinal: ordinal})
	return id
}

// Node returns a live node, or nil. Callers must not modify it.
func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Port returns a port, or nil.
func (g *Graph) Port(id PortID) *Port {
	if id < 0 || int(id) >= len(g.ports) {
		return nil
	}
	return g.ports[id]
}

// Edge returns a live edge, or nil.
func (g *Graph) Edge(id EdgeID) *Edge {
	if id < 0 || int(id) >= len(g.edges) {
		return nil
	}
	return g.edges[id]
}

// Nodes returns live node handles in handle order.
func (g *Graph) Nodes() []NodeID {
	out := make([]NodeID, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n != nil {
			out = append(out, n.ID)
		}
	}
	return out
}

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int {
	count := 0
	for _, n := range g.nodes {
		if n != nil {
			count++
		}
	}
	return count
}

// Edges returns live edge handles in handle order.
func (g *Graph) Edges() []EdgeID {
	out := make([]EdgeID, 0, len(g.edges))
	for _, e := range g.edges {
		if e != nil {
			out = append(out, e.ID)
		}
	}
	return out
}

// Lookup finds the first live node with the given name or qualified name.
func (g *Graph) Lookup(name string) (NodeID, bool) {
	for _, n := range g.nodes {
		if n != nil && (n.Op.Name == name || n.QualifiedName() == name) {
			return n.ID, true
		}
	}
	return -1, false
}

// Ref binds a port handle to this graph's scope.
func (g *Graph) Ref(p PortID) PortRef {
	return PortRef{Scope: g.scope, Port: p}
}

// Input returns a reference to the named input port of a node.
func (g *Graph) Input(node NodeID, name string) PortRef {
	return g.Ref(g.findPort(node, DirInput, name))
}

// Output returns a reference to the named output port of a node.
func (g *Graph) Output(node NodeID, name string) PortRef {
	return g.Ref(g.findPort(node, DirOutput, name))
}

func (g *Graph) findPort(node NodeID, dir Direction, name string) PortID {
	n := g.Node(node)
	if n == nil {
		return NoPort
	}
	ports := n.Inputs
	if dir == DirOutput {
		ports = n.Outputs
	}
	for _, p := range ports {
		if g.ports[p].Name == name {
			return p
		}
	}
	return NoPort
}

// Connect adds an edge from an output port to an input port.
// It rejects ports of another scope, wrong directions, differing declared
// types and input ports that already have an incoming edge.
func (g *Graph) Connect(from, to PortRef) (EdgeID, error) {
	if err := g.checkMutable(); err != nil {
		return -1, err
	}
	if from.Scope != g.scope || to.Scope != g.scope {
		return -1, fmt.Errorf("connect in graph %q: %w", g.Name, ErrCrossScope)
	}
	src, dst := g.Port(from.Port), g.Port(to.Port)
	if src == nil || dst == nil || g.Node(src.Node) == nil || g.Node(dst.Node) == nil {
		return -1, fmt.Errorf("connect in graph %q: %w", g.Name, ErrUnknownPort)
	}
	if src.Dir != DirOutput || dst.Dir != DirInput {
		return -1, fmt.Errorf("connect %s to %s: %w", g.portName(src.ID), g.portName(dst.ID), ErrDirection)
	}
	if src.Type != dst.Type {
		return -1, fmt.Errorf("connect %s (%s) to %s (%s): %w",
			g.portName(src.ID), src.Type, g.portName(dst.ID), dst.Type, ErrTypeMismatch)
	}
	if _, bound := g.incoming[dst.ID]; bound {
		return -1, fmt.Errorf("connect %s to %s: %w", g.portName(src.ID), g.portName(dst.ID), ErrInputBound)
	}
	id := EdgeID(len(g.edges))
	g.edges = append(g.edges, &Edge{ID: id, From: src.ID, To: dst.ID})
	g.incoming[dst.ID] = id
	g.outgoing[src.ID] = append(g.outgoing[src.ID], id)
	return id, nil
}

func (g *Graph) portName(p PortID) string {
	port := g.ports[p]
	return g.nodes[port.Node].QualifiedName() + "." + port.Name
}

// PortName renders a port as "node.port".
func (g *Graph) PortName(p PortID) string {
	if g.Port(p) == nil || g.Node(g.ports[p].Node) == nil {
		return fmt.Sprintf("port(%d)", p)
	}
	return g.portName(p)
}

// Incoming returns the edge feeding an input port.
func (g *Graph) Incoming(p PortID) (EdgeID, bool) {
	e, ok := g.incoming[p]
	return e, ok
}

// Outgoing returns the edges leaving an output port, in creation order.
func (g *Graph) Outgoing(p PortID) []EdgeID {
	return slices.Clone(g.outgoing[p])
}

// Producer returns the output port feeding an input port.
func (g *Graph) Producer(p PortID) (PortID, bool) {
	e, ok := g.incoming[p]
	if !ok {
		return NoPort, false
	}
	return g.edges[e].From, true
}

// Predecessors returns the distinct nodes feeding n, by input port ordinal.
func (g *Graph) Predecessors(n NodeID) []NodeID {
	node := g.Node(n)
	if node == nil {
		return nil
	}
	var out []NodeID
	for _, p := range node.Inputs {
		if src, ok := g.Producer(p); ok {
			if id := g.ports[src].Node; !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}

// Successors returns the distinct nodes n feeds, by output port then edge order.
func (g *Graph) Successors(n NodeID) []NodeID {
	node := g.Node(n)
	if node == nil {
		return nil
	}
	var out []NodeID
	for _, p := range node.Outputs {
		for _, e := range g.outgoing[p] {
			if id := g.ports[g.edges[e].To].Node; !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}

// RemoveEdge deletes an edge.
func (g *Graph) RemoveEdge(id EdgeID) error {
	if err := g.checkMutable(); err != nil {
		return err
	}
	e := g.Edge(id)
	if e == nil {
		return fmt.Errorf("remove edge %d: %w", id, ErrUnknownEdge)
	}
	delete(g.incoming, e.To)
	g.outgoing[e.From] = slices.DeleteFunc(g.outgoing[e.From], func(x EdgeID) bool { return x == id })
	if len(g.outgoing[e.From]) == 0 {
		delete(g.outgoing, e.From)
	}
	g.edges[id] = nil
	return nil
}

// RemoveNode deletes a node and every edge touching it.
func (g *Graph) RemoveNode(id NodeID) error {
	if err := g.checkMutable(); err != nil {
		return err
	}
	n := g.Node(id)
	if n == nil {
		return fmt.Errorf("remove node %d: %w", id, ErrUnknownNode)
	}
	for _, p := range n.Inputs {
		if e, ok := g.incoming[p]; ok {
			_ = g.RemoveEdge(e)
		}
	}
	for _, p := range n.Outputs {
		for _, e := range g.Outgoing(p) {
			_ = g.RemoveEdge(e)
		}
	}
	g.nodes[id] = nil
	return nil
}

// SetResolved attaches resolver metadata to a node.
func (g *Graph) SetResolved(id NodeID, r *Resolved) error {
	if err := g.checkMutable(); err != nil {
		return err
	}
	n := g.Node(id)
	if n == nil {
		return fmt.Errorf("resolve node %d: %w", id, ErrUnknownNode)
	}
	n.Resolved = r
	return nil
}

// Clone returns a mutable deep copy in a fresh scope. Handles are preserved.
func (g *Graph) Clone() *Graph {
	c := NewGraph(g.Name, g.Schema)
	c.nextDecl = g.nextDecl
	c.nodes = make([]*Node, len(g.nodes))
	for i, n := range g.nodes {
		if n == nil {
			continue
		}
		cp := *n
		cp.Decl = slices.Clone(n.Decl)
		cp.Inputs = slices.Clone(n.Inputs)
		cp.Outputs = slices.Clone(n.Outputs)
		cp.Op.Origin = slices.Clone(n.Op.Origin)
		c.nodes[i] = &cp
	}
	c.ports = make([]*Port, len(g.ports))
	for i, p := range g.ports {
		cp := *p
		c.ports[i] = &cp
	}
	c.edges = make([]*Edge, len(g.edges))
	for i, e := range g.edges {
		if e != nil {
			cp := *e
			c.edges[i] = &cp
		}
	}
	for k, v := range g.incoming {
		c.incoming[k] = v
	}
	for k, v := range g.outgoing {
		c.outgoing[k] = slices.Clone(v)
	}
	return c
}

// ExternalInputs returns external input nodes in declaration order.
func (g *Graph) ExternalInputs() []NodeID {
	return g.nodesOfKind(KindExternalInput)
}

// ExternalOutputs returns external output nodes in declaration order.
func (g *Graph) ExternalOutputs() []NodeID {
	return g.nodesOfKind(KindExternalOutput)
}

func (g *Graph) nodesOfKind(k Kind) []NodeID {
	var out []NodeID
	for _, n := range g.nodes {
		if n != nil && n.Kind == k {
			out = append(out, n.ID)
		}
	}
	slices.SortStableFunc(out, func(a, b NodeID) int {
		return g.nodes[a].Decl.Compare(g.nodes[b].Decl)
	})
	return out
}
