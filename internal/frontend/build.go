package frontend

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/token"
	"github.com/hashicorp/go-multierror"

	"github.com/roach88/flowc/internal/ir"
)

// Outputs a join kind gets when the description lists none.
var defaultOutputs = map[ir.Kind][]string{
	ir.KindMasterCheck:      {"found", "missed"},
	ir.KindMasterJoin:       {"joined", "missed"},
	ir.KindMasterJoinUpdate: {"updated", "missed"},
}

// Build turns one flow of a CUE document into an unfrozen graph. Every
// problem found is returned as a *BuildError inside a multierror; the graph
// is still returned so callers can inspect what was built.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(src)
//	g, err := frontend.Build(v, "orders")
func Build(root cue.Value, flow string) (*ir.Graph, error) {
	if err := root.Validate(); err != nil {
		return nil, formatCUEError("cue", err)
	}
	fv := field(field(root, "flows"), flow)
	if !fv.Exists() {
		return nil, &BuildError{Field: "flows." + flow, Message: "flow is not defined", Pos: root.Pos()}
	}
	b := &builder{root: root, schema: ir.NewSchema(), parts: make(map[string]*partDecl)}
	b.loadTypes()
	g := b.graph(flow, fv, "flows."+flow)
	return g, b.errs.ErrorOrNil()
}

// Flows lists the flows of a document in declaration order.
func Flows(root cue.Value) ([]string, error) {
	fv := field(root, "flows")
	if !fv.Exists() {
		return nil, nil
	}
	return labels(fv)
}

type builder struct {
	root   cue.Value
	schema *ir.Schema
	parts  map[string]*partDecl
	errs   *multierror.Error
}

// partDecl is a flow part with the boundary ports its instances get.
type partDecl struct {
	part *ir.FlowPart
	ins  []portDecl
	outs []portDecl
}

type portDecl struct {
	name string
	from string
	typ  string
	path string
	pos  token.Pos
}

type nodeDecl struct {
	path    string
	pos     token.Pos
	spec    ir.NodeSpec
	ins     []portDecl
	outs    []portDecl
	primary int
	id      ir.NodeID
}

// scope holds the declarations of one graph while it is built.
type scope struct {
	decls    []*nodeDecl
	byName   map[string]int
	done     map[[2]int]bool
	visiting map[[2]int]bool
	cyclic   bool
}

func (b *builder) fail(path string, pos token.Pos, format string, args ...any) {
	b.errs = multierror.Append(b.errs, &BuildError{Field: path, Message: fmt.Sprintf(format, args...), Pos: pos})
}

func (b *builder) failErr(path string, pos token.Pos, err error) {
	be := &BuildError{Field: path, Message: err.Error(), Pos: pos}
	if errors.Is(err, errFloat) {
		be.code = ErrCodeFloatType
	}
	b.errs = multierror.Append(b.errs, be)
}

func (b *builder) loadTypes() {
	tv := field(b.root, "types")
	if !tv.Exists() {
		return
	}
	iter, err := tv.Fields()
	if err != nil {
		b.failErr("types", tv.Pos(), err)
		return
	}
	for iter.Next() {
		name, v := iter.Label(), iter.Value()
		path := "types." + name
		fv := field(v, "fields")
		if !fv.Exists() {
			b.fail(path+".fields", v.Pos(), "fields are required")
			continue
		}
		rt := &ir.RecordType{Name: name}
		fi, err := fv.Fields()
		if err != nil {
			b.failErr(path+".fields", fv.Pos(), err)
			continue
		}
		for fi.Next() {
			typ, err := scalarType(fi.Value())
			if err != nil {
				b.failErr(path+".fields."+fi.Label(), fi.Value().Pos(), err)
				continue
			}
			rt.Fields = append(rt.Fields, ir.FieldDef{Name: fi.Label(), Type: typ})
		}
		_ = b.schema.Define(rt)
	}
}

// part returns the named flow part, building its graph on first use. A part
// that instantiates itself gets a pointer to its own shell; the inliner
// reports the recursion.
func (b *builder) part(name string) *partDecl {
	if pd, ok := b.parts[name]; ok {
		return pd
	}
	v := field(field(b.root, "parts"), name)
	if !v.Exists() {
		return nil
	}
	path := "parts." + name
	pd := &partDecl{part: &ir.FlowPart{Name: name}}
	b.parts[name] = pd
	if pv := field(v, "params"); pv.Exists() {
		params, err := stringList(pv)
		if err != nil {
			b.failErr(path+".params", pv.Pos(), err)
		}
		pd.part.Params = params
	}
	pd.ins = boundaryPorts(field(v, "inputs"))
	pd.outs = boundaryPorts(field(v, "outputs"))
	pd.part.Graph = b.graph(name, v, path)
	return pd
}

// boundaryPorts reads the port names and types of a part's inputs or
// outputs. Errors are reported when the part's own graph is built.
func boundaryPorts(v cue.Value) []portDecl {
	if !v.Exists() {
		return nil
	}
	iter, err := v.Fields()
	if err != nil {
		return nil
	}
	var out []portDecl
	for iter.Next() {
		typ, _ := externalType(iter.Value())
		out = append(out, portDecl{name: iter.Label(), typ: typ})
	}
	return out
}

func externalType(v cue.Value) (string, error) {
	if v.IncompleteKind() == cue.StringKind {
		return v.String()
	}
	tv := field(v, "type")
	if !tv.Exists() {
		return "", errors.New("type is required")
	}
	return tv.String()
}

func (b *builder) graph(name string, v cue.Value, path string) *ir.Graph {
	s := &scope{
		byName:   make(map[string]int),
		done:     make(map[[2]int]bool),
		visiting: make(map[[2]int]bool),
	}
	b.externals(s, v, path, ir.KindExternalInput)
	if nv := field(v, "nodes"); nv.Exists() {
		iter, err := nv.Fields()
		if err != nil {
			b.failErr(path+".nodes", nv.Pos(), err)
		} else {
			for iter.Next() {
				b.node(s, iter.Label(), iter.Value(), path+".nodes."+iter.Label())
			}
		}
	}
	b.externals(s, v, path, ir.KindExternalOutput)
	b.inferTypes(s)

	g := ir.NewGraph(name, b.schema)
	for _, d := range s.decls {
		spec := d.spec
		for _, p := range d.ins {
			spec.Inputs = append(spec.Inputs, ir.PortSpec{Name: p.name, Type: p.typ})
		}
		for _, p := range d.outs {
			spec.Outputs = append(spec.Outputs, ir.PortSpec{Name: p.name, Type: p.typ})
		}
		d.id = -1
		id, err := g.AddNode(spec)
		if err != nil {
			b.failErr(d.path, d.pos, err)
			continue
		}
		d.id = id
	}
	b.wire(g, s)
	return g
}

func (s *scope) add(b *builder, d *nodeDecl, referable bool) {
	idx := len(s.decls)
	s.decls = append(s.decls, d)
	if !referable {
		return
	}
	name := d.spec.Op.Name
	if prev, ok := s.byName[name]; ok {
		b.fail(d.path, d.pos, "name %q is already used by %s", name, s.decls[prev].path)
		return
	}
	s.byName[name] = idx
}

func (b *builder) externals(s *scope, v cue.Value, path string, kind ir.Kind) {
	label := "inputs"
	if kind == ir.KindExternalOutput {
		label = "outputs"
	}
	ev := field(v, label)
	if !ev.Exists() {
		return
	}
	iter, err := ev.Fields()
	if err != nil {
		b.failErr(path+"."+label, ev.Pos(), err)
		return
	}
	for iter.Next() {
		name, xv := iter.Label(), iter.Value()
		xp := path + "." + label + "." + name
		d := &nodeDecl{path: xp, pos: xv.Pos()}
		d.spec.Kind = kind
		d.spec.Op = ir.OperatorDescription{Name: name, DeclaredKind: kind.String()}

		typ, err := externalType(xv)
		if err != nil {
			b.failErr(xp+".type", xv.Pos(), err)
		} else {
			b.checkType(xp+".type", xv.Pos(), typ)
		}
		var from string
		if xv.IncompleteKind() == cue.StructKind {
			from = b.externalAttrs(d, xv, xp)
		}
		if kind == ir.KindExternalInput {
			d.outs = []portDecl{{name: "out", typ: typ, path: xp, pos: xv.Pos()}}
		} else {
			d.ins = []portDecl{{name: "in", typ: typ, from: from, path: xp + ".from", pos: xv.Pos()}}
		}
		s.add(b, d, kind == ir.KindExternalInput)
	}
}

// externalAttrs reads the optional attributes of an external port and
// returns the producer reference of an output.
func (b *builder) externalAttrs(d *nodeDecl, v cue.Value, path string) string {
	op := &d.spec.Op
	if d.spec.Kind == ir.KindExternalInput {
		size, err := optionalString(v, "size")
		if err == nil {
			op.Size, err = ir.ParseDataSize(size)
		}
		if err != nil {
			b.failErr(path+".size", v.Pos(), err)
		}
		if op.Location, err = optionalString(v, "origin"); err != nil {
			b.failErr(path+".origin", v.Pos(), err)
		}
		return ""
	}
	var err error
	if op.Required, err = optionalBool(v, "required"); err != nil {
		b.failErr(path+".required", v.Pos(), err)
	}
	if op.Location, err = optionalString(v, "destination"); err != nil {
		b.failErr(path+".destination", v.Pos(), err)
	}
	from, err := optionalString(v, "from")
	if err != nil {
		b.failErr(path+".from", v.Pos(), err)
	}
	return from
}

func (b *builder) checkType(path string, pos token.Pos, typ string) {
	if typ == "" {
		return
	}
	if _, ok := b.schema.Lookup(typ); !ok {
		b.fail(path, pos, "unknown type %q", typ)
	}
}

func (b *builder) node(s *scope, name string, v cue.Value, path string) {
	d := &nodeDecl{path: path, pos: v.Pos()}
	kv := field(v, "kind")
	if !kv.Exists() {
		b.fail(path+".kind", v.Pos(), "kind is required")
		return
	}
	kindName, err := kv.String()
	if err != nil {
		b.failErr(path+".kind", kv.Pos(), err)
		return
	}
	kind := ir.ParseKind(kindName)
	d.spec.Kind = kind
	d.spec.Op = ir.OperatorDescription{Name: name, DeclaredKind: kindName}
	op := &d.spec.Op

	if op.Impl, err = optionalString(v, "impl"); err != nil {
		b.failErr(path+".impl", v.Pos(), err)
	}
	if pv := field(v, "params"); pv.Exists() {
		if op.Params, err = toObject(pv); err != nil {
			b.failErr(path+".params", pv.Pos(), err)
		}
	}
	op.Keys = b.keys(v, path)
	op.Join = b.join(v, path)

	obs, err := optionalString(v, "observation")
	if err == nil {
		op.Observation, err = ir.ParseObservation(obs)
	}
	if err != nil {
		b.failErr(path+".observation", v.Pos(), err)
	}
	if obs == "" && kind == ir.KindLogging {
		op.Observation = ir.ObserveAtLeastOnce
	}
	if op.Volatile, err = optionalBool(v, "volatile"); err != nil {
		b.failErr(path+".volatile", v.Pos(), err)
	}

	if kind == ir.KindFlowPart {
		b.boundary(d, v, path)
	} else {
		d.ins = b.inputs(v, path)
		d.outs = b.outputs(v, path, kind)
	}
	if kind.IsJoin() {
		rank := func(p portDecl) int {
			switch p.name {
			case "master":
				return 0
			case "tx":
				return 1
			}
			return 2
		}
		slices.SortStableFunc(d.ins, func(x, y portDecl) int { return rank(x) - rank(y) })
		for i, p := range d.ins {
			if p.name == "tx" {
				d.primary = i
			}
		}
	}
	s.add(b, d, true)
}

func (b *builder) inputs(v cue.Value, path string) []portDecl {
	in := field(v, "in")
	if !in.Exists() {
		return nil
	}
	iter, err := in.Fields()
	if err != nil {
		b.failErr(path+".in", in.Pos(), err)
		return nil
	}
	var out []portDecl
	for iter.Next() {
		pv := iter.Value()
		p := portDecl{name: iter.Label(), path: path + ".in." + iter.Label(), pos: pv.Pos()}
		switch pv.IncompleteKind() {
		case cue.StringKind:
			p.from, err = pv.String()
		case cue.StructKind:
			if p.from, err = optionalString(pv, "from"); err == nil {
				p.typ, err = optionalString(pv, "type")
				b.checkType(p.path+".type", pv.Pos(), p.typ)
			}
		default:
			err = errors.New(`input must be "node.port" or {from, type}`)
		}
		if err != nil {
			b.failErr(p.path, pv.Pos(), err)
		}
		out = append(out, p)
	}
	return out
}

func (b *builder) outputs(v cue.Value, path string, kind ir.Kind) []portDecl {
	ov := field(v, "out")
	if !ov.Exists() {
		if names, ok := defaultOutputs[kind]; ok {
			out := make([]portDecl, len(names))
			for i, n := range names {
				out[i] = portDecl{name: n, path: path + ".out." + n, pos: v.Pos()}
			}
			return out
		}
		if kind == ir.KindStop {
			return nil
		}
		return []portDecl{{name: "out", path: path + ".out", pos: v.Pos()}}
	}
	var out []portDecl
	switch ov.IncompleteKind() {
	case cue.ListKind:
		names, err := stringList(ov)
		if err != nil {
			b.failErr(path+".out", ov.Pos(), err)
		}
		for _, n := range names {
			out = append(out, portDecl{name: n, path: path + ".out." + n, pos: ov.Pos()})
		}
	case cue.StructKind:
		iter, err := ov.Fields()
		if err != nil {
			b.failErr(path+".out", ov.Pos(), err)
			return nil
		}
		for iter.Next() {
			p := portDecl{name: iter.Label(), path: path + ".out." + iter.Label(), pos: iter.Value().Pos()}
			if p.typ, err = externalType(iter.Value()); err != nil {
				b.failErr(p.path, p.pos, err)
			}
			b.checkType(p.path, p.pos, p.typ)
			out = append(out, p)
		}
	default:
		b.fail(path+".out", ov.Pos(), "out must be a list of port names or a struct of port types")
	}
	return out
}

func (b *builder) keys(v cue.Value, path string) []ir.KeySpec {
	var out []ir.KeySpec
	if kv := field(v, "key"); kv.Exists() {
		k, err := keySpec(kv, field(v, "order"))
		if err != nil {
			b.failErr(path+".key", kv.Pos(), err)
		}
		out = append(out, k)
	}
	if ks := field(v, "keys"); ks.Exists() {
		iter, err := ks.List()
		if err != nil {
			b.failErr(path+".keys", ks.Pos(), err)
			return out
		}
		for iter.Next() {
			ev := iter.Value()
			k, err := keySpec(field(ev, "key"), field(ev, "order"))
			if err != nil {
				b.failErr(path+".keys", ev.Pos(), err)
			}
			out = append(out, k)
		}
	}
	return out
}

func keySpec(group, order cue.Value) (ir.KeySpec, error) {
	var k ir.KeySpec
	if !group.Exists() {
		return k, errors.New("key is required")
	}
	g, err := stringList(group)
	if err != nil {
		return k, err
	}
	k.Group = g
	if order.Exists() {
		fields, err := stringList(order)
		if err != nil {
			return k, err
		}
		for _, f := range fields {
			k.Order = append(k.Order, ir.ParseOrdering(f))
		}
	}
	return k, nil
}

func (b *builder) join(v cue.Value, path string) *ir.JoinResource {
	jv := field(v, "join")
	if !jv.Exists() {
		return nil
	}
	path += ".join"
	j := &ir.JoinResource{}
	var err error
	if j.Source, err = optionalString(jv, "source"); err != nil {
		b.failErr(path+".source", jv.Pos(), err)
	}
	for _, k := range []struct {
		label string
		dst   *[]string
	}{{"master_key", &j.MasterKey}, {"tx_key", &j.TxKey}} {
		label, dst := k.label, k.dst
		kv := field(jv, label)
		if !kv.Exists() {
			b.fail(path+"."+label, jv.Pos(), "%s is required", label)
			continue
		}
		if *dst, err = stringList(kv); err != nil {
			b.failErr(path+"."+label, kv.Pos(), err)
		}
	}
	strategy, err := optionalString(jv, "strategy")
	if err == nil {
		j.Strategy, err = ir.ParseStrategy(strategy)
	}
	if err != nil {
		b.failErr(path+".strategy", jv.Pos(), err)
	}
	size, err := optionalString(jv, "size")
	if err == nil {
		j.Size, err = ir.ParseDataSize(size)
	}
	if err != nil {
		b.failErr(path+".size", jv.Pos(), err)
	}
	return j
}

// boundary fills a flow part instance. Its ports mirror the part's inputs
// and outputs; "in" binds part inputs to producers.
func (b *builder) boundary(d *nodeDecl, v cue.Value, path string) {
	pv := field(v, "part")
	if !pv.Exists() {
		b.fail(path+".part", v.Pos(), `part is required for kind "part"`)
		return
	}
	name, err := pv.String()
	if err != nil {
		b.failErr(path+".part", pv.Pos(), err)
		return
	}
	d.spec.Op.Part = name
	pd := b.part(name)
	if pd == nil {
		b.fail(path+".part", pv.Pos(), "flow part %q is not defined", name)
		return
	}
	d.spec.Part = pd.part
	if av := field(v, "args"); av.Exists() {
		if d.spec.Args, err = toObject(av); err != nil {
			b.failErr(path+".args", av.Pos(), err)
		}
	}

	given := b.inputs(v, path)
	for _, p := range pd.ins {
		port := portDecl{name: p.name, typ: p.typ, path: path + ".in." + p.name, pos: v.Pos()}
		if i := slices.IndexFunc(given, func(g portDecl) bool { return g.name == p.name }); i >= 0 {
			port.from, port.pos = given[i].from, given[i].pos
			given = slices.Delete(given, i, i+1)
		}
		d.ins = append(d.ins, port)
	}
	for _, g := range given {
		b.fail(g.path, g.pos, "flow part %q has no input %q", name, g.name)
	}
	for _, p := range pd.outs {
		d.outs = append(d.outs, portDecl{name: p.name, typ: p.typ, path: path + ".out." + p.name, pos: v.Pos()})
	}
}

// resolve finds the producer named by "node.port", or by "node" when the
// node has exactly one output.
func (s *scope) resolve(ref string) (int, int, error) {
	name, port, hasPort := strings.Cut(ref, ".")
	idx, ok := s.byName[name]
	if !ok {
		return 0, 0, fmt.Errorf("unknown node %q", name)
	}
	outs := s.decls[idx].outs
	if !hasPort {
		if len(outs) != 1 {
			return 0, 0, fmt.Errorf("node %q has %d outputs; name the port", name, len(outs))
		}
		return idx, 0, nil
	}
	for i, o := range outs {
		if o.name == port {
			return idx, i, nil
		}
	}
	return 0, 0, fmt.Errorf("node %q has no output port %q", name, port)
}

// inferTypes gives untyped ports the type of their producer; untyped
// outputs take the type of the node's primary input.
func (b *builder) inferTypes(s *scope) {
	for di, d := range s.decls {
		for ii := range d.ins {
			if s.inType(b, di, ii) != "" {
				continue
			}
			p := d.ins[ii]
			if p.from == "" || s.cyclic {
				continue
			}
			pd, _, err := s.resolve(p.from)
			if err != nil || len(s.decls[pd].ins) == 0 {
				// Bad references are reported when wiring; untyped sources
				// by the output check below.
				continue
			}
			b.fail(p.path, p.pos, "cannot infer the type of input %q from %q; declare it", p.name, p.from)
		}
		for oi := range d.outs {
			if s.outType(b, di, oi) == "" && len(d.ins) == 0 {
				p := d.outs[oi]
				b.fail(p.path, p.pos, "cannot infer the type of output %q; declare it", p.name)
			}
		}
	}
}

func (s *scope) outType(b *builder, di, oi int) string {
	d := s.decls[di]
	p := &d.outs[oi]
	if p.typ == "" && len(d.ins) > 0 {
		p.typ = s.inType(b, di, d.primary)
	}
	return p.typ
}

func (s *scope) inType(b *builder, di, ii int) string {
	p := &s.decls[di].ins[ii]
	key := [2]int{di, ii}
	if p.typ != "" || p.from == "" || s.done[key] {
		return p.typ
	}
	if s.visiting[key] {
		b.fail(p.path, p.pos, "cannot infer the type of input %q: its producer's type depends on it", p.name)
		s.done[key] = true
		s.cyclic = true
		return ""
	}
	pd, po, err := s.resolve(p.from)
	if err != nil {
		// Reported when wiring.
		return ""
	}
	s.visiting[key] = true
	p.typ = s.outType(b, pd, po)
	delete(s.visiting, key)
	s.done[key] = true
	return p.typ
}

func (b *builder) wire(g *ir.Graph, s *scope) {
	for _, d := range s.decls {
		for i, p := range d.ins {
			if p.from == "" {
				continue
			}
			pi, po, err := s.resolve(p.from)
			if err != nil {
				b.failErr(p.path, p.pos, err)
				continue
			}
			src := g.Node(s.decls[pi].id)
			dst := g.Node(d.id)
			if src == nil || dst == nil {
				continue
			}
			if _, err := g.Connect(g.Ref(src.Outputs[po]), g.Ref(dst.Inputs[i])); err != nil {
				b.failErr(p.path, p.pos, err)
			}
		}
	}
}
