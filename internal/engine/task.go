package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/flowc/internal/ir"
)

// task executes one partition of one stage.
type task struct {
	run   *run
	stage *ir.Stage
	part  int
	ctx   context.Context

	in  map[int][][]ir.Record
	res map[int][]ir.Record
	out map[ir.PortID][]ir.Record
}

// portEmit sends a record to an output port by ordinal.
type portEmit func(port int, r ir.Record) error

// recordFunc processes one record of a record-wise operator.
type recordFunc func(r ir.Record, emit portEmit) error

func (t *task) exec(ctx context.Context) error {
	t.ctx = ctx
	units := t.stage.Units
	if len(units) == 0 {
		for _, id := range t.stage.Nodes {
			units = append(units, ir.FusedUnit{Nodes: []ir.NodeID{id}})
		}
	}
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if len(u.Nodes) == 1 {
			err = t.execNode(t.run.g.Node(u.Nodes[0]))
		} else {
			err = t.execChain(u.Nodes)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// input returns the records arriving at an input port in this partition.
func (t *task) input(port ir.PortID) []ir.Record {
	g := t.run.g
	eid, ok := g.Incoming(port)
	if !ok {
		return nil
	}
	if t.run.local[eid] {
		return t.out[g.Edge(eid).From]
	}
	ch := t.run.inbound[port]
	if ch == nil {
		return nil
	}
	if ch.Kind == ir.ChannelBroadcast {
		return t.res[ch.ID]
	}
	return t.in[ch.ID][t.part]
}

func (t *task) emitter(n *ir.Node) portEmit {
	return func(port int, r ir.Record) error {
		if err := t.run.quota.Charge(t.run.id, 1); err != nil {
			return &RuntimeError{
				Code:    ErrCodeQuotaExceeded,
				Message: "record quota exceeded",
				Stage:   t.stage.ID,
				Node:    n.QualifiedName(),
				Err:     err,
			}
		}
		p := n.Outputs[port]
		t.out[p] = append(t.out[p], r)
		return nil
	}
}

// named adapts a port-ordinal emitter for implementations that address
// ports by name.
func (t *task) named(n *ir.Node, emit portEmit) EmitFunc {
	return func(port string, r ir.Record) error {
		ord, err := t.outputOrdinal(n, port)
		if err != nil {
			return err
		}
		return emit(ord, r)
	}
}

func (t *task) outputOrdinal(n *ir.Node, name string) (int, error) {
	for i, p := range n.Outputs {
		if t.run.g.Port(p).Name == name {
			return i, nil
		}
	}
	return -1, &RuntimeError{
		Code:    ErrCodeUnknownPort,
		Message: fmt.Sprintf("no output port %q", name),
		Stage:   t.stage.ID,
		Node:    n.QualifiedName(),
	}
}

func (t *task) inputNamed(n *ir.Node, name string) ir.PortID {
	for _, p := range n.Inputs {
		if t.run.g.Port(p).Name == name {
			return p
		}
	}
	return ir.NoPort
}

// fail attributes an implementation error to n. Engine errors pass through.
func (t *task) fail(n *ir.Node, err error) error {
	var re *RuntimeError
	if errors.As(err, &re) {
		return err
	}
	return operatorFailed(t.stage.ID, n.QualifiedName(), err)
}

func isRecordWise(k ir.Kind) bool {
	switch k {
	case ir.KindCheckpoint, ir.KindExtend, ir.KindProject, ir.KindRestructure,
		ir.KindUpdate, ir.KindConvert, ir.KindExtract, ir.KindBranch, ir.KindLogging:
		return true
	}
	return false
}

func (t *task) execNode(n *ir.Node) error {
	emit := t.emitter(n)
	if isRecordWise(n.Kind) {
		fn, err := t.recordFunc(n)
		if err != nil {
			return err
		}
		for _, port := range n.Inputs {
			for _, r := range t.input(port) {
				if err := fn(r, emit); err != nil {
					return t.fail(n, err)
				}
			}
		}
		return nil
	}

	var err error
	switch n.Kind {
	case ir.KindConfluent:
		err = t.confluent(n, emit)
	case ir.KindStop, ir.KindEmpty:
	case ir.KindFold:
		err = t.fold(n, emit)
	case ir.KindSummarize:
		err = t.summarize(n, emit)
	case ir.KindGroupSort, ir.KindCoGroup:
		err = t.group(n, emit)
	case ir.KindMasterCheck, ir.KindMasterJoin, ir.KindMasterJoinUpdate, ir.KindMasterBranch:
		err = t.join(n, emit)
	default:
		return &RuntimeError{
			Code:    ErrCodeInvalidPlan,
			Message: fmt.Sprintf("cannot execute %s operator", n.Kind),
			Stage:   t.stage.ID,
			Node:    n.QualifiedName(),
		}
	}
	if err != nil {
		return t.fail(n, err)
	}
	return nil
}

// execChain runs a fused unit one record at a time. Every node but the
// last has a single output feeding the next, so only the last node's
// outputs are materialized.
func (t *task) execChain(ids []ir.NodeID) error {
	nodes := make([]*ir.Node, len(ids))
	fns := make([]recordFunc, len(ids))
	for i, id := range ids {
		nodes[i] = t.run.g.Node(id)
		fn, err := t.recordFunc(nodes[i])
		if err != nil {
			return err
		}
		fns[i] = fn
	}
	last := len(fns) - 1
	sink := t.emitter(nodes[last])

	var push func(i int, r ir.Record) error
	push = func(i int, r ir.Record) error {
		if i == last {
			if err := fns[i](r, sink); err != nil {
				return t.fail(nodes[i], err)
			}
			return nil
		}
		err := fns[i](r, func(_ int, out ir.Record) error { return push(i+1, out) })
		if err != nil {
			return t.fail(nodes[i], err)
		}
		return nil
	}
	for _, r := range t.input(nodes[0].Inputs[0]) {
		if err := push(0, r); err != nil {
			return err
		}
	}
	return nil
}
