package engine

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/flowc/internal/ir"
)

// recordFunc builds the per-record behaviour of a record-wise operator,
// resolving its implementation once per task.
func (t *task) recordFunc(n *ir.Node) (recordFunc, error) {
	params := n.Op.Params
	reg := t.run.e.registry
	switch n.Kind {
	case ir.KindCheckpoint:
		return func(r ir.Record, emit portEmit) error { return emit(0, r) }, nil

	case ir.KindExtend, ir.KindProject, ir.KindRestructure:
		shape := t.run.shaper(n.Outputs[0])
		return func(r ir.Record, emit portEmit) error { return emit(0, shape(r)) }, nil

	case ir.KindUpdate:
		fn, ok := lookup[UpdateFunc](reg, n.Op.Impl)
		if !ok {
			return nil, missingImpl(t.stage.ID, n.QualifiedName(), n.Op.Impl, "update")
		}
		return func(r ir.Record, emit portEmit) error {
			out, err := fn(params, r)
			if err != nil {
				return err
			}
			return emit(0, out)
		}, nil

	case ir.KindConvert:
		fn, ok := lookup[UpdateFunc](reg, n.Op.Impl)
		if !ok {
			return nil, missingImpl(t.stage.ID, n.QualifiedName(), n.Op.Impl, "convert")
		}
		converted, original := 0, -1
		for i, p := range n.Outputs {
			if t.run.g.Port(p).Name == "original" {
				original = i
			} else {
				converted = i
			}
		}
		return func(r ir.Record, emit portEmit) error {
			out, err := fn(params, r)
			if err != nil {
				return err
			}
			if err := emit(converted, out); err != nil {
				return err
			}
			if original >= 0 {
				return emit(original, r)
			}
			return nil
		}, nil

	case ir.KindExtract:
		fn, ok := lookup[ExtractFunc](reg, n.Op.Impl)
		if !ok {
			return nil, missingImpl(t.stage.ID, n.QualifiedName(), n.Op.Impl, "extract")
		}
		return func(r ir.Record, emit portEmit) error {
			return fn(params, r, t.named(n, emit))
		}, nil

	case ir.KindBranch:
		fn, ok := lookup[BranchFunc](reg, n.Op.Impl)
		if !ok {
			return nil, missingImpl(t.stage.ID, n.QualifiedName(), n.Op.Impl, "branch")
		}
		return func(r ir.Record, emit portEmit) error {
			port, err := fn(params, r)
			if err != nil {
				return err
			}
			ord, err := t.outputOrdinal(n, port)
			if err != nil {
				return err
			}
			return emit(ord, r)
		}, nil

	case ir.KindLogging:
		var fn UpdateFunc
		if n.Op.Impl != "" {
			var ok bool
			if fn, ok = lookup[UpdateFunc](reg, n.Op.Impl); !ok {
				return nil, missingImpl(t.stage.ID, n.QualifiedName(), n.Op.Impl, "logging")
			}
		}
		level := logLevel(params)
		name := n.QualifiedName()
		return func(r ir.Record, emit portEmit) error {
			logged := r
			if fn != nil {
				var err error
				if logged, err = fn(params, r); err != nil {
					return err
				}
			}
			t.run.log.Log(t.ctx, level, "record", "node", name, "partition", t.part,
				"record", string(ir.MustMarshalCanonical(logged)))
			return emit(0, r)
		}, nil
	}
	return nil, fmt.Errorf("%s is not a record-wise operator", n.Kind)
}

func logLevel(params ir.Object) slog.Level {
	s, _ := params["level"].(ir.String)
	switch strings.ToLower(string(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// shaper returns a function conforming records to the type of port: fields
// the type declares are kept or zero-filled, others are dropped. Records
// pass unchanged when the type is not in the schema.
func (r *run) shaper(port ir.PortID) func(ir.Record) ir.Record {
	rt, ok := r.g.Schema.Lookup(r.g.Port(port).Type)
	if !ok {
		return func(rec ir.Record) ir.Record { return rec }
	}
	return func(rec ir.Record) ir.Record {
		out := make(ir.Record, len(rt.Fields))
		for _, f := range rt.Fields {
			if v, ok := rec[f.Name]; ok {
				out[f.Name] = v
			} else {
				out[f.Name] = zeroValue(f.Type)
			}
		}
		return out
	}
}

func zeroValue(t ir.ScalarType) ir.Value {
	switch t {
	case ir.TypeString:
		return ir.String("")
	case ir.TypeInt:
		return ir.Int(0)
	case ir.TypeBool:
		return ir.Bool(false)
	}
	return ir.Null{}
}

func (t *task) confluent(n *ir.Node, emit portEmit) error {
	for _, port := range n.Inputs {
		for _, r := range t.input(port) {
			if err := emit(0, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *task) fold(n *ir.Node, emit portEmit) error {
	fn, ok := lookup[FoldFunc](t.run.e.registry, n.Op.Impl)
	if !ok {
		return missingImpl(t.stage.ID, n.QualifiedName(), n.Op.Impl, "fold")
	}
	key := n.Op.Keys[0]
	for _, grp := range groupBy(t.input(n.Inputs[0]), key.Group, key.Order) {
		acc := grp.records[0]
		for _, r := range grp.records[1:] {
			var err error
			if acc, err = fn(n.Op.Params, acc, r); err != nil {
				return err
			}
		}
		if err := emit(0, acc); err != nil {
			return err
		}
	}
	return nil
}

// aggregate is one output field of a summarize operator.
type aggregate struct {
	field string
	fn    string
	src   string
}

// parseAggregates reads params of the form {total: "sum:amount", n: "count"}.
func parseAggregates(params ir.Object) ([]aggregate, error) {
	var out []aggregate
	for _, field := range params.SortedKeys() {
		spec, ok := params[field].(ir.String)
		if !ok {
			return nil, fmt.Errorf("aggregate %q: expected a string, got %T", field, params[field])
		}
		fn, src, _ := strings.Cut(string(spec), ":")
		switch fn {
		case "count":
		case "sum", "min", "max", "any":
			if src == "" {
				return nil, fmt.Errorf("aggregate %q: %s needs a source field", field, fn)
			}
		default:
			return nil, fmt.Errorf("aggregate %q: unknown function %q", field, fn)
		}
		out = append(out, aggregate{field: field, fn: fn, src: src})
	}
	return out, nil
}

func (t *task) summarize(n *ir.Node, emit portEmit) error {
	aggs, err := parseAggregates(n.Op.Params)
	if err != nil {
		return err
	}
	shape := t.run.shaper(n.Outputs[0])
	key := n.Op.Keys[0]
	for _, grp := range groupBy(t.input(n.Inputs[0]), key.Group, key.Order) {
		out := grp.records[0].Project(key.Group)
		for _, a := range aggs {
			v, err := a.apply(grp.records)
			if err != nil {
				return err
			}
			out[a.field] = v
		}
		if err := emit(0, shape(out)); err != nil {
			return err
		}
	}
	return nil
}

func (a aggregate) apply(records []ir.Record) (ir.Value, error) {
	switch a.fn {
	case "count":
		return ir.Int(len(records)), nil
	case "any":
		return records[0].Get(a.src), nil
	case "sum":
		var total ir.Int
		for _, r := range records {
			v, ok := r.Get(a.src).(ir.Int)
			if !ok {
				return nil, fmt.Errorf("aggregate %q: field %q is not an int", a.field, a.src)
			}
			total += v
		}
		return total, nil
	}
	best := records[0].Get(a.src)
	for _, r := range records[1:] {
		v := r.Get(a.src)
		c := compareValues(v, best)
		if (a.fn == "min" && c < 0) || (a.fn == "max" && c > 0) {
			best = v
		}
	}
	return best, nil
}

// group runs GroupSort and CoGroup: records of every input are grouped by
// that input's key, and groups with equal key values are handed over
// together, in key order.
func (t *task) group(n *ir.Node, emit portEmit) error {
	fn, ok := lookup[GroupFunc](t.run.e.registry, n.Op.Impl)
	if !ok {
		return missingImpl(t.stage.ID, n.QualifiedName(), n.Op.Impl, n.Kind.String())
	}
	if len(n.Op.Keys) < len(n.Inputs) {
		return &RuntimeError{
			Code:    ErrCodeInvalidPlan,
			Message: fmt.Sprintf("%d keys for %d inputs", len(n.Op.Keys), len(n.Inputs)),
			Stage:   t.stage.ID,
			Node:    n.QualifiedName(),
		}
	}

	byKey := make(map[string][][]ir.Record)
	var order []string
	for i, port := range n.Inputs {
		key := n.Op.Keys[i]
		for _, grp := range groupBy(t.input(port), key.Group, key.Order) {
			k := string(grp.key)
			if _, ok := byKey[k]; !ok {
				byKey[k] = make([][]ir.Record, len(n.Inputs))
				order = append(order, k)
			}
			byKey[k][i] = grp.records
		}
	}
	slices.Sort(order)

	named := t.named(n, emit)
	for _, k := range order {
		if err := fn(n.Op.Params, byKey[k], named); err != nil {
			return err
		}
	}
	return nil
}

// join runs the master-join family. Masters are indexed by key; when
// several masters share a key the canonically smallest wins. Records with
// a null key field never match.
func (t *task) join(n *ir.Node, emit portEmit) error {
	j := n.Op.Join
	if j == nil {
		return &RuntimeError{Code: ErrCodeInvalidPlan, Message: "join has no master resource", Stage: t.stage.ID, Node: n.QualifiedName()}
	}
	masterPort, txPort := t.inputNamed(n, "master"), t.inputNamed(n, "tx")
	if masterPort == ir.NoPort || txPort == ir.NoPort {
		return &RuntimeError{Code: ErrCodeInvalidPlan, Message: "join needs master and tx inputs", Stage: t.stage.ID, Node: n.QualifiedName()}
	}

	table := make(map[string]ir.Record)
	for _, m := range t.input(masterPort) {
		if hasNullKey(m, j.MasterKey) {
			continue
		}
		k := string(keyBytes(m, j.MasterKey))
		if cur, ok := table[k]; !ok || ir.CompareRecords(m, cur) < 0 {
			table[k] = m
		}
	}

	var (
		hit, miss  int
		err        error
		update     JoinUpdateFunc
		branch     JoinBranchFunc
		joinedType func(ir.Record) ir.Record
	)
	reg := t.run.e.registry
	switch n.Kind {
	case ir.KindMasterCheck:
		hit, err = t.outputOrdinal(n, "found")
	case ir.KindMasterJoin:
		hit, err = t.outputOrdinal(n, "joined")
		if err == nil {
			joinedType = t.run.shaper(n.Outputs[hit])
		}
	case ir.KindMasterJoinUpdate:
		var ok bool
		if update, ok = lookup[JoinUpdateFunc](reg, n.Op.Impl); !ok {
			return missingImpl(t.stage.ID, n.QualifiedName(), n.Op.Impl, "join update")
		}
		hit, err = t.outputOrdinal(n, "updated")
	case ir.KindMasterBranch:
		var ok bool
		if branch, ok = lookup[JoinBranchFunc](reg, n.Op.Impl); !ok {
			return missingImpl(t.stage.ID, n.QualifiedName(), n.Op.Impl, "join branch")
		}
	}
	if err != nil {
		return err
	}
	if n.Kind != ir.KindMasterBranch {
		if miss, err = t.outputOrdinal(n, "missed"); err != nil {
			return err
		}
	}

	for _, tx := range t.input(txPort) {
		var master ir.Record
		if !hasNullKey(tx, j.TxKey) {
			master = table[string(keyBytes(tx, j.TxKey))]
		}
		switch n.Kind {
		case ir.KindMasterBranch:
			port, berr := branch(n.Op.Params, master, tx)
			if berr != nil {
				return berr
			}
			ord, berr := t.outputOrdinal(n, port)
			if berr != nil {
				return berr
			}
			err = emit(ord, tx)
		case ir.KindMasterCheck:
			if master != nil {
				err = emit(hit, tx)
			} else {
				err = emit(miss, tx)
			}
		case ir.KindMasterJoin:
			if master != nil {
				merged := master.Clone()
				for k, v := range tx {
					merged[k] = v
				}
				err = emit(hit, joinedType(merged))
			} else {
				err = emit(miss, tx)
			}
		case ir.KindMasterJoinUpdate:
			if master == nil {
				err = emit(miss, tx)
				break
			}
			out, uerr := update(n.Op.Params, master, tx)
			if uerr != nil {
				return uerr
			}
			err = emit(hit, out)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func hasNullKey(r ir.Record, fields []string) bool {
	for _, f := range fields {
		switch r.Get(f).(type) {
		case nil, ir.Null:
			return true
		}
	}
	return false
}
