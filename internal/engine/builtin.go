package engine

import (
	"fmt"
	"strconv"

	"github.com/roach88/flowc/internal/ir"
)

func registerBuiltins(r *Registry) {
	r.MustRegister("builtin.identity", UpdateFunc(identity))
	r.MustRegister("builtin.log", UpdateFunc(identity))
	r.MustRegister("builtin.set", UpdateFunc(setField))
	r.MustRegister("builtin.branch_field", BranchFunc(branchField))
	r.MustRegister("builtin.explode", ExtractFunc(explode))
	r.MustRegister("builtin.sum", FoldFunc(sumField))
	r.MustRegister("builtin.first", GroupFunc(firstOfGroup))
	r.MustRegister("builtin.concat", GroupFunc(concatGroups))
	r.MustRegister("builtin.enrich", JoinUpdateFunc(enrich))
	r.MustRegister("builtin.branch_master", JoinBranchFunc(branchMaster))
}

func identity(_ ir.Object, r ir.Record) (ir.Record, error) { return r, nil }

// setField assigns params.value to params.field.
func setField(params ir.Object, r ir.Record) (ir.Record, error) {
	field, err := stringParam(params, "field")
	if err != nil {
		return nil, err
	}
	out := r.Clone()
	out[field] = params.Get("value")
	return out, nil
}

// branchField routes a record to the port named by its params.field value.
func branchField(params ir.Object, r ir.Record) (string, error) {
	field, err := stringParam(params, "field")
	if err != nil {
		return "", err
	}
	return portName(r.Get(field))
}

// explode emits one record per element of the array in params.field, with
// the element in place of the array. Other values pass through unchanged.
func explode(params ir.Object, r ir.Record, emit EmitFunc) error {
	field, err := stringParam(params, "field")
	if err != nil {
		return err
	}
	port := "out"
	if p, ok := params["port"].(ir.String); ok {
		port = string(p)
	}
	arr, ok := r.Get(field).(ir.Array)
	if !ok {
		return emit(port, r)
	}
	for _, elem := range arr {
		out := r.Clone()
		out[field] = elem
		if err := emit(port, out); err != nil {
			return err
		}
	}
	return nil
}

// sumField adds params.field of r into acc.
func sumField(params ir.Object, acc, r ir.Record) (ir.Record, error) {
	field, err := stringParam(params, "field")
	if err != nil {
		return nil, err
	}
	a, ok := acc.Get(field).(ir.Int)
	if !ok {
		return nil, fmt.Errorf("field %q is not an int", field)
	}
	b, ok := r.Get(field).(ir.Int)
	if !ok {
		return nil, fmt.Errorf("field %q is not an int", field)
	}
	out := acc.Clone()
	out[field] = a + b
	return out, nil
}

// firstOfGroup keeps the first record of each group in sort order.
func firstOfGroup(_ ir.Object, groups [][]ir.Record, emit EmitFunc) error {
	for _, g := range groups {
		if len(g) > 0 {
			if err := emit("out", g[0]); err != nil {
				return err
			}
		}
	}
	return nil
}

func concatGroups(_ ir.Object, groups [][]ir.Record, emit EmitFunc) error {
	for _, g := range groups {
		for _, r := range g {
			if err := emit("out", r); err != nil {
				return err
			}
		}
	}
	return nil
}

// enrich copies master fields into the transaction record: those listed in
// params.fields, or every field the transaction lacks.
func enrich(params ir.Object, master, tx ir.Record) (ir.Record, error) {
	out := tx.Clone()
	if fields, ok := params["fields"].(ir.Array); ok {
		for _, f := range fields {
			name, ok := f.(ir.String)
			if !ok {
				return nil, fmt.Errorf("fields: expected strings, got %T", f)
			}
			out[string(name)] = master.Get(string(name))
		}
		return out, nil
	}
	for k, v := range master {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out, nil
}

// branchMaster routes by params.field of the master record, or to "missed"
// when there is none.
func branchMaster(params ir.Object, master, tx ir.Record) (string, error) {
	if master == nil {
		return "missed", nil
	}
	field, err := stringParam(params, "field")
	if err != nil {
		return "", err
	}
	return portName(master.Get(field))
}

func stringParam(params ir.Object, name string) (string, error) {
	s, ok := params[name].(ir.String)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", name)
	}
	return string(s), nil
}

func portName(v ir.Value) (string, error) {
	switch val := v.(type) {
	case ir.String:
		return string(val), nil
	case ir.Int:
		return strconv.FormatInt(int64(val), 10), nil
	case ir.Bool:
		return strconv.FormatBool(bool(val)), nil
	}
	return "", fmt.Errorf("cannot route on %T value", v)
}
