package frontend

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/flowc/internal/ir"
)

// field returns v's child label, or a non-existent value.
func field(v cue.Value, label string) cue.Value {
	return v.LookupPath(cue.MakePath(cue.Str(label)))
}

// labels returns the regular field labels of a struct in declaration order.
func labels(v cue.Value) ([]string, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, err
	}
	var out []string
	for iter.Next() {
		out = append(out, iter.Label())
	}
	return out, nil
}

func optionalString(v cue.Value, label string) (string, error) {
	f := field(v, label)
	if !f.Exists() {
		return "", nil
	}
	return f.String()
}

func optionalBool(v cue.Value, label string) (bool, error) {
	f := field(v, label)
	if !f.Exists() {
		return false, nil
	}
	return f.Bool()
}

func stringList(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, err
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// scalarType reads a field type written either as a name ("int") or as a
// CUE type (int).
func scalarType(v cue.Value) (ir.ScalarType, error) {
	if v.IsConcrete() && v.Kind() == cue.StringKind {
		s, _ := v.String()
		switch t := ir.ScalarType(s); t {
		case ir.TypeString, ir.TypeInt, ir.TypeBool, ir.TypeAny:
			return t, nil
		case "float", "number":
			return "", errFloat
		}
		return "", fmt.Errorf("unsupported field type %q", s)
	}
	switch v.IncompleteKind() {
	case cue.StringKind:
		return ir.TypeString, nil
	case cue.IntKind:
		return ir.TypeInt, nil
	case cue.BoolKind:
		return ir.TypeBool, nil
	case cue.TopKind:
		return ir.TypeAny, nil
	case cue.FloatKind, cue.NumberKind:
		return "", errFloat
	}
	return "", fmt.Errorf("unsupported type kind: %v", v.IncompleteKind())
}

var errFloat = errors.New("float types are not supported; use int")

// toValue converts a concrete CUE value to an ir.Value.
func toValue(v cue.Value) (ir.Value, error) {
	switch v.Kind() {
	case cue.NullKind:
		return ir.Null{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		return ir.Bool(b), err
	case cue.IntKind:
		n, err := v.Int64()
		return ir.Int(n), err
	case cue.StringKind:
		s, err := v.String()
		return ir.String(s), err
	case cue.FloatKind:
		return nil, errFloat
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, err
		}
		var arr ir.Array
		for iter.Next() {
			elem, err := toValue(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		if arr == nil {
			arr = ir.Array{}
		}
		return arr, nil
	case cue.StructKind:
		return toObject(v)
	}
	return nil, fmt.Errorf("value is not concrete")
}

func toObject(v cue.Value) (ir.Object, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, err
	}
	obj := ir.Object{}
	for iter.Next() {
		elem, err := toValue(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", iter.Label(), err)
		}
		obj[iter.Label()] = elem
	}
	return obj, nil
}
