package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/flowc/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  actual: %s", e.Actual)
	return buf.String()
}

// assertOutputContains checks that some record of the output carries every
// field of the assertion's record with an equal value.
func assertOutputContains(outputs map[string][]ir.Record, a Assertion) error {
	want, err := ir.FromGo(a.Record)
	if err != nil {
		return fmt.Errorf("output_contains: %w", err)
	}
	fields := want.(ir.Object)
	for _, r := range outputs[a.Output] {
		if matchRecord(r, fields) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertOutputContains,
		Expected: fmt.Sprintf("output %s to contain %s", a.Output, ir.MustMarshalCanonical(fields)),
		Actual:   fmt.Sprintf("%d records, none matching", len(outputs[a.Output])),
	}
}

func assertOutputCount(outputs map[string][]ir.Record, a Assertion) error {
	recs, ok := outputs[a.Output]
	if !ok {
		return &AssertionError{
			Type:     AssertOutputCount,
			Expected: fmt.Sprintf("output %s with %d records", a.Output, a.Count),
			Actual:   "no such output",
		}
	}
	if len(recs) != a.Count {
		return &AssertionError{
			Type:     AssertOutputCount,
			Expected: fmt.Sprintf("output %s with %d records", a.Output, a.Count),
			Actual:   fmt.Sprintf("%d records", len(recs)),
		}
	}
	return nil
}

// assertPlanOrder checks that nodes appear in the given relative order in
// the plan's execution order. Other nodes may sit in between.
func assertPlanOrder(doc *ir.ExplainDoc, a Assertion) error {
	last := -1
	for _, name := range a.Nodes {
		pos := slices.Index(doc.Order, name)
		if pos < 0 {
			return &AssertionError{
				Type:     AssertPlanOrder,
				Expected: fmt.Sprintf("node %s in plan", name),
				Actual:   fmt.Sprintf("order %v", doc.Order),
			}
		}
		if pos < last {
			return &AssertionError{
				Type:     AssertPlanOrder,
				Expected: fmt.Sprintf("order %v", a.Nodes),
				Actual:   fmt.Sprintf("order %v", doc.Order),
			}
		}
		last = pos
	}
	return nil
}

func assertChannelCount(p *ir.Plan, a Assertion) error {
	n := 0
	for _, ch := range p.Stages.Channels {
		if ch.Kind == ir.ChannelKind(a.Kind) {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertChannelCount,
			Expected: fmt.Sprintf("%d %s channels", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

// matchRecord reports whether r holds every field of want with an equal
// value. Extra fields in r are ignored.
func matchRecord(r ir.Record, want ir.Object) bool {
	for field, v := range want {
		got, ok := r[field]
		if !ok {
			return false
		}
		if string(ir.MustMarshalCanonical(got)) != string(ir.MustMarshalCanonical(v)) {
			return false
		}
	}
	return true
}

// EvaluateAssertions checks every assertion against a result and the plan
// that produced it. It returns one message per failure.
func EvaluateAssertions(result *Result, plan *ir.Plan, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertOutputContains:
			err = assertOutputContains(result.Outputs, a)
		case AssertOutputCount:
			err = assertOutputCount(result.Outputs, a)
		case AssertPlanOrder:
			if result.Plan == nil {
				err = fmt.Errorf("assertion[%d]: plan_order needs a compiled plan", i)
			} else {
				err = assertPlanOrder(result.Plan, a)
			}
		case AssertChannelCount:
			if plan == nil || plan.Stages == nil {
				err = fmt.Errorf("assertion[%d]: channel_count needs a compiled plan", i)
			} else {
				err = assertChannelCount(plan, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
