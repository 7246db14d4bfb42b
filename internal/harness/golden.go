package harness

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/flowc/internal/ir"
)

// Snapshot is what a golden file holds: the optimized plan and the outputs
// it produced, both rendered by name so the file is stable across runs.
type Snapshot struct {
	Scenario string                       `json:"scenario"`
	Plan     *ir.ExplainDoc               `json:"plan"`
	Outputs  map[string][]json.RawMessage `json:"outputs"`
}

// NewSnapshot renders a result. Records are canonical JSON.
func NewSnapshot(name string, result *Result) Snapshot {
	s := Snapshot{
		Scenario: name,
		Plan:     result.Plan,
		Outputs:  make(map[string][]json.RawMessage, len(result.Outputs)),
	}
	for port, recs := range result.Outputs {
		docs := make([]json.RawMessage, len(recs))
		for i, r := range recs {
			docs[i] = ir.MustMarshalCanonical(r)
		}
		s.Outputs[port] = docs
	}
	return s
}

// Marshal renders the snapshot as indented JSON with a trailing newline.
func (s Snapshot) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

// RunWithGolden runs a scenario, fails the test if the scenario fails and
// compares its snapshot with testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := NewSnapshot(name, result).Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
