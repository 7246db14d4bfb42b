package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/ir"
)

// Scenario is one conformance case: a flow, its inputs and what the
// compiled plan must observe.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// FlowDir is the CUE package holding the flow, relative to the
	// scenario file.
	FlowDir string `yaml:"flow_dir"`

	// Flow names the flow inside FlowDir.
	Flow string `yaml:"flow"`

	Options Options `yaml:"options,omitempty"`

	// Inputs holds the records fed to each external input.
	Inputs map[string][]map[string]any `yaml:"inputs,omitempty"`

	Expect Expect `yaml:"expect"`

	// Assertions are finer-grained checks on the outputs and plan.
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// RunID labels every run of the scenario. Defaults to
	// "test-run-default".
	RunID string `yaml:"run_id,omitempty"`
}

// Options tune compilation and execution.
type Options struct {
	// BroadcastThreshold is a size class: tiny, small or large.
	BroadcastThreshold string `yaml:"broadcast_threshold,omitempty"`

	// Partitions per stage. Zero means the engine default.
	Partitions int `yaml:"partitions,omitempty"`

	// KeepUnused disables pruning of nodes that feed no output.
	KeepUnused bool `yaml:"keep_unused,omitempty"`
}

// Expect holds the scenario's primary expectations.
type Expect struct {
	// Outputs maps an external output to its records, compared as a
	// multiset. Outputs not listed are not checked.
	Outputs map[string][]map[string]any `yaml:"outputs,omitempty"`

	// Diagnostics lists diagnostic kinds the compilation must report. A
	// scenario that expects an error diagnostic is not run.
	Diagnostics []string `yaml:"diagnostics,omitempty"`

	// Stages is the expected stage count of the optimised plan. Zero skips
	// the check.
	Stages int `yaml:"stages,omitempty"`
}

// Assertion is a single named check.
type Assertion struct {
	// Type is one of output_contains, output_count, plan_order or
	// channel_count.
	Type string `yaml:"type"`

	// Output names the external output (output_contains, output_count).
	Output string `yaml:"output,omitempty"`

	// Record is matched as a subset against output records
	// (output_contains).
	Record map[string]any `yaml:"record,omitempty"`

	// Count is the expected number of records or channels.
	Count int `yaml:"count,omitempty"`

	// Nodes must appear in this relative order in the plan (plan_order).
	Nodes []string `yaml:"nodes,omitempty"`

	// Kind is the channel kind to count (channel_count).
	Kind string `yaml:"kind,omitempty"`
}

// Assertion type constants.
const (
	AssertOutputContains = "output_contains"
	AssertOutputCount    = "output_count"
	AssertPlanOrder      = "plan_order"
	AssertChannelCount   = "channel_count"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly. FlowDir is resolved against the file's
// directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.FlowDir != "" && !filepath.IsAbs(scenario.FlowDir) {
		scenario.FlowDir = filepath.Join(filepath.Dir(path), scenario.FlowDir)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.FlowDir == "" {
		return fmt.Errorf("flow_dir is required")
	}
	if s.Flow == "" {
		return fmt.Errorf("flow is required")
	}
	if info, err := os.Stat(s.FlowDir); err != nil || !info.IsDir() {
		return fmt.Errorf("flow directory not found: %s", s.FlowDir)
	}

	if _, err := ir.ParseDataSize(s.Options.BroadcastThreshold); err != nil {
		return fmt.Errorf("options.broadcast_threshold: %w", err)
	}
	if s.Options.Partitions < 0 {
		return fmt.Errorf("options.partitions must be non-negative")
	}

	for i, kind := range s.Expect.Diagnostics {
		if !diag.Kind(kind).Known() {
			return fmt.Errorf("expect.diagnostics[%d]: unknown diagnostic kind %q", i, kind)
		}
	}
	if s.Expect.Stages < 0 {
		return fmt.Errorf("expect.stages must be non-negative")
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertOutputContains:
		if a.Output == "" {
			return fmt.Errorf("assertions[%d]: output is required for output_contains", index)
		}
		if len(a.Record) == 0 {
			return fmt.Errorf("assertions[%d]: record is required for output_contains", index)
		}
	case AssertOutputCount:
		if a.Output == "" {
			return fmt.Errorf("assertions[%d]: output is required for output_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for output_count", index)
		}
	case AssertPlanOrder:
		if len(a.Nodes) < 2 {
			return fmt.Errorf("assertions[%d]: plan_order needs at least two nodes", index)
		}
	case AssertChannelCount:
		switch ir.ChannelKind(a.Kind) {
		case ir.ChannelDirect, ir.ChannelShuffle, ir.ChannelBroadcast, ir.ChannelBarrier, ir.ChannelSink:
		default:
			return fmt.Errorf("assertions[%d]: unknown channel kind %q", index, a.Kind)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for channel_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
