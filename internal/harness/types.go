package harness

import (
	"github.com/roach88/flowc/internal/diag"
	"github.com/roach88/flowc/internal/ir"
)

// Pass names. Every scenario runs optimized and unoptimized; flows with
// joins also run with each join strategy forced.
const (
	PassOptimized   = "optimized"
	PassUnoptimized = "unoptimized"
	PassBroadcast   = "broadcast"
	PassShuffle     = "shuffle"
)

// PassResult summarises one compile-and-run of a scenario.
type PassResult struct {
	Name       string `json:"name"`
	Stages     int    `json:"stages"`
	RunID      string `json:"run_id"`
	Seq        int64  `json:"seq"`
	RecordsIn  int    `json:"records_in"`
	RecordsOut int    `json:"records_out"`
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Errors holds one message per failed check. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	Diagnostics []diag.Diagnostic `json:"diagnostics,omitempty"`

	// Plan is the optimized plan, nil when compilation failed.
	Plan *ir.ExplainDoc `json:"plan,omitempty"`

	// Outputs are the optimized pass's outputs. Every other pass must
	// match them.
	Outputs map[string][]ir.Record `json:"-"`

	Passes []PassResult `json:"passes"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Errors:  []string{},
		Outputs: map[string][]ir.Record{},
		Passes:  []PassResult{},
	}
}

// AddError records a failed check and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
