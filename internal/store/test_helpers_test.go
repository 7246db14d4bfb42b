package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/flowc/internal/ir"
)

// createTestStore opens a fresh store in a temp dir, closed on cleanup.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testDocument builds a small two-stage explain document.
func testDocument(flow string) ir.ExplainDoc {
	return ir.ExplainDoc{
		Version:  ir.PlanVersion,
		Compiler: ir.CompilerVersion,
		Flow:     flow,
		Order:    []string{"orders", "total", "out"},
		Stages: []ir.ExplainStage{
			{
				ID:    0,
				Deps:  []int{},
				Nodes: []ir.ExplainNode{{Name: "orders", Kind: "ExternalInput"}},
				Units: [][]string{{"orders"}},
				Inputs: []ir.ExplainChannel{},
				Outputs: []ir.ExplainChannel{{
					Kind: ir.ChannelShuffle, From: "orders.out", To: "total.in",
					FromStage: 0, ToStage: 1, Shuffle: 1, Key: "[customer_id]",
				}},
			},
			{
				ID:    1,
				Key:   "[customer_id]",
				Deps:  []int{0},
				Nodes: []ir.ExplainNode{{Name: "total", Kind: "Fold"}, {Name: "out", Kind: "ExternalOutput"}},
				Units: [][]string{{"total"}, {"out"}},
				Inputs: []ir.ExplainChannel{{
					Kind: ir.ChannelShuffle, From: "orders.out", To: "total.in",
					FromStage: 0, ToStage: 1, Shuffle: 1, Key: "[customer_id]",
				}},
				Outputs: []ir.ExplainChannel{},
			},
		},
	}
}
