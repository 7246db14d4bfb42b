package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/flowc/internal/ir"
)

const planColumns = `id, flow, graph_hash, options_hash, compiler_version, created_at_seq, stage_count, warning_count`

// FindPlan looks up a cached plan by graph and options fingerprint. Plans
// written by another compiler version never match. The bool is false when
// nothing is cached.
func (s *Store) FindPlan(ctx context.Context, graphHash, optionsHash string) (PlanRecord, bool, error) {
	rec, err := scanPlan(s.db.QueryRowContext(ctx, `
		SELECT `+planColumns+`
		FROM plans
		WHERE graph_hash = ? AND options_hash = ? AND compiler_version = ?
	`, graphHash, optionsHash, ir.CompilerVersion))
	if errors.Is(err, sql.ErrNoRows) {
		return PlanRecord{}, false, nil
	}
	if err != nil {
		return PlanRecord{}, false, fmt.Errorf("find plan: %w", err)
	}
	return rec, true, nil
}

// ReadPlanDocument returns the explain document of a cached plan.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadPlanDocument(ctx context.Context, planID string) (ir.ExplainDoc, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM plans WHERE id = ?`, planID).Scan(&blob)
	if err != nil {
		return ir.ExplainDoc{}, fmt.Errorf("read plan %s: %w", planID, err)
	}
	doc, err := decompressDocument(blob)
	if err != nil {
		return ir.ExplainDoc{}, fmt.Errorf("read plan %s: %w", planID, err)
	}
	return doc, nil
}

// ListPlans returns every cached plan ordered by created_at_seq, then id.
// Returns an empty slice (not nil) for an empty store.
func (s *Store) ListPlans(ctx context.Context) ([]PlanRecord, error) {
	return s.QueryPlans(ctx, nil)
}

// ListRuns returns runs ordered by seq, then id. An empty planID lists the
// runs of every plan.
func (s *Store) ListRuns(ctx context.Context, planID string) ([]RunRecord, error) {
	if planID == "" {
		return s.QueryRuns(ctx, nil)
	}
	return s.QueryRuns(ctx, Equals{Column: "plan_id", Value: planID})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (PlanRecord, error) {
	var p PlanRecord
	err := row.Scan(
		&p.ID,
		&p.Flow,
		&p.GraphHash,
		&p.OptionsHash,
		&p.CompilerVersion,
		&p.CreatedAtSeq,
		&p.StageCount,
		&p.WarningCount,
	)
	if err != nil {
		return PlanRecord{}, fmt.Errorf("scan plan: %w", err)
	}
	return p, nil
}
