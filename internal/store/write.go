package store

import (
	"context"
	"fmt"

	"github.com/roach88/flowc/internal/ir"
)

// Run statuses.
const (
	RunOK     = "ok"
	RunFailed = "failed"
)

// PlanRecord is the metadata row of a cached plan. The document itself is
// read separately with ReadPlanDocument.
type PlanRecord struct {
	ID              string `json:"id"`
	Flow            string `json:"flow"`
	GraphHash       string `json:"graph_hash"`
	OptionsHash     string `json:"options_hash"`
	CompilerVersion string `json:"compiler_version"`
	CreatedAtSeq    int64  `json:"created_at_seq"`
	StageCount      int    `json:"stage_count"`
	WarningCount    int    `json:"warning_count"`
}

// RunRecord is one execution of a cached plan.
type RunRecord struct {
	ID         string `json:"id"`
	PlanID     string `json:"plan_id"`
	Seq        int64  `json:"seq"`
	RecordsIn  int64  `json:"records_in"`
	RecordsOut int64  `json:"records_out"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// WritePlan caches doc under rec's fingerprints and returns the stored row.
// ID defaults to PlanID of the fingerprints, CompilerVersion to the running
// compiler and CreatedAtSeq to one past LastSeq. Writing a plan that is
// already cached leaves the existing row untouched and returns it.
func (s *Store) WritePlan(ctx context.Context, rec PlanRecord, doc ir.ExplainDoc) (PlanRecord, error) {
	if rec.CompilerVersion == "" {
		rec.CompilerVersion = ir.CompilerVersion
	}
	if rec.ID == "" {
		rec.ID = PlanID(rec.GraphHash, rec.OptionsHash, rec.CompilerVersion)
	}
	if rec.Flow == "" {
		rec.Flow = doc.Flow
	}
	if rec.StageCount == 0 {
		rec.StageCount = len(doc.Stages)
	}

	blob, err := compressDocument(doc)
	if err != nil {
		return PlanRecord{}, fmt.Errorf("write plan: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PlanRecord{}, fmt.Errorf("write plan: begin: %w", err)
	}
	defer tx.Rollback()

	if rec.CreatedAtSeq == 0 {
		last, err := lastSeq(ctx, tx)
		if err != nil {
			return PlanRecord{}, fmt.Errorf("write plan: %w", err)
		}
		rec.CreatedAtSeq = last + 1
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO plans
		(id, flow, graph_hash, options_hash, compiler_version, created_at_seq, stage_count, warning_count, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		rec.ID,
		rec.Flow,
		rec.GraphHash,
		rec.OptionsHash,
		rec.CompilerVersion,
		rec.CreatedAtSeq,
		rec.StageCount,
		rec.WarningCount,
		blob,
	)
	if err != nil {
		return PlanRecord{}, fmt.Errorf("write plan: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return PlanRecord{}, fmt.Errorf("write plan: commit: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := scanPlan(s.db.QueryRowContext(ctx, `
			SELECT `+planColumns+` FROM plans
			WHERE id = ? OR (graph_hash = ? AND options_hash = ? AND compiler_version = ?)
			ORDER BY created_at_seq ASC
			LIMIT 1
		`, rec.ID, rec.GraphHash, rec.OptionsHash, rec.CompilerVersion))
		if err != nil {
			return PlanRecord{}, fmt.Errorf("write plan: read existing: %w", err)
		}
		return existing, nil
	}
	return rec, nil
}

// WriteRun records a run. The referenced plan must exist. Duplicate run
// ids are silently ignored.
func (s *Store) WriteRun(ctx context.Context, run RunRecord) error {
	if run.Status != RunOK && run.Status != RunFailed {
		return fmt.Errorf("write run: invalid status %q", run.Status)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, plan_id, seq, records_in, records_out, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.PlanID,
		run.Seq,
		run.RecordsIn,
		run.RecordsOut,
		run.Status,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}
