package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/flowc/internal/ir"
)

// Predicate restricts a plan or run listing. Values are always bound as
// parameters, never interpolated.
type Predicate interface {
	isPredicate()
}

// Equals matches rows whose Column equals Value. Value may be a Go
// string, integer or bool, or an ir.String, ir.Int, ir.Bool or ir.Null.
type Equals struct {
	Column string
	Value  any
}

// And matches rows every predicate matches. An empty And matches all rows.
type And []Predicate

func (Equals) isPredicate() {}
func (And) isPredicate()    {}

// selectQuery is a listing over one table, or runs joined to their plan.
type selectQuery struct {
	from    string
	columns string
	// filterable maps the column names callers use to qualified columns.
	filterable map[string]string
	filter     Predicate
	// order must end in a unique column so results are deterministic.
	order string
}

var planQuery = selectQuery{
	from:    "plans",
	columns: planColumns,
	filterable: map[string]string{
		"id":               "id",
		"flow":             "flow",
		"graph_hash":       "graph_hash",
		"options_hash":     "options_hash",
		"compiler_version": "compiler_version",
	},
	order: "created_at_seq ASC, id COLLATE BINARY ASC",
}

var runQuery = selectQuery{
	from:    "runs INNER JOIN plans ON plans.id = runs.plan_id",
	columns: "runs.id, runs.plan_id, runs.seq, runs.records_in, runs.records_out, runs.status, runs.error",
	filterable: map[string]string{
		"id":      "runs.id",
		"plan_id": "runs.plan_id",
		"status":  "runs.status",
		"flow":    "plans.flow",
	},
	order: "runs.seq ASC, runs.id COLLATE BINARY ASC",
}

func (q selectQuery) where(p Predicate) selectQuery {
	q.filter = p
	return q
}

// compile renders the query as parameterized SQL.
func (q selectQuery) compile() (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", q.columns, q.from)
	var params []any
	if q.filter != nil {
		cond, ps, err := q.compilePredicate(q.filter)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" WHERE " + cond)
		params = ps
	}
	b.WriteString(" ORDER BY " + q.order)
	return b.String(), params, nil
}

func (q selectQuery) compilePredicate(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case Equals:
		col, ok := q.filterable[pred.Column]
		if !ok {
			return "", nil, fmt.Errorf("cannot filter %s on column %q", strings.Fields(q.from)[0], pred.Column)
		}
		param, err := sqlParam(pred.Value)
		if err != nil {
			return "", nil, fmt.Errorf("column %s: %w", pred.Column, err)
		}
		if param == nil {
			return col + " IS NULL", nil, nil
		}
		return col + " = ?", []any{param}, nil
	case And:
		if len(pred) == 0 {
			return "1 = 1", nil, nil
		}
		parts := make([]string, 0, len(pred))
		var params []any
		for _, sub := range pred {
			cond, ps, err := q.compilePredicate(sub)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, cond)
			params = append(params, ps...)
		}
		return "(" + strings.Join(parts, " AND ") + ")", params, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate %T", p)
	}
}

func sqlParam(v any) (any, error) {
	switch val := v.(type) {
	case nil, ir.Null:
		return nil, nil
	case string:
		return val, nil
	case int:
		return int64(val), nil
	case int64:
		return val, nil
	case bool:
		return val, nil
	case ir.String:
		return string(val), nil
	case ir.Int:
		return int64(val), nil
	case ir.Bool:
		return bool(val), nil
	default:
		return nil, fmt.Errorf("%T cannot be used as a query parameter", v)
	}
}

// QueryPlans returns the cached plans p matches, ordered by
// created_at_seq, then id. A nil p matches every plan.
func (s *Store) QueryPlans(ctx context.Context, p Predicate) ([]PlanRecord, error) {
	query, params, err := planQuery.where(p).compile()
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	plans := []PlanRecord{}
	for rows.Next() {
		rec, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return plans, nil
}

// QueryRuns returns the runs p matches, ordered by seq, then id. Runs can
// be filtered by their plan's flow.
func (s *Store) QueryRuns(ctx context.Context, p Predicate) ([]RunRecord, error) {
	query, params, err := runQuery.where(p).compile()
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.PlanID, &r.Seq, &r.RecordsIn, &r.RecordsOut, &r.Status, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
