package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/flowc/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	PlanID   string // optional - runs of one plan only
	Flow     string
	Status   string
}

// HistoryEntry is one cached plan and its runs.
type HistoryEntry struct {
	Plan store.PlanRecord  `json:"plan"`
	Runs []store.RunRecord `json:"runs"`
}

// HistoryResult holds the history output.
type HistoryResult struct {
	Plans     []HistoryEntry `json:"plans"`
	TotalRuns int            `json:"total_runs"`
	LastSeq   int64          `json:"last_seq"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List cached plans and recorded runs",
		Long: `List the plans cached in a plan store and the runs recorded
against each, in sequence order.

Examples:
  flowc history --db ./flowc.db
  flowc history --db ./flowc.db --flow orders --status failed
  flowc history --db ./flowc.db --plan 3f2a... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite plan store (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.PlanID, "plan", "", "show only this plan")
	cmd.Flags().StringVar(&opts.Flow, "flow", "", "show only plans of this flow")
	cmd.Flags().StringVar(&opts.Status, "status", "", "show only runs with this status (ok|failed)")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)
	if opts.Status != "" && opts.Status != store.RunOK && opts.Status != store.RunFailed {
		return f.fail(ExitCommandError, ErrCodeUsage, fmt.Sprintf("--status must be %s or %s, got %q", store.RunOK, store.RunFailed, opts.Status))
	}

	st, err := openExistingStore(opts.Database)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeStore, err.Error())
	}
	defer st.Close()

	result, err := loadHistory(ctx, st, opts)
	if err != nil {
		return f.fail(ExitFailure, ErrCodeStore, err.Error())
	}
	if opts.PlanID != "" && opts.Status == "" && len(result.Plans) == 0 {
		return f.fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("plan %s not found", opts.PlanID))
	}

	if f.JSON() {
		return f.Success(result)
	}

	w := f.Writer
	if len(result.Plans) == 0 {
		fmt.Fprintln(w, "No plans recorded.")
		return nil
	}
	for _, e := range result.Plans {
		p := e.Plan
		fmt.Fprintf(w, "[%d] plan %s  flow %s  %d stage(s)  %d warning(s)  compiler %s\n",
			p.CreatedAtSeq, short(p.ID), p.Flow, p.StageCount, p.WarningCount, p.CompilerVersion)
		for _, r := range e.Runs {
			line := fmt.Sprintf("    [%d] run %s  %s  in %d  out %d", r.Seq, r.ID, r.Status, r.RecordsIn, r.RecordsOut)
			if r.Error != "" {
				line += "  " + r.Error
			}
			fmt.Fprintln(w, line)
		}
	}
	fmt.Fprintf(w, "\n%d plan(s), %d run(s), last seq %d\n", len(result.Plans), result.TotalRuns, result.LastSeq)
	return nil
}

func loadHistory(ctx context.Context, st *store.Store, opts *HistoryOptions) (*HistoryResult, error) {
	var planFilter, runFilter store.And
	if opts.PlanID != "" {
		planFilter = append(planFilter, store.Equals{Column: "id", Value: opts.PlanID})
		runFilter = append(runFilter, store.Equals{Column: "plan_id", Value: opts.PlanID})
	}
	if opts.Flow != "" {
		planFilter = append(planFilter, store.Equals{Column: "flow", Value: opts.Flow})
		runFilter = append(runFilter, store.Equals{Column: "flow", Value: opts.Flow})
	}
	if opts.Status != "" {
		runFilter = append(runFilter, store.Equals{Column: "status", Value: opts.Status})
	}

	plans, err := st.QueryPlans(ctx, planFilter)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	runs, err := st.QueryRuns(ctx, runFilter)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	last, err := st.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading last sequence: %w", err)
	}

	byPlan := make(map[string][]store.RunRecord)
	for _, r := range runs {
		byPlan[r.PlanID] = append(byPlan[r.PlanID], r)
	}
	result := &HistoryResult{Plans: []HistoryEntry{}, LastSeq: last}
	for _, p := range plans {
		entry := HistoryEntry{Plan: p, Runs: nonNil(byPlan[p.ID])}
		// A status filter hides plans with no matching run.
		if opts.Status != "" && len(entry.Runs) == 0 {
			continue
		}
		result.TotalRuns += len(entry.Runs)
		result.Plans = append(result.Plans, entry)
	}
	return result, nil
}

// openExistingStore opens a plan store that must already exist, so a
// mistyped path is reported instead of creating an empty database.
func openExistingStore(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("plan store not found: %s", path)
		}
		return nil, fmt.Errorf("plan store: %w", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening plan store: %w", err)
	}
	return st, nil
}
