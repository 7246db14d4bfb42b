package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/flowc/internal/engine"
	"github.com/roach88/flowc/internal/ir"
)

// ExplainOptions holds flags for the explain command.
type ExplainOptions struct {
	*RootOptions
	compileFlags
	Database string
	PlanID   string
}

// NewExplainCommand creates the explain command.
func NewExplainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExplainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "explain [flow-dir]",
		Short: "Show the stage graph of a flow",
		Long: `Show the stage graph of a compiled flow: stages with their shuffle
keys and dependencies, the operators and fused units in each stage, and
the channels between them.

Either compile a flow from a directory, or read a stored plan back from
the plan cache with --db and --plan.

Examples:
  flowc explain ./flows --flow orders
  flowc explain ./flows --flow orders --join-strategy shuffle --format json
  flowc explain --db ./flowc.db --plan 3f2a...`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExplain(cmd.Context(), opts, args, cmd)
		},
	}

	opts.compileFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite plan cache")
	cmd.Flags().StringVar(&opts.PlanID, "plan", "", "stored plan id to explain (requires --db)")
	cmd.MarkFlagsRequiredTogether("db", "plan")

	return cmd
}

func runExplain(ctx context.Context, opts *ExplainOptions, args []string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)

	var doc ir.ExplainDoc
	switch {
	case opts.PlanID != "":
		if len(args) > 0 || opts.Flow != "" {
			return f.fail(ExitCommandError, ErrCodeUsage, "--plan cannot be combined with a flow directory or --flow")
		}
		st, err := openExistingStore(opts.Database)
		if err != nil {
			return f.fail(ExitCommandError, ErrCodeStore, err.Error())
		}
		defer st.Close()
		doc, err = st.ReadPlanDocument(ctx, opts.PlanID)
		if err != nil {
			exit := ExitFailure
			if errors.Is(err, sql.ErrNoRows) {
				exit = ExitCommandError
			}
			return f.fail(exit, ErrCodeStore, err.Error())
		}
	case len(args) == 1:
		if opts.Flow == "" {
			return f.fail(ExitCommandError, ErrCodeUsage, "--flow is required with a flow directory")
		}
		p, err := prepareFlow(f, opts.logger(cmd), args[0], &opts.compileFlags, engine.NewRegistry(), nil)
		if err != nil {
			return err
		}
		res := p.Compile()
		if res.Failed {
			return outputDiagnosticsFailure(f, opts.Flow, res)
		}
		doc = ir.Explain(res.Plan)
	default:
		return f.fail(ExitCommandError, ErrCodeUsage, "need a flow directory or --db and --plan")
	}

	if f.JSON() {
		return f.Success(doc)
	}
	printExplain(f.Writer, doc)
	return nil
}

// printExplain renders an explain document for people.
func printExplain(w io.Writer, doc ir.ExplainDoc) {
	fmt.Fprintf(w, "Flow: %s\n", doc.Flow)
	fmt.Fprintf(w, "Plan version %s, compiler %s\n", doc.Version, doc.Compiler)
	fmt.Fprintf(w, "Order: %s\n", strings.Join(doc.Order, ", "))

	for _, st := range doc.Stages {
		fmt.Fprintln(w)
		header := fmt.Sprintf("Stage %d", st.ID)
		if st.Key != "" {
			header += " key " + st.Key
		}
		if len(st.Deps) > 0 {
			header += fmt.Sprintf(" after %v", st.Deps)
		}
		fmt.Fprintln(w, header)

		for _, n := range st.Nodes {
			if n.Variant != "" {
				fmt.Fprintf(w, "  node %s (%s, %s)\n", n.Name, n.Kind, n.Variant)
			} else {
				fmt.Fprintf(w, "  node %s (%s)\n", n.Name, n.Kind)
			}
		}
		for _, u := range st.Units {
			if len(u) > 1 {
				fmt.Fprintf(w, "  fused %s\n", strings.Join(u, " -> "))
			}
		}
		for _, c := range st.Inputs {
			fmt.Fprintf(w, "  in   %s\n", formatChannel(c))
		}
		for _, c := range st.Resources {
			fmt.Fprintf(w, "  side %s\n", formatChannel(c))
		}
		for _, c := range st.Outputs {
			fmt.Fprintf(w, "  out  %s\n", formatChannel(c))
		}
	}
}

func formatChannel(c ir.ExplainChannel) string {
	var b strings.Builder
	b.WriteString(string(c.Kind))
	if c.Shuffle > 0 {
		fmt.Fprintf(&b, "#%d", c.Shuffle)
	}
	fmt.Fprintf(&b, " %s -> %s", c.From, c.To)
	if c.Key != "" {
		fmt.Fprintf(&b, " key %s", c.Key)
	}
	if c.FromStage != c.ToStage {
		fmt.Fprintf(&b, " (stage %d -> %d)", c.FromStage, c.ToStage)
	}
	return b.String()
}
