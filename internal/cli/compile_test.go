package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowc/internal/ir"
)

func TestCompile_Text(t *testing.T) {
	out, _, err := execute(t, "compile", eventsDir, "--flow", "counts")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Compiled flow counts: 2 stage(s), 0 warning(s)")
	assert.NotContains(t, out, "Plan ", "no plan id without --db")
}

func TestCompile_JSONIncludesPlan(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "compile", eventsDir, "--flow", "counts")
	require.NoError(t, err)

	var summary CompileSummary
	resp := decode(t, out, &summary)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "counts", summary.Flow)
	assert.Equal(t, 2, summary.Stages)
	assert.False(t, summary.Cached)
	require.NotNil(t, summary.Plan)
	assert.Equal(t, ir.PlanVersion, summary.Plan.Version)
	assert.Equal(t, []string{"events", "relabel", "per_user", "counts"}, summary.Plan.Order)
}

func TestCompile_OutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counts.plan.json")
	out, _, err := execute(t, "compile", eventsDir, "--flow", "counts", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote explain document to "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc ir.ExplainDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "counts", doc.Flow)
	require.Len(t, doc.Stages, 2)
	assert.Empty(t, doc.Stages[0].Key)
	assert.Equal(t, "user", doc.Stages[1].Key)
}

func TestCompile_ForcedStrategyChangesChannels(t *testing.T) {
	var auto, shuffled CompileSummary
	out, _, err := execute(t, "--format", "json", "compile", eventsDir, "--flow", "lookup")
	require.NoError(t, err)
	decode(t, out, &auto)
	out, _, err = execute(t, "--format", "json", "compile", eventsDir, "--flow", "lookup", "--join-strategy", "shuffle")
	require.NoError(t, err)
	decode(t, out, &shuffled)

	assert.Equal(t, 1, countChannels(auto.Plan, ir.ChannelBroadcast))
	assert.Zero(t, countChannels(shuffled.Plan, ir.ChannelBroadcast))
	assert.Equal(t, 2, countChannels(shuffled.Plan, ir.ChannelShuffle))
}

func countChannels(doc *ir.ExplainDoc, kind ir.ChannelKind) int {
	n := 0
	for _, st := range doc.Stages {
		for _, chs := range [][]ir.ExplainChannel{st.Inputs, st.Resources} {
			for _, c := range chs {
				if c.Kind == kind {
					n++
				}
			}
		}
	}
	return n
}

func TestCompile_CachesPlansInStore(t *testing.T) {
	db := filepath.Join(t.TempDir(), "flowc.db")

	var first, second, other CompileSummary
	out, _, err := execute(t, "--format", "json", "compile", eventsDir, "--flow", "counts", "--db", db)
	require.NoError(t, err)
	decode(t, out, &first)
	out, _, err = execute(t, "--format", "json", "compile", eventsDir, "--flow", "counts", "--db", db)
	require.NoError(t, err)
	decode(t, out, &second)
	out, _, err = execute(t, "--format", "json", "compile", eventsDir, "--flow", "counts", "--db", db, "--no-optimize")
	require.NoError(t, err)
	decode(t, out, &other)

	require.NotEmpty(t, first.PlanID)
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.PlanID, second.PlanID)
	assert.Equal(t, first.Plan, second.Plan, "cached document reads back unchanged")
	assert.NotEqual(t, first.PlanID, other.PlanID, "options are part of the cache key")
	assert.False(t, other.Cached)
}

func TestCompile_Diagnostics(t *testing.T) {
	out, _, err := execute(t, "compile", brokenDir, "--flow", "missing_impl")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ flow missing_impl failed to compile with 1 error(s)")
	assert.Contains(t, out, "E202 [UnresolvedOperator]")
	assert.Contains(t, out, "app.score")
}

func TestCompile_DiagnosticsJSON(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "compile", brokenDir, "--flow", "missing_impl")
	require.Error(t, err)

	var data struct {
		Flow        string `json:"flow"`
		Diagnostics []struct {
			Kind     string `json:"kind"`
			Code     string `json:"code"`
			Severity string `json:"severity"`
		} `json:"diagnostics"`
	}
	resp := decode(t, out, &data)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeDiagnostics, resp.Error.Code)
	require.Len(t, data.Diagnostics, 1)
	assert.Equal(t, "UnresolvedOperator", data.Diagnostics[0].Kind)
	assert.Equal(t, "error", data.Diagnostics[0].Severity)
}

func TestCompile_CommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing directory", []string{"compile", "/nonexistent/flows", "--flow", "x"}, "E005"},
		{"empty directory", []string{"compile", t.TempDir(), "--flow", "x"}, "E003"},
		{"unknown flow", []string{"compile", eventsDir, "--flow", "nope"}, `flow "nope" is not defined`},
		{"bad threshold", []string{"compile", eventsDir, "--flow", "counts", "--broadcast-threshold", "huge"}, "--broadcast-threshold"},
		{"bad strategy", []string{"compile", eventsDir, "--flow", "counts", "--join-strategy", "hash"}, "--join-strategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out+err.Error(), tt.want)
		})
	}
}

func TestCompile_FlowIsRequired(t *testing.T) {
	_, _, err := execute(t, "compile", eventsDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"flow" not set`)
}
