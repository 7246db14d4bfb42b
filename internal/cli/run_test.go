package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runData struct {
	Flow       string                      `json:"flow"`
	RunID      string                      `json:"run_id"`
	PlanID     string                      `json:"plan_id"`
	Seq        int64                       `json:"seq"`
	Stages     int                         `json:"stages"`
	RecordsIn  int                         `json:"records_in"`
	RecordsOut int                         `json:"records_out"`
	Outputs    map[string][]map[string]any `json:"outputs"`
	OutDir     string                      `json:"out_dir"`
}

func runJSON(t *testing.T, args ...string) runData {
	t.Helper()
	out, _, err := execute(t, append([]string{"--format", "json", "run"}, args...)...)
	require.NoError(t, err, out)
	var data runData
	resp := decode(t, out, &data)
	require.Equal(t, "ok", resp.Status)
	return data
}

// totals maps user to n for a list of decoded records.
func totals(recs []map[string]any) map[string]float64 {
	out := map[string]float64{}
	for _, r := range recs {
		out[r["user"].(string)] = r["n"].(float64)
	}
	return out
}

func TestRun_Counts(t *testing.T) {
	data := runJSON(t, eventsDir, "--flow", "counts", "--input", "events="+eventsFile)

	assert.Equal(t, "counts", data.Flow)
	assert.NotEmpty(t, data.RunID)
	assert.Equal(t, int64(1), data.Seq)
	assert.Equal(t, 2, data.Stages)
	assert.Equal(t, 4, data.RecordsIn)
	assert.Equal(t, 3, data.RecordsOut)
	require.Contains(t, data.Outputs, "counts")
	assert.Equal(t, map[string]float64{"u1": 6, "u2": 1, "u3": 7}, totals(data.Outputs["counts"]))
	for _, r := range data.Outputs["counts"] {
		assert.Equal(t, "total", r["kind"])
	}
}

func TestRun_PartitionCountDoesNotChangeOutputs(t *testing.T) {
	for _, parts := range []string{"1", "3", "16"} {
		t.Run(parts, func(t *testing.T) {
			data := runJSON(t, eventsDir, "--flow", "counts", "-i", "events="+eventsFile, "--partitions", parts)
			assert.Equal(t, map[string]float64{"u1": 6, "u2": 1, "u3": 7}, totals(data.Outputs["counts"]))
		})
	}
}

func TestRun_LookupJoin(t *testing.T) {
	for _, strategy := range []string{"auto", "broadcast", "shuffle"} {
		t.Run(strategy, func(t *testing.T) {
			data := runJSON(t, eventsDir, "--flow", "lookup",
				"-i", "users="+usersFile, "-i", "events="+eventsFile, "--join-strategy", strategy)

			require.Len(t, data.Outputs["tagged"], 3)
			require.Len(t, data.Outputs["unknown"], 1)
			assert.Equal(t, "u3", data.Outputs["unknown"][0]["user"])
			for _, r := range data.Outputs["tagged"] {
				want := map[string]string{"u1": "pro", "u2": "free"}[r["user"].(string)]
				assert.Equal(t, want, r["plan"])
			}
		})
	}
}

func TestRun_Stdin(t *testing.T) {
	out, errOut := &strings.Builder{}, &strings.Builder{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetIn(strings.NewReader(`{"user":"u5","kind":"click","n":3}` + "\n" + `{"user":"u5","kind":"view","n":4}` + "\n"))
	cmd.SetArgs([]string{"run", eventsDir, "--flow", "counts", "--input", "events=-"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "✓ Ran flow counts: 2 stage(s), 2 record(s) in, 1 record(s) out")
	assert.Contains(t, out.String(), "counts (1)")
	assert.Contains(t, out.String(), `{"kind":"total","n":7,"user":"u5"}`)
}

func TestRun_OutDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	data := runJSON(t, eventsDir, "--flow", "lookup", "-i", "users="+usersFile, "-i", "events="+eventsFile, "--out-dir", dir)
	assert.Equal(t, dir, data.OutDir)
	assert.Empty(t, data.Outputs)

	tagged, err := os.ReadFile(filepath.Join(dir, "tagged.jsonl"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(tagged)), "\n"), 3)

	unknown, err := os.ReadFile(filepath.Join(dir, "unknown.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"click","n":7,"user":"u3"}`+"\n", string(unknown))
}

func TestRun_UnboundInputFailsRun(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "run", eventsDir, "--flow", "counts")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decode(t, out, nil)
	assert.Equal(t, ErrCodeRunFailed, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, `no records bound to external input "events"`)
}

func TestRun_Metrics(t *testing.T) {
	_, errOut, err := execute(t, "run", eventsDir, "--flow", "counts", "-i", "events="+eventsFile, "--metrics")
	require.NoError(t, err)
	assert.Contains(t, errOut, "flowc_compilations_total")
	assert.Contains(t, errOut, "flowc_runs_total")
	assert.Contains(t, errOut, "flowc_stage_duration_seconds")
}

func TestRun_MaxRecordsFailsRun(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "run", eventsDir, "--flow", "counts", "-i", "events="+eventsFile, "--max-records", "1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decode(t, out, nil)
	assert.Equal(t, ErrCodeRunFailed, resp.Error.Code)
}

func TestRun_CommandErrors(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte(`{"user":"u1","n":1.5}`+"\n"), 0o644))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"malformed input flag", []string{"--input", "events"}, "want name=path"},
		{"duplicate input", []string{"-i", "events=" + eventsFile, "-i", "events=" + eventsFile}, "given twice"},
		{"missing file", []string{"-i", "events=/nonexistent.jsonl"}, "input events"},
		{"float value", []string{"-i", "events=" + bad}, "floats are not allowed"},
		{"undeclared input", []string{"-i", "users=" + usersFile}, `no external input "users"`},
		{"zero partitions", []string{"--partitions", "0"}, "--partitions must be at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"run", eventsDir, "--flow", "counts"}, tt.args...)
			out, _, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out+err.Error(), tt.want)
		})
	}
}

func TestRun_DiagnosticsFail(t *testing.T) {
	_, _, err := execute(t, "run", brokenDir, "--flow", "missing_impl")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRun_RecordsInStore(t *testing.T) {
	db := filepath.Join(t.TempDir(), "flowc.db")
	first := runJSON(t, eventsDir, "--flow", "counts", "-i", "events="+eventsFile, "--db", db)
	second := runJSON(t, eventsDir, "--flow", "counts", "-i", "events="+eventsFile, "--db", db)

	assert.NotEmpty(t, first.PlanID)
	assert.Equal(t, first.PlanID, second.PlanID, "an unchanged flow reuses its plan")
	assert.Greater(t, second.Seq, first.Seq, "sequence numbers continue across processes")
	assert.NotEqual(t, first.RunID, second.RunID)
}
