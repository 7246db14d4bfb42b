package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	eventsDir  = filepath.Join("testdata", "flows", "events")
	brokenDir  = filepath.Join("testdata", "flows", "broken")
	eventsFile = filepath.Join("testdata", "inputs", "events.jsonl")
	usersFile  = filepath.Join("testdata", "inputs", "users.jsonl")
)

// execute runs the root command with args and returns stdout, stderr and
// the command error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := Execute(cmd)
	return out.String(), errOut.String(), err
}

// decode parses a JSON envelope and re-decodes its data into v.
func decode(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	if v != nil {
		data, err := json.Marshal(resp.Data)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, v))
	}
	return resp
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "flowc", cmd.Use)
	assert.Contains(t, cmd.Long, "staged execution plans")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"compile", "validate", "explain", "run", "test", "history"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "false", verbose.DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestCompilerFlagsShared(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"compile", "explain", "run"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		for _, flag := range []string{"flow", "broadcast-threshold", "join-strategy", "no-optimize", "keep-unused"} {
			assert.NotNil(t, sub.Flags().Lookup(flag), "%s --%s", name, flag)
		}
	}

	compile, _, _ := cmd.Find([]string{"compile"})
	assert.Equal(t, "o", compile.Flags().Lookup("output").Shorthand)
	run, _, _ := cmd.Find([]string{"run"})
	assert.Equal(t, "4", run.Flags().Lookup("partitions").DefValue)
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))

	_, _, err := execute(t, "--format", "xml", "validate", eventsDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestVerboseLogsToStderr(t *testing.T) {
	out, errOut, err := execute(t, "--format", "json", "-v", "compile", eventsDir, "--flow", "counts")
	require.NoError(t, err)
	decode(t, out, nil)
	assert.Contains(t, errOut, "Prepared flow counts")
	assert.Contains(t, errOut, "pass=inline", "compiler debug logs are enabled by --verbose")
}

func TestCobraErrorsAreUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{"compile", eventsDir},
		{"compile"},
		{"frobnicate"},
		{"run", eventsDir, "--flow", "counts", "--no-such-flag"},
	} {
		_, _, err := execute(t, args...)
		require.Error(t, err, "%v", args)
		assert.Equal(t, ExitCommandError, GetExitCode(err), "%v", args)
	}
}
