package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowc/internal/ir"
)

func TestParseInputFlags(t *testing.T) {
	got, err := parseInputFlags([]string{"orders=o.jsonl", "users=-", "odd=a=b.jsonl"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"orders": "o.jsonl", "users": "-", "odd": "a=b.jsonl"}, got)

	for _, bad := range [][]string{{"orders"}, {"=o.jsonl"}, {"orders="}, {"a=x", "a=y"}} {
		_, err := parseInputFlags(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestReadJSONLines(t *testing.T) {
	in := `{"user":"u1","n":2,"tags":["a","b"],"meta":{"ok":true,"note":null}}

  {"user":"u2","n":-7}
`
	recs, err := readJSONLines(strings.NewReader(in), "in")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, ir.Record{
		"user": ir.String("u1"),
		"n":    ir.Int(2),
		"tags": ir.Array{ir.String("a"), ir.String("b")},
		"meta": ir.Object{"ok": ir.Bool(true), "note": ir.Null{}},
	}, recs[0])
	assert.Equal(t, ir.Int(-7), recs[1]["n"])
}

func TestReadJSONLines_Empty(t *testing.T) {
	recs, err := readJSONLines(strings.NewReader("\n\n"), "in")
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestReadJSONLines_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"invalid json", "{\"a\":1}\n{\"a\":\n", "in:2: invalid JSON"},
		{"not an object", "[1,2]\n", "in:1: expected a JSON object"},
		{"float", "{\"a\":1.5}\n", "in:1: object[\"a\"]: floats are not allowed"},
		{"nested float", "{\"a\":[1,2e3]}\n", "array[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readJSONLines(strings.NewReader(tt.in), "in")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadInputs(t *testing.T) {
	got, err := readInputs(map[string]string{"events": eventsFile, "users": "-"},
		strings.NewReader(`{"user":"u1","plan":"pro"}`))
	require.NoError(t, err)
	assert.Len(t, got["events"], 4)
	assert.Len(t, got["users"], 1)

	_, err = readInputs(map[string]string{"events": "/nonexistent.jsonl"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input events:")
}

func TestWriteOutputs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	err := writeOutputs(dir, map[string][]ir.Record{
		"a":     {{"k": ir.String("x"), "n": ir.Int(1)}, {"k": ir.String("y"), "n": ir.Int(2)}},
		"empty": {},
	})
	require.NoError(t, err)

	a, err := os.ReadFile(filepath.Join(dir, "a.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{\"k\":\"x\",\"n\":1}\n{\"k\":\"y\",\"n\":2}\n", string(a))

	empty, err := os.ReadFile(filepath.Join(dir, "empty.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, empty)
}
