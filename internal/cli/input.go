package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/roach88/flowc/internal/ir"
)

// maxLine bounds a single JSON Lines record.
const maxLine = 16 << 20

// parseInputFlags splits repeated name=path flags.
func parseInputFlags(flags []string) (map[string]string, error) {
	out := make(map[string]string, len(flags))
	for _, fl := range flags {
		name, path, ok := strings.Cut(fl, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("--input %q: want name=path", fl)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("--input %q given twice", name)
		}
		out[name] = path
	}
	return out, nil
}

// readInputs reads every input file. A path of "-" reads stdin.
func readInputs(paths map[string]string, stdin io.Reader) (map[string][]ir.Record, error) {
	out := make(map[string][]ir.Record, len(paths))
	for _, name := range slices.Sorted(maps.Keys(paths)) {
		path := paths[name]
		var (
			recs []ir.Record
			err  error
		)
		if path == "-" {
			recs, err = readJSONLines(stdin, "stdin")
		} else {
			recs, err = readJSONLinesFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		out[name] = recs
	}
	return out, nil
}

func readJSONLinesFile(path string) ([]ir.Record, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return readJSONLines(fh, path)
}

// readJSONLines reads one JSON object per non-blank line. Numbers must be
// integers.
func readJSONLines(r io.Reader, name string) ([]ir.Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	recs := []ir.Record{}
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		if !gjson.ValidBytes(text) {
			return nil, fmt.Errorf("%s:%d: invalid JSON", name, line)
		}
		res := gjson.ParseBytes(text)
		if !res.IsObject() {
			return nil, fmt.Errorf("%s:%d: expected a JSON object", name, line)
		}
		v, err := valueOf(res)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, line, err)
		}
		recs = append(recs, v.(ir.Object))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return recs, nil
}

func valueOf(r gjson.Result) (ir.Value, error) {
	switch r.Type {
	case gjson.Null:
		return ir.Null{}, nil
	case gjson.False:
		return ir.Bool(false), nil
	case gjson.True:
		return ir.Bool(true), nil
	case gjson.String:
		return ir.String(r.Str), nil
	case gjson.Number:
		return ir.FromGo(json.Number(r.Raw))
	}

	var err error
	if r.IsArray() {
		arr := ir.Array{}
		r.ForEach(func(_, elem gjson.Result) bool {
			var v ir.Value
			if v, err = valueOf(elem); err != nil {
				err = fmt.Errorf("array[%d]: %w", len(arr), err)
				return false
			}
			arr = append(arr, v)
			return true
		})
		return arr, err
	}
	obj := ir.Object{}
	r.ForEach(func(key, elem gjson.Result) bool {
		var v ir.Value
		if v, err = valueOf(elem); err != nil {
			err = fmt.Errorf("object[%q]: %w", key.Str, err)
			return false
		}
		obj[key.Str] = v
		return true
	})
	return obj, err
}

// writeOutputs writes each output as name.jsonl under dir.
func writeOutputs(dir string, outputs map[string][]ir.Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, name := range slices.Sorted(maps.Keys(outputs)) {
		var buf bytes.Buffer
		for _, r := range outputs[name] {
			buf.Write(ir.MustMarshalCanonical(r))
			buf.WriteByte('\n')
		}
		if err := os.WriteFile(filepath.Join(dir, name+".jsonl"), buf.Bytes(), 0o644); err != nil {
			return err
		}
	}
	return nil
}
