package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pierrec/lz4"

	"github.com/roach88/flowc/internal/ir"
)

// compressDocument encodes an explain document as JSON and compresses it
// into an lz4 frame.
func compressDocument(doc ir.ExplainDoc) ([]byte, error) {
	var raw bytes.Buffer
	enc := json.NewEncoder(&raw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}

	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if _, err := w.Write(bytes.TrimSpace(raw.Bytes())); err != nil {
		return nil, fmt.Errorf("compress document: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress document: %w", err)
	}
	return out.Bytes(), nil
}

// decompressDocument reverses compressDocument.
func decompressDocument(blob []byte) (ir.ExplainDoc, error) {
	var doc ir.ExplainDoc
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return doc, fmt.Errorf("decompress document: %w", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}

// PlanID derives the content address of a plan from the fingerprints that
// determine it.
func PlanID(graphHash, optionsHash, compilerVersion string) string {
	id, err := ir.Fingerprint(ir.DomainPlan, ir.Obj(
		ir.F("compiler", ir.String(compilerVersion)),
		ir.F("graph", ir.String(graphHash)),
		ir.F("options", ir.String(optionsHash)),
	))
	if err != nil {
		panic(err)
	}
	return id
}
