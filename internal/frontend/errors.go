package frontend

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// LoadError is a problem loading a flow directory. Code is one of the E0xx
// and E1xx codes below.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// BuildError is a problem in one flow description. Field is the dotted path
// of the offending value, e.g. "flows.orders.nodes.enrich.in.src".
type BuildError struct {
	Field   string
	Message string
	Pos     token.Pos

	code string
}

// Code returns the error code for e.
func (e *BuildError) Code() string {
	if e.code != "" {
		return e.code
	}
	return MapFieldToErrorCode(e.Field)
}

func (e *BuildError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Error codes shared with the CLI.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE evaluation failed
	ErrCodeWriteFailed = "E007" // File write error

	ErrCodeInvalidType  = "E101" // Bad record type or field type
	ErrCodeInvalidNode  = "E102" // Bad or missing node kind or attribute
	ErrCodeInvalidWire  = "E103" // Unknown producer or port
	ErrCodeFloatType    = "E104" // Float field or value
	ErrCodeUnknownPart  = "E105" // Reference to an undefined flow part
	ErrCodeInvalidJoin  = "E106" // Bad join resource
	ErrCodeNoFlows      = "E107" // Nothing under flows
	ErrCodeInvalidKey   = "E108" // Bad key or order list
	ErrCodeInvalidValue = "E109" // Bad params, args or option value
)

// MapFieldToErrorCode maps a BuildError field path to an error code. The
// last recognised attribute in the path decides.
func MapFieldToErrorCode(field string) string {
	parts := strings.Split(field, ".")
	for i := len(parts) - 1; i >= 0; i-- {
		switch parts[i] {
		case "types", "fields", "type":
			return ErrCodeInvalidType
		case "kind", "nodes", "out":
			return ErrCodeInvalidNode
		case "in", "from":
			return ErrCodeInvalidWire
		case "part", "parts":
			return ErrCodeUnknownPart
		case "join":
			return ErrCodeInvalidJoin
		case "flows":
			return ErrCodeNoFlows
		case "key", "keys", "order":
			return ErrCodeInvalidKey
		case "params", "args", "size", "observation", "strategy", "volatile", "required":
			return ErrCodeInvalidValue
		case "cue":
			return ErrCodeBuildFailed
		}
	}
	return ErrCodeGeneric
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(field string, err error) *BuildError {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &BuildError{Field: field, Message: err.Error()}
	}
	first := errs[0]
	be := &BuildError{Field: field, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		be.Pos = positions[0]
	}
	return be
}
