// Package diag collects compiler diagnostics.
//
// Every pass receives the same *Sink and keeps going after reporting a
// problem, so one compile run reports every independent error. A Sink is safe
// for concurrent use.
package diag

import (
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Severity of a diagnostic.
type Severity uint8

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "error":
		*s = SeverityError
	case "warning":
		*s = SeverityWarning
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Kind classifies a diagnostic.
type Kind string

const (
	RecursiveFlowPart     Kind = "RecursiveFlowPart"
	UnresolvedOperator    Kind = "UnresolvedOperator"
	PortArityMismatch     Kind = "PortArityMismatch"
	TypeMismatch          Kind = "TypeMismatch"
	MissingResource       Kind = "MissingResource"
	CyclicDependency      Kind = "CyclicDependency"
	UnreachableOutput     Kind = "UnreachableOutput"
	DuplicateExternalName Kind = "DuplicateExternalName"
	UnboundParameter      Kind = "UnboundParameter"
	UnusedNode            Kind = "UnusedNode"
)

// Codes follow the E/W + number convention of the validation errors.
var codes = map[Kind]string{
	RecursiveFlowPart:     "E201",
	UnresolvedOperator:    "E202",
	PortArityMismatch:     "E203",
	TypeMismatch:          "E204",
	MissingResource:       "E205",
	CyclicDependency:      "E206",
	UnreachableOutput:     "W207",
	DuplicateExternalName: "E208",
	UnboundParameter:      "E209",
	UnusedNode:            "W210",
}

// Code returns the stable code of a kind.
func (k Kind) Code() string {
	if c, ok := codes[k]; ok {
		return c
	}
	return "E200"
}

// Known reports whether k is one of the kinds above.
func (k Kind) Known() bool {
	_, ok := codes[k]
	return ok
}

// Diagnostic is one reported problem.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Kind     Kind     `json:"kind"`
	Code     string   `json:"code"`
	Location string   `json:"location"`
	Message  string   `json:"message"`
}

// Error implements the error interface.
func (d Diagnostic) Error() string {
	if d.Location == "" {
		return fmt.Sprintf("[%s] %s", d.Code, d.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", d.Code, d.Location, d.Message)
}

// Sink accumulates diagnostics in emission order.
type Sink struct {
	mu    sync.Mutex
	diags []Diagnostic
}

// NewSink returns an empty sink.
func NewSink() *Sink {
	return &Sink{}
}

// Report appends a diagnostic.
func (s *Sink) Report(sev Severity, kind Kind, location, format string, args ...any) {
	d := Diagnostic{
		Severity: sev,
		Kind:     kind,
		Code:     kind.Code(),
		Location: location,
		Message:  fmt.Sprintf(format, args...),
	}
	s.mu.Lock()
	s.diags = append(s.diags, d)
	s.mu.Unlock()
}

// Errorf reports an error-severity diagnostic.
func (s *Sink) Errorf(kind Kind, location, format string, args ...any) {
	s.Report(SeverityError, kind, location, format, args...)
}

// Warnf reports a warning-severity diagnostic.
func (s *Sink) Warnf(kind Kind, location, format string, args ...any) {
	s.Report(SeverityWarning, kind, location, format, args...)
}

// All returns a copy of every diagnostic in emission order.
func (s *Sink) All() []Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.diags)
}

// HasErrors reports whether any error-severity diagnostic was emitted.
func (s *Sink) HasErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Count returns how many diagnostics of the given kind were emitted.
func (s *Sink) Count(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.diags {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// Errors returns how many error-severity diagnostics were emitted.
func (s *Sink) Errors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.diags {
		if d.Severity == SeverityError {
			n++
		}
	}
	return n
}

// Len returns the number of diagnostics.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.diags)
}

// Err folds every error-severity diagnostic into one error, or returns nil.
func (s *Sink) Err() error {
	var result *multierror.Error
	for _, d := range s.All() {
		if d.Severity == SeverityError {
			result = multierror.Append(result, d)
		}
	}
	return result.ErrorOrNil()
}
