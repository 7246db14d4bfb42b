package engine

import (
	"errors"
	"fmt"
)

// RuntimeError is an error detected while executing a plan.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Stage is the stage being executed, or -1 outside any stage.
	Stage int

	// Node is the qualified name of the failing operator, if any.
	Node string

	// Err is the underlying cause, typically returned by a user operator.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeInvalidPlan indicates a plan the engine cannot execute.
	ErrCodeInvalidPlan RuntimeErrorCode = "INVALID_PLAN"

	// ErrCodeMissingInput indicates an external input with no records bound.
	ErrCodeMissingInput RuntimeErrorCode = "MISSING_INPUT"

	// ErrCodeMissingImpl indicates an implementation reference the registry
	// does not hold, or holds with the wrong shape for the operator kind.
	ErrCodeMissingImpl RuntimeErrorCode = "MISSING_IMPL"

	// ErrCodeOperatorFailed indicates an operator returned an error.
	ErrCodeOperatorFailed RuntimeErrorCode = "OPERATOR_FAILED"

	// ErrCodeUnknownPort indicates an operator emitted to a port its node
	// does not declare.
	ErrCodeUnknownPort RuntimeErrorCode = "UNKNOWN_PORT"

	// ErrCodeQuotaExceeded indicates a run produced more records than allowed.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	switch {
	case e.Node != "":
		return fmt.Sprintf("%s: %s (stage=%d, node=%s)", e.Code, msg, e.Stage, e.Node)
	case e.Stage >= 0:
		return fmt.Sprintf("%s: %s (stage=%d)", e.Code, msg, e.Stage)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsMissingImplError reports whether err is an unresolved implementation.
func IsMissingImplError(err error) bool { return hasCode(err, ErrCodeMissingImpl) }

// IsMissingInputError reports whether err is an unbound external input.
func IsMissingInputError(err error) bool { return hasCode(err, ErrCodeMissingInput) }

// IsOperatorError reports whether err came from a failing operator.
func IsOperatorError(err error) bool { return hasCode(err, ErrCodeOperatorFailed) }

// IsQuotaError reports whether err is an exceeded record quota. Matches
// both RuntimeError and RecordsExceededError.
func IsQuotaError(err error) bool {
	if hasCode(err, ErrCodeQuotaExceeded) {
		return true
	}
	var qe *RecordsExceededError
	return errors.As(err, &qe)
}

func invalidPlan(format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: ErrCodeInvalidPlan, Message: fmt.Sprintf(format, args...), Stage: -1}
}

func missingImpl(stage int, node, impl, kind string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeMissingImpl,
		Message: fmt.Sprintf("no %s implementation registered as %q", kind, impl),
		Stage:   stage,
		Node:    node,
	}
}

func operatorFailed(stage int, node string, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeOperatorFailed,
		Message: "operator failed",
		Stage:   stage,
		Node:    node,
		Err:     err,
	}
}
