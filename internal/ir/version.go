package ir

// Version constants for the plan document and compiler.
const (
	// PlanVersion is the version of the explain/plan document schema.
	PlanVersion = "1"

	// CompilerVersion is the flowc compiler version. Stored plans compiled by
	// a different version are never reused.
	CompilerVersion = "0.3.0"
)
