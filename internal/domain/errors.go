package domain

import "errors"

// Pipeline error taxonomy. Callers classify failures with errors.Is and
// decide whether a stage aborts the run or records a terminal status.
var (
	// ErrConfig marks invalid or incoherent configuration and arguments.
	ErrConfig = errors.New("invalid configuration")

	// ErrInputMissing marks a referenced input file that does not exist
	// or cannot be opened.
	ErrInputMissing = errors.New("input missing")

	// ErrNoData marks an upstream stage that produced nothing to work
	// on, for example zero extracted sequences across all samples.
	ErrNoData = errors.New("no data")

	// ErrToolFailure marks a non-zero exit or unusable output from an
	// external tool invocation.
	ErrToolFailure = errors.New("tool failure")
)
