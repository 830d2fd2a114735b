package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code categorizes dispatcher and replay errors.
type Code string

const (
	// CodeValidation indicates a malformed run_id, route or payload.
	// Nothing is acquired, executed or recorded.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeRunIDConflict indicates a run_id reused with different inputs.
	CodeRunIDConflict Code = "RUN_ID_CONFLICT"

	// CodeFeeViolation indicates a zero or negative fee for a mutating action,
	// or a sponsored charge that diverges from the unsponsored quote.
	// This is an engine bug; the run aborts before commit.
	CodeFeeViolation Code = "FEE_VIOLATION"

	// CodeHandlerFailure indicates a module handler rejected the action.
	// The run is recorded as rejected and nothing is mutated.
	CodeHandlerFailure Code = "HANDLER_FAILURE"

	// CodeReplayMismatch indicates recomputed evidence differs from the record.
	CodeReplayMismatch Code = "REPLAY_MISMATCH"

	// CodeNotFound indicates an unknown run_id.
	CodeNotFound Code = "NOT_FOUND"

	// CodeInternal covers storage and other unexpected failures.
	CodeInternal Code = "INTERNAL"
)

// Error is a categorized error carrying the affected run.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// RunID identifies the affected run, if any.
	RunID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%s: %s (run=%s)", e.Code, e.Message, e.RunID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsRunIDConflict reports whether err is a run_id conflict.
func IsRunIDConflict(err error) bool { return hasCode(err, CodeRunIDConflict) }

// IsFeeViolation reports whether err is a fee violation.
func IsFeeViolation(err error) bool { return hasCode(err, CodeFeeViolation) }

// IsHandlerFailure reports whether err is a handler failure.
func IsHandlerFailure(err error) bool { return hasCode(err, CodeHandlerFailure) }

// IsNotFound reports whether err is an unknown run_id.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

func hasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// NewValidationError creates an Error for malformed input.
func NewValidationError(runID string, cause error) *Error {
	return &Error{Code: CodeValidation, Message: cause.Error(), RunID: runID, Err: cause}
}

// NewConflictError creates an Error for a reused run_id with different inputs.
func NewConflictError(runID, recorded, submitted string) *Error {
	return &Error{
		Code:    CodeRunIDConflict,
		Message: "run_id already recorded with different inputs",
		RunID:   runID,
		Details: map[string]string{
			"recorded_input_hash":  recorded,
			"submitted_input_hash": submitted,
		},
	}
}

// NewFeeViolation creates an Error for a fee invariant breach.
func NewFeeViolation(runID string, cause error) *Error {
	return &Error{Code: CodeFeeViolation, Message: cause.Error(), RunID: runID, Err: cause}
}

// NewHandlerFailure creates an Error for a handler rejection.
func NewHandlerFailure(runID string, cause error) *Error {
	return &Error{Code: CodeHandlerFailure, Message: cause.Error(), RunID: runID, Err: cause}
}

// NewNotFound creates an Error for an unknown run_id.
func NewNotFound(runID string) *Error {
	return &Error{Code: CodeNotFound, Message: "run not found", RunID: runID}
}

// NewReplayMismatch creates an Error naming the fields that differ.
func NewReplayMismatch(runID string, fields []string) *Error {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	return &Error{
		Code:    CodeReplayMismatch,
		Message: "recomputed evidence differs in " + strings.Join(sorted, ", "),
		RunID:   runID,
	}
}

// NewInternal wraps an unexpected failure.
func NewInternal(runID string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: cause.Error(), RunID: runID, Err: cause}
}
