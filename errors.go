package crew

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownThread is returned by Resume and GetState for a thread with
	// no checkpoint history.
	ErrUnknownThread = errors.New("unknown thread")

	// ErrConcurrentAccess is returned when a second driver tries to advance a
	// thread while another call on the same thread is in flight, or when a
	// store detects a conflicting append.
	ErrConcurrentAccess = errors.New("concurrent access to thread")

	// ErrApprovalRequired is returned when a paused thread is resumed without
	// a decision.
	ErrApprovalRequired = errors.New("approval decision required to pass interrupt boundary")

	// ErrRejected is returned when a paused thread is resumed with a
	// rejection. The boundary step is never run.
	ErrRejected = errors.New("run rejected at interrupt boundary")
)

// Error type constants for classifying step failures
const (
	// ErrorTypeStepFailed is the default classification for a failing step.
	ErrorTypeStepFailed = "step_failed"

	// ErrorTypeTimeout matches a deadline or cancellation error.
	ErrorTypeTimeout = "timeout"

	// ErrorTypeMissingInput indicates a step was run without the fields it
	// requires.
	ErrorTypeMissingInput = "missing_input"

	// ErrorTypeMalformedOutput indicates a step returned fields it does not
	// own, or unknown fields.
	ErrorTypeMalformedOutput = "malformed_output"

	// ErrorTypeFatal marks a failure that resuming cannot fix.
	ErrorTypeFatal = "fatal_error"
)

// ConfigurationError reports a malformed graph. It is only ever returned at
// construction time.
type ConfigurationError struct {
	Reason  string
	Wrapped error
}

func configErrorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Wrapped)
	}
	return "configuration error: " + e.Reason
}

// Unwrap returns the underlying cause, if any
func (e *ConfigurationError) Unwrap() error {
	return e.Wrapped
}

// StepExecutionError records the failure of one step on one thread. The
// thread's last good checkpoint is untouched when this is returned.
type StepExecutionError struct {
	ThreadID    string
	Step        StepName
	Type        string
	Cause       string
	Recoverable bool
	Wrapped     error
}

// Error implements the error interface
func (e *StepExecutionError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Cause)
	}
	return fmt.Sprintf("step %s failed (%s): %s", e.Step, e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *StepExecutionError) Unwrap() error {
	return e.Wrapped
}

// IsRecoverable reports whether resuming the thread may get past the step.
// It lets retry.Do decide on a failed run.
func (e *StepExecutionError) IsRecoverable() bool {
	return e.Recoverable
}

// NewStepError creates a typed error a step function can return to control
// how its failure is classified.
func NewStepError(errorType, cause string) *StepExecutionError {
	return &StepExecutionError{Type: errorType, Cause: cause}
}

// MissingInputError returns the error a step reports when a required field
// is empty.
func MissingInputError(step StepName, field Field) *StepExecutionError {
	return &StepExecutionError{
		Step:  step,
		Type:  ErrorTypeMissingInput,
		Cause: fmt.Sprintf("field %q is required", field),
	}
}

// ClassifyError determines the error type of a step failure
func ClassifyError(err error) string {
	var stepErr *StepExecutionError
	if errors.As(err, &stepErr) && stepErr.Type != "" {
		return stepErr.Type
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return ErrorTypeTimeout
	}
	return ErrorTypeStepFailed
}

// MatchesErrorType checks if an error matches a specified error type
func MatchesErrorType(err error, errorType string) bool {
	return ClassifyError(err) == errorType
}
