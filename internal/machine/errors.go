package machine

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/goalkeeper/internal/execution"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/mapper"
	"github.com/fyrsmithlabs/goalkeeper/internal/store"
)

// Severity says how a failed operation affects the event loop.
type Severity string

const (
	// SeverityCritical means the configuration cannot serve the goal. The
	// error is returned to the caller.
	SeverityCritical Severity = "critical"
	// SeverityHigh means a write or read failed. It is logged as an error
	// and the loop continues.
	SeverityHigh Severity = "high"
	// SeverityLow means the goal outcome is already recorded, or another
	// process got there first. It is logged as a warning.
	SeverityLow Severity = "low"
)

var (
	// ErrNotWaitingForApproval is returned when approving a goal that does
	// not wait for approval.
	ErrNotWaitingForApproval = errors.New("goal is not waiting for approval")

	// ErrRetryNotAllowed is returned when retrying a goal that has not
	// failed or does not allow retries.
	ErrRetryNotAllowed = errors.New("goal cannot be retried")
)

// Error is a failed machine operation.
type Error struct {
	Operation string
	Severity  Severity
	Key       goals.EventKey
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s failed: %s", e.Operation, e.Key, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify wraps err with the severity its cause implies.
func classify(operation string, key goals.EventKey, err error) *Error {
	severity := SeverityHigh
	var gerr *execution.GoalExecutionError
	switch {
	case errors.Is(err, mapper.ErrNoImplementation),
		errors.Is(err, mapper.ErrAmbiguousImplementation):
		severity = SeverityCritical
	case errors.As(err, &gerr),
		errors.Is(err, execution.ErrAlreadyExecuting),
		errors.Is(err, goals.ErrInvalidTransition),
		errors.Is(err, store.ErrNotFound):
		severity = SeverityLow
	}
	return &Error{Operation: operation, Severity: severity, Key: key, Err: err}
}
