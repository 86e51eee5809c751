package goals

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a goal event.
type State string

const (
	StatePlanned            State = "planned"
	StateRequested          State = "requested"
	StateInProcess          State = "in_process"
	StateWaitingForApproval State = "waiting_for_approval"
	StateSuccess            State = "success"
	StateFailure            State = "failure"
	StateCanceled           State = "canceled"
	StateStopped            State = "stopped"
	StateSkipped            State = "skipped"
)

// ErrInvalidTransition is returned when a state change is not part of the
// goal lifecycle graph.
var ErrInvalidTransition = errors.New("invalid goal state transition")

// ErrStateChanged is returned when an update names an expected current
// state and the stored event has moved on.
var ErrStateChanged = errors.New("goal state changed")

var transitions = map[State][]State{
	StatePlanned:            {StateRequested, StateSkipped, StateCanceled},
	StateRequested:          {StateInProcess, StateCanceled, StateSkipped},
	StateInProcess:          {StateSuccess, StateFailure, StateWaitingForApproval, StateCanceled, StateStopped},
	StateWaitingForApproval: {StateSuccess, StateFailure},
}

// retryable states may move back to requested when the goal allows retries.
var retryable = map[State]bool{
	StateFailure: true,
	StateSkipped: true,
}

// IsTerminal reports whether no further work happens without an outside event.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateCanceled, StateStopped, StateSkipped:
		return true
	}
	return false
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StatePlanned, StateRequested, StateInProcess, StateWaitingForApproval,
		StateSuccess, StateFailure, StateCanceled, StateStopped, StateSkipped:
		return true
	}
	return false
}

// CanTransition reports whether a goal may move from one state to another.
// Rewriting the current state is always allowed so that updates stay
// idempotent across processes.
func CanTransition(from, to State, retryFeasible bool) bool {
	if from == to {
		return true
	}
	if to == StateRequested && retryable[from] {
		return retryFeasible
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with the states
// involved when CanTransition is false.
func CheckTransition(from, to State, retryFeasible bool) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if !CanTransition(from, to, retryFeasible) {
		return fmt.Errorf("%w: %s -> %s (retryFeasible=%t)", ErrInvalidTransition, from, to, retryFeasible)
	}
	return nil
}
