// Package preconditions decides when a goal may run and requests the goals
// that become runnable after a sibling succeeds.
package preconditions

import (
	"fmt"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
)

// Status is the aggregate state of a goal's preconditions.
type Status string

const (
	StatusSuccess Status = "success"
	StatusWaiting Status = "waiting"
	StatusFailure Status = "failure"
)

// Evaluation is the outcome of Evaluate with the reasons behind it.
type Evaluation struct {
	Status Status
	Errors []string
	Waits  []string
}

// Evaluate reports whether every precondition of goal is satisfied by its
// siblings.
func Evaluate(goal *goals.GoalEvent, siblings []*goals.GoalEvent) Status {
	return EvaluateDetailed(goal, siblings).Status
}

// EvaluateDetailed is Evaluate with the collected reasons. Any error makes
// the result a failure; otherwise any reason to wait makes it waiting.
func EvaluateDetailed(goal *goals.GoalEvent, siblings []*goals.GoalEvent) Evaluation {
	var ev Evaluation
	for _, key := range goal.PreConditions {
		wait, err := check(key, siblings)
		if err != "" {
			ev.Errors = append(ev.Errors, err)
		}
		if wait != "" {
			ev.Waits = append(ev.Waits, wait)
		}
	}

	switch {
	case len(ev.Errors) > 0:
		ev.Status = StatusFailure
	case len(ev.Waits) > 0:
		ev.Status = StatusWaiting
	default:
		ev.Status = StatusSuccess
	}
	return ev
}

func check(key goals.Key, siblings []*goals.GoalEvent) (wait, err string) {
	dep := goals.FindByKey(key, siblings)
	if dep == nil {
		return "", fmt.Sprintf("no status found for precondition %s", key)
	}

	switch dep.State {
	case goals.StatePlanned, goals.StateRequested, goals.StateInProcess:
		return fmt.Sprintf("Precondition '%s' not yet successful", dep.Name), ""
	case goals.StateWaitingForApproval:
		return fmt.Sprintf("Precondition '%s' requires approval", dep.Name), ""
	case goals.StateSuccess:
		if dep.ApprovalRequired && dep.Approval == nil {
			return fmt.Sprintf("Precondition '%s' requires approval", dep.Name), ""
		}
		return "", ""
	}

	// Failed, canceled, stopped or skipped.
	if dep.RetryFeasible {
		return fmt.Sprintf("Precondition '%s' in state [%s] may be retried", dep.Name, dep.State), ""
	}
	return "", fmt.Sprintf("Precondition '%s' in state [%s]", dep.Name, dep.State)
}
