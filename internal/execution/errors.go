package execution

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
)

// ErrAlreadyExecuting is returned when the same goal event is already
// being executed.
var ErrAlreadyExecuting = errors.New("goal is already executing")

// Stage names the part of goal execution that failed.
type Stage string

const (
	StagePreHook  Stage = "pre-goal hook"
	StageGoal     Stage = "goal"
	StagePostHook Stage = "post-goal hook"
)

// GoalExecutionError is a failure in one stage of goal execution.
type GoalExecutionError struct {
	Stage  Stage
	Cause  error
	Result *Result
}

func (e *GoalExecutionError) Error() string {
	msg := "Failure in " + string(e.Stage)
	if e.Result != nil {
		msg += fmt.Sprintf(": Result code %d %s", e.Result.Code, e.Result.Message)
	}
	if e.Cause != nil {
		msg += " Caused by: " + e.Cause.Error()
	}
	return msg
}

func (e *GoalExecutionError) Unwrap() error {
	return e.Cause
}

var (
	branchNotFound = regexp.MustCompile(`Remote branch .* not found`)
	shaNotFound    = regexp.MustCompile(`reference is not a tree`)
)

// classifyGitRefError turns failures caused by the pushed ref moving away
// into a canceled result. Anything else is returned unchanged.
func classifyGitRefError(result *Result, err error) *Result {
	var text string
	if err != nil {
		text = err.Error()
	}
	if result != nil {
		text += "\n" + result.Message
	}

	switch {
	case errors.Is(err, project.ErrBranchNotFound) || branchNotFound.MatchString(text):
		return result.Merge(&Result{Code: 0, State: goals.StateCanceled, Phase: "branch not found"})
	case errors.Is(err, project.ErrCommitNotFound) || shaNotFound.MatchString(text):
		return result.Merge(&Result{Code: 0, State: goals.StateCanceled, Phase: "sha not found"})
	}
	return result
}
