// Package workflow runs goal executions as Temporal workflows so that a
// worker crash does not lose track of a running goal.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/execution"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/machine"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// DefaultTaskQueue is used when no task queue is configured.
const DefaultTaskQueue = "goalkeeper-goals"

// DefaultGoalTimeout bounds one goal execution.
const DefaultGoalTimeout = time.Hour

// ErrTypeGoalConfiguration is the application error type of goals whose
// implementation cannot be resolved.
const ErrTypeGoalConfiguration = "GoalConfigurationError"

// GoalWorkflowInput identifies the goal to fulfil.
type GoalWorkflowInput struct {
	Key goals.EventKey
	// Timeout overrides DefaultGoalTimeout.
	Timeout time.Duration
}

// GoalWorkflowResult is what the execution recorded.
type GoalWorkflowResult struct {
	// Executed is false when the goal was no longer requested or is
	// fulfilled outside goalkeeper.
	Executed bool
	Code     int
	Message  string
	// State is set when the implementation chose the final state.
	State goals.State
}

// GoalWorkflow fulfils one requested goal. The activity runs at most once:
// goal failures are recorded on the goal event and retried by people, not
// by Temporal.
func GoalWorkflow(ctx workflow.Context, in GoalWorkflowInput) (*GoalWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting goal workflow", "goal", in.Key.String())

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultGoalTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var a *Activities
	var result GoalWorkflowResult
	if err := workflow.ExecuteActivity(ctx, a.FulfillGoal, in).Get(ctx, &result); err != nil {
		logger.Error("Goal activity failed", "goal", in.Key.String(), "error", err)
		return nil, err
	}

	logger.Info("Goal workflow complete",
		"goal", in.Key.String(),
		"executed", result.Executed,
		"state", string(result.State))
	return &result, nil
}

// Fulfiller is the part of the machine the activities call.
type Fulfiller interface {
	Fulfill(ctx context.Context, key goals.EventKey) (*execution.Result, error)
}

var _ Fulfiller = (*machine.Machine)(nil)

// Activities are registered on the worker with the machine they drive.
type Activities struct {
	Machine Fulfiller
}

// FulfillGoal executes the goal. A failed goal is a successful activity with
// a non-zero Code; configuration errors are non-retryable application
// errors.
func (a *Activities) FulfillGoal(ctx context.Context, in GoalWorkflowInput) (*GoalWorkflowResult, error) {
	activity.GetLogger(ctx).Info("Fulfilling goal", "goal", in.Key.String())

	result, err := a.Machine.Fulfill(ctx, in.Key)
	var merr *machine.Error
	if errors.As(err, &merr) {
		switch merr.Severity {
		case machine.SeverityCritical:
			return nil, temporal.NewNonRetryableApplicationError(merr.Error(), ErrTypeGoalConfiguration, merr)
		case machine.SeverityLow:
			// Already recorded on the goal event.
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fulfilling %s: %w", in.Key, err)
	}
	if result == nil {
		return &GoalWorkflowResult{}, nil
	}

	return &GoalWorkflowResult{Executed: true, Code: result.Code, Message: result.Message, State: result.State}, nil
}

// WorkflowID is the deterministic workflow id of a goal event, so that
// dispatching the same requested goal twice starts one workflow.
func WorkflowID(key goals.EventKey) string {
	return fmt.Sprintf("goal-%s-%s-%s-%s", key.GoalSetID, key.Environment.Slug(), key.Name, key.SHA)
}
