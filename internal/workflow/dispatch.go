package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/machine"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
)

// Starter is the part of the Temporal client the dispatcher needs.
type Starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Dispatcher starts a GoalWorkflow for each requested goal. Starting a goal
// whose workflow is still running returns the running one.
type Dispatcher struct {
	client      Starter
	taskQueue   string
	goalTimeout time.Duration
	logger      *logging.Logger
}

var _ machine.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher returns a dispatcher starting workflows on taskQueue.
func NewDispatcher(c Starter, taskQueue string, goalTimeout time.Duration, logger *logging.Logger) *Dispatcher {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{client: c, taskQueue: taskQueue, goalTimeout: goalTimeout, logger: logger.Named("temporal")}
}

func (d *Dispatcher) Dispatch(ctx context.Context, key goals.EventKey) error {
	run, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(key),
		TaskQueue: d.taskQueue,
	}, GoalWorkflow, GoalWorkflowInput{Key: key, Timeout: d.goalTimeout})
	if err != nil {
		return fmt.Errorf("starting goal workflow for %s: %w", key, err)
	}
	d.logger.Info(ctx, "goal dispatched",
		zap.String("goal", key.String()),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}

// NewWorker registers GoalWorkflow and the activities of m on taskQueue.
func NewWorker(c client.Client, taskQueue string, m Fulfiller) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(GoalWorkflow)
	w.RegisterActivity(&Activities{Machine: m})
	return w
}
