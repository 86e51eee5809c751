// Package machine drives goal sets: it plans pushes, fulfils requested goals
// and requests downstream goals when a goal succeeds.
//
// All decisions are derived from the persisted goal events, so several
// machines may serve the same store.
package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/events"
	"github.com/fyrsmithlabs/goalkeeper/internal/execution"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/mapper"
	"github.com/fyrsmithlabs/goalkeeper/internal/planning"
	"github.com/fyrsmithlabs/goalkeeper/internal/preconditions"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"github.com/fyrsmithlabs/goalkeeper/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher hands requested goals to another executor, such as a Temporal
// worker, instead of fulfilling them in process.
type Dispatcher interface {
	Dispatch(ctx context.Context, key goals.EventKey) error
}

// Registration is everything a machine is built from.
type Registration struct {
	Name     string              `validate:"required"`
	Store    store.Store         `validate:"required"`
	Registry *mapper.Registry    `validate:"required"`
	Planner  *planning.Planner   `validate:"required"`
	Pipeline *execution.Pipeline `validate:"required"`
	Trigger  *preconditions.Trigger
	Loader   project.Loader `validate:"required"`
	// Logs creates the progress log of each execution. Defaults to a
	// buffered log mirrored to Logger.
	Logs        execution.ProgressLogFactory
	Dispatcher  Dispatcher
	Credentials config.Secret
	WorkspaceID string
	Channels    []string
	Logger      *logging.Logger
}

// Machine reacts to pushes and goal state changes.
type Machine struct {
	name        string
	store       store.Store
	registry    *mapper.Registry
	planner     *planning.Planner
	pipeline    *execution.Pipeline
	trigger     *preconditions.Trigger
	loader      project.Loader
	logs        execution.ProgressLogFactory
	dispatcher  Dispatcher
	credentials config.Secret
	workspaceID string
	channels    []string
	logger      *logging.Logger
	now         func() time.Time
}

// New validates reg and returns a machine.
func New(reg Registration) (*Machine, error) {
	if err := goals.Validator().Struct(reg); err != nil {
		return nil, fmt.Errorf("invalid machine registration: %w", err)
	}
	logger := reg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	trigger := reg.Trigger
	if trigger == nil {
		trigger = preconditions.NewTrigger(reg.Store, preconditions.WithLogger(logger))
	}
	logs := reg.Logs
	if logs == nil {
		logs = execution.BufferedLogs(logger, 0)
	}
	return &Machine{
		name:        reg.Name,
		store:       reg.Store,
		registry:    reg.Registry,
		planner:     reg.Planner,
		pipeline:    reg.Pipeline,
		trigger:     trigger,
		loader:      reg.Loader,
		logs:        logs,
		dispatcher:  reg.Dispatcher,
		credentials: reg.Credentials,
		workspaceID: reg.WorkspaceID,
		channels:    append([]string(nil), reg.Channels...),
		logger:      logger.Named("machine"),
		now:         time.Now,
	}, nil
}

func (m *Machine) Name() string { return m.name }

// Store returns the goal store the machine works on.
func (m *Machine) Store() store.Store { return m.store }

// HandlePush plans the goals of push.
func (m *Machine) HandlePush(ctx context.Context, push goals.Push) (*planning.GoalSet, error) {
	m.logger.Info(ctx, "push received",
		zap.String("repo", push.Repo.Slug()),
		zap.String("branch", push.Branch),
		zap.String("sha", push.SHA),
	)
	gs, err := m.planner.Plan(ctx, push)
	if err != nil {
		return gs, fmt.Errorf("planning %s@%s: %w", push.Repo.Slug(), push.SHA, err)
	}
	return gs, nil
}

// Run handles the state changes delivered by sub until ctx is done.
func (m *Machine) Run(ctx context.Context, sub events.Subscriber) error {
	return sub.Subscribe(ctx, m.HandleStateChanged)
}

// HandleStateChanged fulfils requested goals and requests the goals that a
// success unblocks. Only critical errors are returned.
func (m *Machine) HandleStateChanged(ctx context.Context, ev events.StateChanged) error {
	var err error
	switch ev.State {
	case goals.StateRequested:
		if m.dispatcher != nil {
			if derr := m.dispatcher.Dispatch(ctx, ev.EventKey); derr != nil {
				err = classify("dispatch", ev.EventKey, derr)
			}
			break
		}
		_, err = m.Fulfill(ctx, ev.EventKey)
	case goals.StateSuccess:
		_, err = m.RequestDownstream(ctx, ev.EventKey)
	default:
		return nil
	}
	return m.handle(ctx, err)
}

func (m *Machine) handle(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var merr *Error
	if !errors.As(err, &merr) {
		merr = classify("handle", goals.EventKey{}, err)
	}
	switch merr.Severity {
	case SeverityCritical:
		m.logger.Error(ctx, "goal configuration error", zap.String("operation", merr.Operation), zap.Error(merr.Err))
		return merr
	case SeverityHigh:
		m.logger.Error(ctx, "failed to handle goal event", zap.String("operation", merr.Operation), zap.Error(merr.Err))
	default:
		m.logger.Warn(ctx, "goal event not handled", zap.String("operation", merr.Operation), zap.Error(merr.Err))
	}
	return nil
}

// Fulfill executes the implementation recorded on a requested goal. Goals
// in any other state, and goals fulfilled outside goalkeeper, are ignored
// and return a nil result.
func (m *Machine) Fulfill(ctx context.Context, key goals.EventKey) (*execution.Result, error) {
	event, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, classify("fulfill", key, err)
	}
	if event.State != goals.StateRequested {
		m.logger.Debug(ctx, "goal not requested", zap.String("goal", key.String()), zap.String("state", string(event.State)))
		return nil, nil
	}
	if event.Fulfillment.Method != mapper.MethodSDM {
		m.logger.Debug(ctx, "goal fulfilled elsewhere",
			zap.String("goal", key.String()), zap.String("method", event.Fulfillment.Method))
		return nil, nil
	}

	impl, err := m.registry.ResolveByName(event.Fulfillment.Name)
	if err != nil {
		return nil, classify("fulfill", key, err)
	}

	log, err := m.logs(ctx, event)
	if err != nil {
		return nil, classify("fulfill", key, fmt.Errorf("creating progress log: %w", err))
	}
	defer func() {
		if err := log.Close(ctx); err != nil {
			m.logger.Warn(ctx, "failed to close progress log", zap.Error(err))
		}
	}()

	inv := &execution.Invocation{
		Event:         event,
		Goal:          impl.Goal,
		Push:          event.Push,
		Loader:        m.loader,
		Progress:      log,
		Credentials:   m.credentials,
		WorkspaceID:   m.workspaceID,
		CorrelationID: uuid.NewString(),
		Channels:      m.channels,
	}
	result, err := m.pipeline.Execute(ctx, impl.Implementation, inv)
	if err != nil {
		return result, classify("fulfill", key, err)
	}
	return result, nil
}

// RequestDownstream requests the siblings that the success of key unblocks.
func (m *Machine) RequestDownstream(ctx context.Context, key goals.EventKey) ([]*goals.GoalEvent, error) {
	siblings, err := m.store.ListSiblings(ctx, key.GoalSetID)
	if err != nil {
		return nil, classify("request downstream", key, err)
	}
	succeeded := goals.FindByKey(key.Key(), siblings)
	if succeeded == nil || succeeded.State != goals.StateSuccess {
		return nil, nil
	}
	promoted, err := m.trigger.OnGoalSuccess(ctx, key.Key(), siblings)
	if err != nil {
		return promoted, classify("request downstream", key, err)
	}
	return promoted, nil
}

// Approve records approval of a goal waiting for it and marks it successful.
func (m *Machine) Approve(ctx context.Context, key goals.EventKey, by goals.Provenance) (*goals.GoalEvent, error) {
	event, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if event.State != goals.StateWaitingForApproval {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotWaitingForApproval, key, event.State)
	}
	if by.Timestamp.IsZero() {
		by.Timestamp = m.now().UTC()
	}
	updated, err := m.store.Update(ctx, key, goals.Update{
		State:       goals.StateSuccess,
		Description: m.goalFor(event).CompletedDescription(),
		Approval:    &by,
		Provenance:  &by,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "goal approved", zap.String("goal", key.String()), zap.String("user", by.UserID))
	return updated, nil
}

// Retry requests a failed goal again. The goal must allow retries.
func (m *Machine) Retry(ctx context.Context, key goals.EventKey, by goals.Provenance) (*goals.GoalEvent, error) {
	event, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if event.State != goals.StateFailure || !event.RetryFeasible {
		return nil, fmt.Errorf("%w: %s is %s (retryFeasible=%t)", ErrRetryNotAllowed, key, event.State, event.RetryFeasible)
	}
	if by.Timestamp.IsZero() {
		by.Timestamp = m.now().UTC()
	}
	updated, err := m.store.Update(ctx, key, goals.Update{
		State:       goals.StateRequested,
		Description: preconditions.ReadyDescription(event.Name),
		Provenance:  &by,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "goal retry requested", zap.String("goal", key.String()), zap.String("user", by.UserID))
	return updated, nil
}

// goalFor returns the registered goal of event, or one rebuilt from the
// event when the implementation is gone.
func (m *Machine) goalFor(event *goals.GoalEvent) *goals.Goal {
	if event.Fulfillment.Method == mapper.MethodSDM {
		if impl, err := m.registry.ResolveByName(event.Fulfillment.Name); err == nil {
			return impl.Goal
		}
	}
	g, err := goals.NewGoal(goals.Definition{
		UniqueName:  event.UniqueName,
		DisplayName: event.Name,
		Environment: event.Environment,
	})
	if err != nil {
		return goals.MustGoal(goals.Definition{UniqueName: "goal", Environment: goals.IndependentOfEnvironment})
	}
	return g
}
