package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/progresslog"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"github.com/fyrsmithlabs/goalkeeper/internal/pushtest"
	"github.com/fyrsmithlabs/goalkeeper/internal/secrets"
	"github.com/fyrsmithlabs/goalkeeper/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Updater persists goal event updates.
type Updater interface {
	Update(ctx context.Context, key goals.EventKey, u goals.Update) (*goals.GoalEvent, error)
}

// Pipeline executes goal implementations.
type Pipeline struct {
	store     Updater
	hooks     HookRunner
	listeners []Listener
	notifier  Notifier
	scrubber  *secrets.Scrubber
	logger    *logging.Logger
	tracer    trace.Tracer
	metrics   *telemetry.GoalMetrics
	guard     *KeyedGuard
}

type Option func(*Pipeline)

func WithHooks(h HookRunner) Option {
	return func(p *Pipeline) { p.hooks = h }
}

func WithListeners(ls ...Listener) Option {
	return func(p *Pipeline) { p.listeners = append(p.listeners, ls...) }
}

func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

func WithScrubber(s *secrets.Scrubber) Option {
	return func(p *Pipeline) { p.scrubber = s }
}

func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

func WithMetrics(m *telemetry.GoalMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline creates a pipeline persisting through store.
func NewPipeline(store Updater, opts ...Option) *Pipeline {
	p := &Pipeline{
		store: store,
		guard: NewKeyedGuard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.NewNop()
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(telemetry.InstrumentationName)
	}
	if p.scrubber == nil {
		p.scrubber = secrets.MustNew()
	}
	if p.notifier == nil {
		p.notifier = LogNotifier{Logger: p.logger}
	}
	p.notifier = ScrubbingNotifier{Next: p.notifier, Scrubber: p.scrubber}
	return p
}

// Execute runs impl for inv.Event, which must be in the requested state.
// On failure both the final result and the stage error are returned.
func (p *Pipeline) Execute(ctx context.Context, impl Implementation, inv *Invocation) (*Result, error) {
	if inv.Event == nil || inv.Goal == nil {
		return nil, errors.New("invocation requires an event and a goal")
	}
	key := inv.Event.EventKey()

	release, err := p.guard.Acquire(key.String())
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = logging.WithGoal(ctx, logging.Goal{
		GoalSetID:   inv.Event.GoalSetID,
		Environment: string(inv.Event.Environment),
		Name:        inv.Event.UniqueName,
		SHA:         inv.Event.SHA,
		Branch:      inv.Event.Branch,
	})
	ctx = logging.WithCorrelationID(ctx, inv.CorrelationID)
	ctx = logging.WithWorkspaceID(ctx, inv.WorkspaceID)

	ctx, span := p.tracer.Start(ctx, "goal.execute", trace.WithAttributes(
		attribute.String("goal.name", inv.Event.UniqueName),
		attribute.String("goal.environment", string(inv.Event.Environment)),
		attribute.String("goal.set", inv.Event.GoalSetID),
		attribute.String("goal.implementation", impl.Name),
	))
	defer span.End()

	done := p.metrics.Started(ctx, inv.Event.UniqueName, inv.Event.Environment.Slug())

	// Work on a copy so the caller's invocation keeps its own log.
	run := *inv
	if run.Progress == nil {
		run.Progress = progresslog.NewBuffer(inv.Event.UniqueName, 0)
	}
	defer func() {
		if err := run.Progress.Flush(ctx); err != nil {
			p.logger.Warn(ctx, "failed to flush progress log", zap.Error(err))
		}
	}()
	run.Progress = progresslog.NewReporting(run.Progress, impl.ProgressReporter, func(phase string) {
		p.updatePhase(ctx, key, phase)
	})

	p.logger.Info(ctx, "Starting goal", zap.String("implementation", impl.Name))
	run.Progress.Write("Starting goal '%s' on %s/%s\n", inv.Goal.Name(), inv.Push.Repo.Slug(), inv.Event.Branch)

	// Claim conditionally. Another process may hold the same requested event.
	event, err := p.store.Update(ctx, key, goals.Update{
		State:       goals.StateInProcess,
		Expect:      goals.StateRequested,
		Description: inv.Goal.WorkingDescription(),
		URL:         run.Progress.URL(),
	})
	if errors.Is(err, goals.ErrStateChanged) {
		p.logger.Info(ctx, "goal claimed by another executor", zap.Error(err))
		done(string(inv.Event.State))
		return nil, fmt.Errorf("%w: %w", ErrAlreadyExecuting, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark in process")
		done(string(inv.Event.State))
		return nil, fmt.Errorf("marking goal in process: %w", err)
	}
	run.Event = event
	run.checkouts = &checkouts{}
	defer func() {
		if err := run.checkouts.release(); err != nil {
			p.logger.Warn(ctx, "failed to release hook checkouts", zap.Error(err))
		}
	}()

	p.notify(ctx, &ListenerInvocation{Phase: PhaseBefore, Event: event, Goal: inv.Goal, Invocation: &run})

	result, err := p.run(ctx, impl, &run)
	if err != nil {
		result, final := p.fail(ctx, impl, &run, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("goal.state", string(final)))
		done(string(final))
		return result, err
	}

	p.logger.Info(ctx, "goal completed", zap.Int("code", result.Code))
	final, err := p.markStatus(ctx, &run, result, nil)
	if err != nil {
		span.RecordError(err)
		done(string(goals.StateFailure))
		return result, fmt.Errorf("recording goal result: %w", err)
	}
	p.notify(ctx, &ListenerInvocation{Phase: PhaseAfter, Event: final, Goal: inv.Goal, Result: result, Invocation: &run})

	span.SetAttributes(attribute.String("goal.state", string(final.State)))
	done(string(final.State))
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, impl Implementation, inv *Invocation) (*Result, error) {
	pre, err := p.runHook(ctx, StagePreHook, inv)
	if err != nil {
		return nil, err
	}

	result, err := p.runGoal(ctx, impl, inv)
	if err != nil {
		return nil, err
	}

	post, err := p.runHook(ctx, StagePostHook, inv)
	if err != nil {
		return nil, err
	}

	return pre.Merge(result).Merge(post), nil
}

func (p *Pipeline) runHook(ctx context.Context, stage Stage, inv *Invocation) (*Result, error) {
	if p.hooks == nil {
		return nil, nil
	}
	result, err := p.hooks.Run(ctx, stage, inv)
	if err != nil {
		return nil, &GoalExecutionError{Stage: stage, Cause: err, Result: result}
	}
	if result != nil && result.Code != 0 {
		return nil, &GoalExecutionError{Stage: stage, Result: result}
	}
	return result, nil
}

// runGoal runs the executor, wrapped by project listeners when the
// implementation has any or the project is loaded lazily.
func (p *Pipeline) runGoal(ctx context.Context, impl Implementation, inv *Invocation) (*Result, error) {
	listeners := impl.ProjectListeners
	if inv.Project == nil && inv.Loader != nil && (len(listeners) > 0 || isLazy(inv.Loader)) {
		proj, err := inv.Loader.Load(ctx, inv.ProjectParams())
		if err != nil {
			return nil, &GoalExecutionError{Stage: StageGoal, Cause: err}
		}
		defer func() {
			if err := project.Release(proj); err != nil {
				p.logger.Warn(ctx, "failed to release project", zap.Error(err))
			}
		}()
		inv.Project = proj
	}
	if _, ok := inv.Project.(*project.Lazy); ok {
		listeners = append([]ProjectListener{materializer}, listeners...)
	}

	if err := p.runProjectListeners(ctx, listeners, BeforeAction, inv); err != nil {
		return nil, err
	}

	result, err := impl.Executor(ctx, inv)
	if err != nil {
		return nil, &GoalExecutionError{Stage: StageGoal, Cause: err, Result: result}
	}
	if result == nil {
		result = Success()
	}
	if result.Code != 0 {
		return nil, &GoalExecutionError{Stage: StageGoal, Result: result}
	}

	if err := p.runProjectListeners(ctx, listeners, AfterAction, inv); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) runProjectListeners(ctx context.Context, listeners []ProjectListener, event ProjectListenerEvent, inv *Invocation) error {
	for _, l := range listeners {
		if !l.runsOn(event) {
			continue
		}
		if l.PushTest != nil {
			ok, err := l.PushTest.Test(ctx, &pushtest.Invocation{Push: inv.Push, Project: inv.Project})
			if err != nil {
				return &GoalExecutionError{Stage: StageGoal, Cause: fmt.Errorf("project listener %s: %w", l.Name, err)}
			}
			if !ok {
				continue
			}
		}
		inv.Progress.Write("Running project listener '%s' %s goal\n", l.Name, event)
		result, err := l.Listen(ctx, inv.Project, inv, event)
		if err != nil {
			return &GoalExecutionError{Stage: StageGoal, Cause: fmt.Errorf("project listener %s: %w", l.Name, err), Result: result}
		}
		if result != nil && result.Code != 0 {
			return &GoalExecutionError{Stage: StageGoal, Result: result}
		}
	}
	return nil
}

var materializer = ProjectListener{
	Name:   "clone project",
	Events: []ProjectListenerEvent{BeforeAction},
	Listen: func(ctx context.Context, p project.Project, _ *Invocation, _ ProjectListenerEvent) (*Result, error) {
		if lazy, ok := p.(*project.Lazy); ok {
			if _, err := lazy.Materialize(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	},
}

func isLazy(loader project.Loader) bool {
	switch loader.(type) {
	case project.LazyLoader, *project.LazyLoader:
		return true
	}
	return false
}

// fail records a failed execution and returns the result and final state.
func (p *Pipeline) fail(ctx context.Context, impl Implementation, inv *Invocation, err error) (*Result, goals.State) {
	result := &Result{Code: 1}
	stage := StageGoal
	var gerr *GoalExecutionError
	if errors.As(err, &gerr) {
		stage = gerr.Stage
		if gerr.Result != nil {
			result = result.Merge(gerr.Result)
		}
	}
	result = classifyGitRefError(result, err)
	if result.State == "" {
		result.State = goals.StateFailure
	}

	p.logger.Warn(ctx, "goal failed", zap.String("stage", string(stage)), zap.Error(err))
	p.metrics.StageFailed(ctx, inv.Event.UniqueName, string(stage))

	failed := inv.Event.Clone()
	failed.State = result.State
	p.notify(ctx, &ListenerInvocation{Phase: PhaseAfter, Event: failed, Goal: inv.Goal, Result: result, Err: err, Invocation: inv})
	p.report(ctx, impl, inv, stage, err)

	event, markErr := p.markStatus(ctx, inv, result, err)
	if markErr != nil {
		p.logger.Error(ctx, "failed to record goal failure", zap.Error(markErr))
		return result, result.State
	}
	return result, event.State
}

func (p *Pipeline) report(ctx context.Context, impl Implementation, inv *Invocation, stage Stage, err error) {
	inv.Progress.Write("Error: %s\n", err.Error())

	interpreter := impl.LogInterpreter
	if interpreter == nil {
		interpreter = progresslog.DefaultInterpreter
	}
	interpretation := interpreter(inv.Progress.Content())
	if interpretation != nil && interpretation.DoNotReportToUser {
		p.logger.Debug(ctx, "failure not reported to user")
		return
	}

	report := FailureReport{
		Event:          inv.Event,
		Implementation: impl.Name,
		Stage:          stage,
		Interpretation: interpretation,
		LogURL:         inv.Progress.URL(),
		ErrorText:      err.Error(),
		Channels:       inv.Channels,
	}
	if err := p.notifier.Report(ctx, report); err != nil {
		p.logger.Warn(ctx, "failed to report goal failure", zap.Error(err))
	}
}

// markStatus persists the final state derived from result.
func (p *Pipeline) markStatus(ctx context.Context, inv *Invocation, result *Result, execErr error) (*goals.GoalEvent, error) {
	state := result.State
	if state == "" {
		switch {
		case result.Code != 0:
			state = goals.StateFailure
		case inv.Event.ApprovalRequired || inv.Goal.ApprovalRequired():
			state = goals.StateWaitingForApproval
		default:
			state = goals.StateSuccess
		}
	}

	u := goals.Update{
		State:        state,
		Description:  result.Description,
		URL:          inv.Progress.URL(),
		ExternalURLs: result.ExternalURLs,
		Phase:        result.Phase,
		Data:         result.Data,
		Provenance: &goals.Provenance{
			Name:      "goalkeeper",
			Timestamp: time.Now().UTC(),
		},
	}
	if u.Description == "" {
		u.Description = inv.Goal.DescriptionFor(state)
	}
	if execErr != nil {
		u.Error = p.scrubber.Scrub(execErr.Error())
	}

	return p.store.Update(ctx, inv.Event.EventKey(), u)
}

func (p *Pipeline) updatePhase(ctx context.Context, key goals.EventKey, phase string) {
	if _, err := p.store.Update(ctx, key, goals.Update{State: goals.StateInProcess, Phase: phase}); err != nil {
		p.logger.Warn(ctx, "failed to update goal phase", zap.String("phase", phase), zap.Error(err))
	}
}

// notify calls every listener concurrently. Listener errors are logged.
func (p *Pipeline) notify(ctx context.Context, li *ListenerInvocation) {
	var g errgroup.Group
	for _, l := range p.listeners {
		l := l
		g.Go(func() error {
			if err := l.OnGoal(ctx, li); err != nil {
				p.logger.Warn(ctx, "goal listener failed",
					zap.String("listener", l.Name()),
					zap.String("phase", string(li.Phase)),
					zap.Error(err),
				)
				p.metrics.ListenerFailed(ctx, l.Name())
			}
			return nil
		})
	}
	_ = g.Wait()
}
