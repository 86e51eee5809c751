package autofix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/goalkeeper/internal/execution"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/mapper"
	"github.com/fyrsmithlabs/goalkeeper/internal/progresslog"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"github.com/fyrsmithlabs/goalkeeper/internal/pushtest"
	"github.com/fyrsmithlabs/goalkeeper/internal/telemetry"
	"go.uber.org/zap"
)

// NotExecutingDescription is reported when the branch moved past the pushed
// commit before the autofixes ran.
const NotExecutingDescription = "Autofixes not executing | new commits on branch"

// Goal is the autofix goal as it appears in goal sets.
var Goal = goals.MustGoal(goals.Definition{
	UniqueName:           "autofix",
	DisplayName:          "autofix",
	Environment:          goals.IndependentOfEnvironment,
	WorkingDescription:   "Running autofixes",
	CompletedDescription: "No autofixes applied",
	FailedDescription:    "Autofixes failed",
	StoppedDescription:   "Autofixes applied",
})

// Registration declares an autofix.
type Registration struct {
	Name      string    `validate:"required"`
	Transform Transform `validate:"required"`
	// PushTest restricts the autofix to matching pushes. Nil matches all.
	PushTest pushtest.PushTest
	// IgnoreFailure reverts a failed transform and carries on with the
	// next autofix instead of failing the goal.
	IgnoreFailure bool
	Parameters    map[string]string
}

// Engine applies registered autofixes.
type Engine struct {
	registrations []Registration
	logger        *logging.Logger
	metrics       *telemetry.GoalMetrics
}

type Option func(*Engine)

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *telemetry.GoalMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine validates the registrations. Names must be unique because the
// commit marker is derived from them.
func NewEngine(registrations []Registration, opts ...Option) (*Engine, error) {
	seen := make(map[string]bool, len(registrations))
	for _, r := range registrations {
		if err := goals.Validator().Struct(r); err != nil {
			return nil, fmt.Errorf("invalid autofix registration %q: %w", r.Name, err)
		}
		if seen[Slug(r.Name)] {
			return nil, fmt.Errorf("duplicate autofix %q", r.Name)
		}
		seen[Slug(r.Name)] = true
	}

	e := &Engine{registrations: append([]Registration(nil), registrations...)}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}
	return e, nil
}

// Implementation binds the engine to the autofix goal.
func (e *Engine) Implementation() mapper.Implementation {
	return mapper.Implementation{
		Implementation: execution.Implementation{
			Name:           "autofix",
			Executor:       e.Executor(),
			LogInterpreter: progresslog.LastLines(20),
		},
		Goal: Goal,
	}
}

// Executor returns the goal executor running the autofixes.
func (e *Engine) Executor() execution.Executor {
	return e.execute
}

func (e *Engine) execute(ctx context.Context, inv *execution.Invocation) (*execution.Result, error) {
	if len(e.registrations) == 0 {
		return execution.Success(), nil
	}

	owned := inv.Project == nil
	p, err := inv.LoadProject(ctx)
	if err != nil {
		return nil, err
	}
	if owned {
		defer func() {
			if err := project.Release(p); err != nil {
				e.logger.Warn(ctx, "failed to release project", zap.Error(err))
			}
		}()
	}

	head, err := p.HeadSHA(ctx)
	if err != nil {
		return nil, err
	}
	if head != inv.Event.SHA {
		e.logger.Info(ctx, "skipping autofixes, branch moved",
			zap.String("sha", inv.Event.SHA), zap.String("head", head))
		return &execution.Result{Description: NotExecutingDescription}, nil
	}

	relevant, err := e.relevant(ctx, p, inv.Push)
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "applying autofixes",
		zap.Int("eligible", len(relevant)), zap.Int("registered", len(e.registrations)))

	cumulative := EditResult{Edited: EditedFalse, Success: true}
	var applied []string
	for _, r := range relevant {
		result, err := e.runOne(ctx, p, inv, r)
		if err != nil {
			return &execution.Result{Code: 1, Message: err.Error()}, nil
		}
		if result.Edited == EditedTrue {
			applied = append(applied, r.Name)
		}
		cumulative = Combine(cumulative, result)
	}

	if cumulative.Edited != EditedTrue {
		return execution.Success(), nil
	}
	if err := p.Push(ctx); err != nil {
		return nil, fmt.Errorf("pushing autofixes: %w", err)
	}
	return &execution.Result{
		State:       goals.StateStopped,
		Phase:       summarize(applied),
		Description: inv.Goal.StoppedDescription(),
	}, nil
}

// relevant drops autofixes already applied on this push, then those whose
// push test does not match.
func (e *Engine) relevant(ctx context.Context, p project.Project, push goals.Push) ([]Registration, error) {
	var out []Registration
	pti := &pushtest.Invocation{Push: push, Project: p}
	for _, r := range e.registrations {
		if alreadyApplied(r.Name, push.Commits) {
			e.logger.Debug(ctx, "autofix already applied", zap.String("autofix", r.Name))
			continue
		}
		if r.PushTest != nil {
			ok, err := r.PushTest.Test(ctx, pti)
			if err != nil {
				return nil, fmt.Errorf("autofix %s push test %s: %w", r.Name, r.PushTest.Name(), err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func alreadyApplied(name string, commits []goals.Commit) bool {
	m := marker(name)
	for _, c := range commits {
		if strings.Contains(c.Message, m) {
			return true
		}
	}
	return false
}

func (e *Engine) runOne(ctx context.Context, p project.Project, inv *execution.Invocation, r Registration) (EditResult, error) {
	if inv.Progress != nil {
		inv.Progress.Write("Running autofix '%s'\n", r.Name)
	}

	result, err := r.Transform(ctx, p, inv)
	if err == nil && result == nil {
		result = &EditResult{Edited: EditedUnknown, Success: true}
	}
	if err == nil && !result.Success {
		err = errors.New(result.Message)
		if result.Message == "" {
			err = errors.New("transform reported failure")
		}
	}
	if err != nil {
		if rerr := p.Revert(ctx); rerr != nil {
			return EditResult{}, fmt.Errorf("autofix %s failed: %w (revert failed: %v)", r.Name, err, rerr)
		}
		if r.IgnoreFailure {
			e.logger.Warn(ctx, "autofix failed, ignoring", zap.String("autofix", r.Name), zap.Error(err))
			return EditResult{Edited: EditedFalse, Success: false}, nil
		}
		return EditResult{}, fmt.Errorf("autofix %s failed: %w", r.Name, err)
	}

	edited := *result
	if edited.Edited == EditedUnknown {
		clean, err := p.IsClean(ctx)
		if err != nil {
			return EditResult{}, err
		}
		edited.Edited = EditedTrue
		if clean {
			edited.Edited = EditedFalse
		}
	}
	if edited.Edited != EditedTrue {
		e.logger.Debug(ctx, "no changes by autofix", zap.String("autofix", r.Name))
		return edited, nil
	}

	if _, err := p.Commit(ctx, CommitMessage(r.Name)); err != nil {
		return EditResult{}, fmt.Errorf("committing autofix %s: %w", r.Name, err)
	}
	e.metrics.AutofixEdited(ctx, r.Name)
	e.logger.Info(ctx, "autofix committed", zap.String("autofix", r.Name))
	return edited, nil
}

func summarize(names []string) string {
	if len(names) <= 2 {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%d autofixes", len(names))
}
