// Package planning assigns goals to pushes and persists the planned goal set.
package planning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/mapper"
	"github.com/fyrsmithlabs/goalkeeper/internal/preconditions"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"github.com/fyrsmithlabs/goalkeeper/internal/pushtest"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Rule contributes goals to every push its PushTest accepts.
type Rule struct {
	Name string `validate:"required"`
	// PushTest nil matches every push.
	PushTest pushtest.PushTest
	Goals    goals.Goals
}

// Store is what the planner needs from the goal store.
type Store interface {
	Create(ctx context.Context, events ...*goals.GoalEvent) error
	preconditions.Updater
}

// GoalSet is a planned goal set.
type GoalSet struct {
	ID   string
	Name string
	Push goals.Push
	// Events holds every planned event as persisted.
	Events []*goals.GoalEvent
	// Requested holds the events promoted right away.
	Requested []*goals.GoalEvent
}

// Planner turns pushes into persisted goal sets.
type Planner struct {
	rules       []Rule
	registry    *mapper.Registry
	store       Store
	trigger     *preconditions.Trigger
	loader      project.Loader
	credentials config.Secret
	logger      *logging.Logger
	newID       func() string
	now         func() time.Time
}

type Option func(*Planner)

func WithLogger(l *logging.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithTrigger sets the trigger used to request ready goals. By default a
// trigger writing to the planner's store is used.
func WithTrigger(t *preconditions.Trigger) Option {
	return func(p *Planner) { p.trigger = t }
}

// WithIDGenerator replaces the uuid goal set ids.
func WithIDGenerator(fn func() string) Option {
	return func(p *Planner) { p.newID = fn }
}

// WithProjectLoader gives push tests access to the pushed project. Without
// it push tests only see the push itself.
func WithProjectLoader(l project.Loader, credentials config.Secret) Option {
	return func(p *Planner) {
		p.loader = l
		p.credentials = credentials
	}
}

// NewPlanner validates rules and returns a planner.
func NewPlanner(rules []Rule, registry *mapper.Registry, store Store, opts ...Option) (*Planner, error) {
	for _, r := range rules {
		if err := goals.Validator().Struct(r); err != nil {
			return nil, fmt.Errorf("invalid rule %q: %w", r.Name, err)
		}
	}
	p := &Planner{
		rules:    append([]Rule(nil), rules...),
		registry: registry,
		store:    store,
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.NewNop()
	}
	if p.trigger == nil {
		p.trigger = preconditions.NewTrigger(store, preconditions.WithLogger(p.logger))
	}
	return p, nil
}

// Goals returns the goals the rules assign to a push. A contribution that
// carries the Locking sentinel ends merging.
func (p *Planner) Goals(ctx context.Context, inv *pushtest.Invocation) (goals.Goals, error) {
	var (
		names  []string
		merged []goals.Plannable
		seen   = map[*goals.Goal]bool{}
	)
	for _, r := range p.rules {
		if r.PushTest != nil {
			ok, err := r.PushTest.Test(ctx, inv)
			if err != nil {
				return goals.Goals{}, fmt.Errorf("push test for rule %s: %w", r.Name, err)
			}
			if !ok {
				continue
			}
		}
		p.logger.Debug(ctx, "rule matched push", zap.String("rule", r.Name))
		names = append(names, r.Goals.Name)
		for _, g := range r.Goals.Goals {
			if seen[g.Base()] {
				continue
			}
			seen[g.Base()] = true
			merged = append(merged, g)
		}
		if r.Goals.IsLocked() {
			break
		}
	}
	return goals.NewGoals(strings.Join(names, ", "), merged...), nil
}

// Plan assigns goals to push, persists them as planned and requests the
// goals whose preconditions already hold. It returns nil when no rule
// assigns any goal.
func (p *Planner) Plan(ctx context.Context, push goals.Push) (*GoalSet, error) {
	inv := &pushtest.Invocation{Push: push}
	if p.loader != nil {
		proj, err := p.loader.Load(ctx, project.Params{
			Repo:        push.Repo,
			SHA:         push.SHA,
			Branch:      push.Branch,
			Credentials: p.credentials,
			ReadOnly:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", push.Repo.Slug(), err)
		}
		defer func() {
			if err := project.Release(proj); err != nil {
				p.logger.Warn(ctx, "failed to release project", zap.Error(err))
			}
		}()
		inv.Project = proj
	}

	set, err := p.Goals(ctx, inv)
	if err != nil {
		return nil, err
	}
	plannable := set.Plannable()
	if len(plannable) == 0 {
		p.logger.Info(ctx, "no goals for push",
			zap.String("repo", push.Repo.Slug()), zap.String("sha", push.SHA))
		return nil, nil
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}

	id := p.newID()
	now := p.now().UTC()
	events := make([]*goals.GoalEvent, 0, len(plannable))
	for _, g := range plannable {
		goal := g.Base()
		res, err := p.registry.ResolveForPush(ctx, goal, inv)
		if err != nil {
			return nil, fmt.Errorf("planning %s: %w", goal.UniqueName(), err)
		}
		e := &goals.GoalEvent{
			UniqueName:       goal.UniqueName(),
			GoalSetID:        id,
			GoalSet:          set.Name,
			Environment:      goal.Environment(),
			Name:             goal.Name(),
			SHA:              push.SHA,
			Branch:           push.Branch,
			Repo:             push.Repo,
			State:            goals.StatePlanned,
			Description:      goal.PlannedDescription(),
			PreConditions:    goals.PreconditionKeys(g, id),
			Fulfillment:      res.Fulfillment(),
			RetryFeasible:    goal.RetryFeasible(),
			ApprovalRequired: goal.ApprovalRequired(),
			Provenance:       []goals.Provenance{{Name: "goalkeeper", Timestamp: now}},
			Timestamp:        now,
			Push:             push,
		}
		e, err = p.registry.Enrich(ctx, e, inv)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := p.store.Create(ctx, events...); err != nil {
		return nil, fmt.Errorf("persisting goal set %s: %w", id, err)
	}
	p.logger.Info(ctx, "planned goal set",
		zap.String("goal_set", id),
		zap.String("name", set.Name),
		zap.Int("goals", len(events)),
		zap.String("repo", push.Repo.Slug()),
		zap.String("sha", push.SHA),
	)

	var ready []*goals.GoalEvent
	for _, e := range events {
		if len(e.PreConditions) == 0 && preconditions.Evaluate(e, events) == preconditions.StatusSuccess {
			ready = append(ready, e)
		}
	}
	requested, err := p.trigger.Request(ctx, ready)
	gs := &GoalSet{ID: id, Name: set.Name, Push: push, Events: events, Requested: requested}
	if err != nil {
		return gs, fmt.Errorf("requesting initial goals of %s: %w", id, err)
	}
	return gs, nil
}

// IsConfigurationError reports whether err means the registrations cannot
// fulfil the planned goals.
func IsConfigurationError(err error) bool {
	return errors.Is(err, mapper.ErrNoImplementation) || errors.Is(err, mapper.ErrAmbiguousImplementation)
}
