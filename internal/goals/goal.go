package goals

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Definition declares a goal. Descriptions left empty fall back to the
// per-state templates.
type Definition struct {
	UniqueName       string      `validate:"required"`
	DisplayName      string
	Environment      Environment `validate:"required"`
	ApprovalRequired bool
	RetryFeasible    bool

	WorkingDescription            string
	CompletedDescription          string
	FailedDescription             string
	WaitingForApprovalDescription string
	CanceledDescription           string
	StoppedDescription            string
	RequestedDescription          string
	PlannedDescription            string
	SkippedDescription            string
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator used for registrations.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Goal is an immutable, named unit of delivery work.
type Goal struct {
	def Definition
}

// NewGoal validates def and returns a goal.
func NewGoal(def Definition) (*Goal, error) {
	if err := Validator().Struct(def); err != nil {
		return nil, fmt.Errorf("invalid goal definition: %w", err)
	}
	return &Goal{def: def}, nil
}

// MustGoal is NewGoal for package level declarations.
func MustGoal(def Definition) *Goal {
	g, err := NewGoal(def)
	if err != nil {
		panic(err)
	}
	return g
}

// Name is the display name, or the unique name when none is set.
func (g *Goal) Name() string {
	if g.def.DisplayName != "" {
		return g.def.DisplayName
	}
	return g.def.UniqueName
}

func (g *Goal) UniqueName() string { return g.def.UniqueName }
func (g *Goal) Environment() Environment { return g.def.Environment }
func (g *Goal) Definition() Definition { return g.def }
func (g *Goal) ApprovalRequired() bool { return g.def.ApprovalRequired }
func (g *Goal) RetryFeasible() bool { return g.def.RetryFeasible }

// Key places the goal in a goal set.
func (g *Goal) Key(goalSetID string) Key {
	return Key{GoalSet: goalSetID, Environment: g.def.Environment, Name: g.def.UniqueName}
}

func orTemplate(s, format, name string) string {
	if s != "" {
		return s
	}
	return fmt.Sprintf(format, name)
}

func (g *Goal) WorkingDescription() string {
	return orTemplate(g.def.WorkingDescription, "Working: %s", g.Name())
}

func (g *Goal) CompletedDescription() string {
	return orTemplate(g.def.CompletedDescription, "Complete: %s", g.Name())
}

func (g *Goal) FailedDescription() string {
	return orTemplate(g.def.FailedDescription, "Failed: %s", g.Name())
}

func (g *Goal) WaitingForApprovalDescription() string {
	return orTemplate(g.def.WaitingForApprovalDescription, "Approval required: %s", g.Name())
}

func (g *Goal) CanceledDescription() string {
	return orTemplate(g.def.CanceledDescription, "Canceled: %s", g.Name())
}

func (g *Goal) StoppedDescription() string {
	return orTemplate(g.def.StoppedDescription, "Stopped: %s", g.Name())
}

func (g *Goal) RequestedDescription() string {
	return orTemplate(g.def.RequestedDescription, "Ready to %s", g.Name())
}

func (g *Goal) PlannedDescription() string {
	return orTemplate(g.def.PlannedDescription, "Planning to %s", g.Name())
}

func (g *Goal) SkippedDescription() string {
	return orTemplate(g.def.SkippedDescription, "Skipped: %s", g.Name())
}

// DescriptionFor returns the description used when the goal enters state.
func (g *Goal) DescriptionFor(state State) string {
	switch state {
	case StatePlanned:
		return g.PlannedDescription()
	case StateRequested:
		return g.RequestedDescription()
	case StateInProcess:
		return g.WorkingDescription()
	case StateWaitingForApproval:
		return g.WaitingForApprovalDescription()
	case StateSuccess:
		return g.CompletedDescription()
	case StateFailure:
		return g.FailedDescription()
	case StateCanceled:
		return g.CanceledDescription()
	case StateStopped:
		return g.StoppedDescription()
	case StateSkipped:
		return g.SkippedDescription()
	}
	return g.Name()
}

// Base returns the goal itself. Together with Dependencies it lets plain
// goals and goals with preconditions share one collection.
func (g *Goal) Base() *Goal { return g }

func (g *Goal) Dependencies() []*Goal { return nil }

// Plannable is a goal as it appears in a goal set.
type Plannable interface {
	Base() *Goal
	Dependencies() []*Goal
}

// GoalWithPrecondition is a goal that may only run after DependsOn succeeded.
type GoalWithPrecondition struct {
	*Goal
	DependsOn []*Goal
}

// NewGoalWithPrecondition copies deps so later changes by the caller do not leak in.
func NewGoalWithPrecondition(g *Goal, deps ...*Goal) *GoalWithPrecondition {
	return &GoalWithPrecondition{Goal: g, DependsOn: append([]*Goal(nil), deps...)}
}

func (g *GoalWithPrecondition) Dependencies() []*Goal { return g.DependsOn }

// Preconditions returns the dependency keys for goal set goalSetID.
func (g *GoalWithPrecondition) Preconditions(goalSetID string) []Key {
	return PreconditionKeys(g, goalSetID)
}

// PreconditionKeys returns p's dependency keys for goal set goalSetID.
func PreconditionKeys(p Plannable, goalSetID string) []Key {
	deps := p.Dependencies()
	if len(deps) == 0 {
		return nil
	}
	keys := make([]Key, 0, len(deps))
	for _, d := range deps {
		keys = append(keys, d.Key(goalSetID))
	}
	return keys
}
