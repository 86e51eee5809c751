package goals

import (
	"fmt"
	"strings"
)

// Locking is a sentinel goal. A goal set that contains it must not be
// enriched by contributions from later matching rules.
var Locking = MustGoal(Definition{
	UniqueName:  "lock",
	DisplayName: "lock goals",
	Environment: IndependentOfEnvironment,
})

// Goals is a named, ordered collection of goals assigned to a push.
type Goals struct {
	Name  string
	Goals []Plannable
}

// NewGoals creates a collection from goals.
func NewGoals(name string, goals ...Plannable) Goals {
	return Goals{Name: name, Goals: append([]Plannable(nil), goals...)}
}

// And returns a new collection with g appended. The receiver is never modified.
func (gs Goals) And(g Plannable) Goals {
	out := make([]Plannable, 0, len(gs.Goals)+1)
	out = append(out, gs.Goals...)
	out = append(out, g)
	return Goals{Name: gs.Name + ", " + g.Base().Name(), Goals: out}
}

// AndLock appends the Locking sentinel.
func (gs Goals) AndLock() Goals {
	return gs.And(Locking)
}

// IsLocked reports whether the Locking sentinel is present.
func (gs Goals) IsLocked() bool {
	for _, g := range gs.Goals {
		if g.Base() == Locking {
			return true
		}
	}
	return false
}

// Plannable returns the goals to persist, without the Locking sentinel.
func (gs Goals) Plannable() []Plannable {
	out := make([]Plannable, 0, len(gs.Goals))
	for _, g := range gs.Goals {
		if g.Base() != Locking {
			out = append(out, g)
		}
	}
	return out
}

// Validate reports goals sharing a unique name, and preconditions that
// point outside the collection.
func (gs Goals) Validate() error {
	seen := make(map[string]bool, len(gs.Goals))
	var dups []string
	for _, g := range gs.Plannable() {
		name := g.Base().UniqueName()
		if seen[name] {
			dups = append(dups, name)
		}
		seen[name] = true
	}
	if len(dups) > 0 {
		return fmt.Errorf("goal set %q has duplicate goals: %s", gs.Name, strings.Join(dups, ", "))
	}
	for _, g := range gs.Plannable() {
		for _, d := range g.Dependencies() {
			if !seen[d.UniqueName()] {
				return fmt.Errorf("goal %q depends on %q which is not in goal set %q",
					g.Base().UniqueName(), d.UniqueName(), gs.Name)
			}
		}
	}
	return nil
}

// Builder declares goals in two phases: Plan adds goals and returns a
// handle to exactly those goals, and After attaches preconditions to them.
type Builder struct {
	name  string
	goals []Plannable
}

func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Planned is the batch of goals added by one Plan call.
type Planned struct {
	b     *Builder
	start int
	n     int
}

// Plan appends goals. Goals collections are flattened.
func (b *Builder) Plan(items ...interface{}) *Planned {
	start := len(b.goals)
	for _, it := range items {
		switch v := it.(type) {
		case Goals:
			b.goals = append(b.goals, v.Goals...)
		case *Goals:
			b.goals = append(b.goals, v.Goals...)
		case Plannable:
			b.goals = append(b.goals, v)
		default:
			panic(fmt.Sprintf("goals: cannot plan %T", it))
		}
	}
	return &Planned{b: b, start: start, n: len(b.goals) - start}
}

// After makes every goal of the batch depend on deps. Calling After again on
// the same batch replaces the earlier dependencies.
func (p *Planned) After(deps ...*Goal) *Builder {
	for i := p.start; i < p.start+p.n; i++ {
		p.b.goals[i] = NewGoalWithPrecondition(p.b.goals[i].Base(), deps...)
	}
	return p.b
}

// Plan continues building without attaching preconditions to the last batch.
func (p *Planned) Plan(items ...interface{}) *Planned {
	return p.b.Plan(items...)
}

// Build returns the collection declared so far.
func (p *Planned) Build() Goals {
	return p.b.Build()
}

func (b *Builder) Build() Goals {
	return NewGoals(b.name, b.goals...)
}
