// Package goalfile loads goals, implementations, autofixes and planning
// rules from a TOML document.
//
// A goals.toml looks like:
//
//	[[goal]]
//	name = "build"
//	retry_feasible = true
//
//	[[goal]]
//	name = "deploy"
//	environment = "prod"
//	approval_required = true
//	depends_on = ["build"]
//
//	[[implementation]]
//	name = "maven-build"
//	goal = "build"
//	command = "mvn"
//	args = ["-B", "package"]
//	push_test = { has_file = "pom.xml" }
//
//	[[autofix]]
//	name = "license header"
//	header = "// Copyright Acme"
//	glob = "**.go"
//
//	[[rule]]
//	name = "delivery"
//	goals = ["autofix", "build", "deploy"]
//	lock = true
package goalfile

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fyrsmithlabs/goalkeeper/internal/autofix"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/mapper"
	"github.com/fyrsmithlabs/goalkeeper/internal/planning"
	"github.com/fyrsmithlabs/goalkeeper/internal/pushtest"
)

// ErrInvalid is wrapped by every error caused by the document's content.
var ErrInvalid = errors.New("invalid goal file")

// File is the decoded document.
type File struct {
	Goals           []GoalSpec           `toml:"goal" validate:"dive"`
	Implementations []ImplementationSpec `toml:"implementation" validate:"dive"`
	Autofixes       []AutofixSpec        `toml:"autofix" validate:"dive"`
	Rules           []RuleSpec           `toml:"rule" validate:"dive"`
}

type GoalSpec struct {
	Name             string   `toml:"name" validate:"required"`
	DisplayName      string   `toml:"display_name"`
	Environment      string   `toml:"environment"`
	ApprovalRequired bool     `toml:"approval_required"`
	RetryFeasible    bool     `toml:"retry_feasible"`
	DependsOn        []string `toml:"depends_on"`
}

// PushTestSpec combines its predicates with "all". An empty spec matches
// every push.
type PushTestSpec struct {
	Branch        string `toml:"branch"`
	DefaultBranch bool   `toml:"default_branch"`
	HasFile       string `toml:"has_file"`
	FileGlob      string `toml:"file_glob"`
}

type ImplementationSpec struct {
	Name     string            `toml:"name" validate:"required"`
	Goal     string            `toml:"goal" validate:"required"`
	Command  string            `toml:"command"`
	Args     []string          `toml:"args"`
	Env      map[string]string `toml:"env"`
	PushTest PushTestSpec      `toml:"push_test"`
	// SideEffect marks the goal as fulfilled outside goalkeeper.
	SideEffect bool `toml:"side_effect"`
}

type AutofixSpec struct {
	Name          string       `toml:"name" validate:"required"`
	Header        string       `toml:"header" validate:"required"`
	Glob          string       `toml:"glob" validate:"required"`
	IgnoreFailure bool         `toml:"ignore_failure"`
	PushTest      PushTestSpec `toml:"push_test"`
}

type RuleSpec struct {
	Name     string       `toml:"name" validate:"required"`
	Goals    []string     `toml:"goals" validate:"required,min=1"`
	Lock     bool         `toml:"lock"`
	PushTest PushTestSpec `toml:"push_test"`
}

// Definitions is a validated goal file ready to register.
type Definitions struct {
	// Goals in declaration order, with the autofix goal last when autofixes
	// are declared.
	Goals           []*goals.Goal
	Rules           []planning.Rule
	Implementations []mapper.Implementation
	SideEffects     []mapper.SideEffect
	Autofixes       []autofix.Registration
}

// Load reads and builds the goal file at path.
func Load(path string) (*Definitions, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f.Build()
}

// Parse builds a goal file from its text.
func Parse(data string) (*Definitions, error) {
	var f File
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	return f.Build()
}

func checkUndecoded(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
}

// Build validates the document and turns it into definitions.
func (f *File) Build() (*Definitions, error) {
	if err := goals.Validator().Struct(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	d := &Definitions{}
	byName := map[string]*goals.Goal{}
	for _, spec := range f.Goals {
		if _, dup := byName[spec.Name]; dup || spec.Name == autofix.Goal.UniqueName() {
			return nil, fmt.Errorf("%w: goal %q declared twice", ErrInvalid, spec.Name)
		}
		env, err := ParseEnvironment(spec.Environment)
		if err != nil {
			return nil, err
		}
		g, err := goals.NewGoal(goals.Definition{
			UniqueName:       spec.Name,
			DisplayName:      spec.DisplayName,
			Environment:      env,
			ApprovalRequired: spec.ApprovalRequired,
			RetryFeasible:    spec.RetryFeasible,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		byName[spec.Name] = g
		d.Goals = append(d.Goals, g)
	}
	if len(f.Autofixes) > 0 {
		byName[autofix.Goal.UniqueName()] = autofix.Goal
		d.Goals = append(d.Goals, autofix.Goal)
	}

	plannable := map[string]goals.Plannable{}
	for _, spec := range f.Goals {
		if len(spec.DependsOn) == 0 {
			plannable[spec.Name] = byName[spec.Name]
			continue
		}
		deps := make([]*goals.Goal, 0, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			g, ok := byName[dep]
			if !ok {
				return nil, fmt.Errorf("%w: goal %q depends on unknown goal %q", ErrInvalid, spec.Name, dep)
			}
			deps = append(deps, g)
		}
		plannable[spec.Name] = goals.NewGoalWithPrecondition(byName[spec.Name], deps...)
	}
	if len(f.Autofixes) > 0 {
		plannable[autofix.Goal.UniqueName()] = autofix.Goal
	}
	if err := checkCycles(f.Goals); err != nil {
		return nil, err
	}

	for _, spec := range f.Implementations {
		g, ok := byName[spec.Goal]
		if !ok {
			return nil, fmt.Errorf("%w: implementation %q names unknown goal %q", ErrInvalid, spec.Name, spec.Goal)
		}
		pt, err := spec.PushTest.Build()
		if err != nil {
			return nil, err
		}
		if spec.SideEffect {
			d.SideEffects = append(d.SideEffects, mapper.SideEffect{Name: spec.Name, Goal: g, PushTest: pt})
			continue
		}
		if spec.Command == "" {
			return nil, fmt.Errorf("%w: implementation %q needs a command", ErrInvalid, spec.Name)
		}
		d.Implementations = append(d.Implementations, mapper.Implementation{
			Implementation: CommandImplementation(spec.Name, spec.Command, spec.Args, spec.Env),
			Goal:           g,
			PushTest:       pt,
		})
	}

	for _, spec := range f.Autofixes {
		transform, err := autofix.AddLicenseHeader(spec.Header, spec.Glob)
		if err != nil {
			return nil, fmt.Errorf("%w: autofix %q: %v", ErrInvalid, spec.Name, err)
		}
		pt, err := spec.PushTest.Build()
		if err != nil {
			return nil, err
		}
		d.Autofixes = append(d.Autofixes, autofix.Registration{
			Name:          spec.Name,
			Transform:     transform,
			PushTest:      pt,
			IgnoreFailure: spec.IgnoreFailure,
			Parameters:    map[string]string{"header": spec.Header, "glob": spec.Glob},
		})
	}

	for _, spec := range f.Rules {
		set := goals.NewGoals(spec.Name)
		for _, name := range spec.Goals {
			p, ok := plannable[name]
			if !ok {
				return nil, fmt.Errorf("%w: rule %q names unknown goal %q", ErrInvalid, spec.Name, name)
			}
			set.Goals = append(set.Goals, p)
		}
		if spec.Lock {
			set = set.AndLock()
		}
		if err := set.Validate(); err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalid, spec.Name, err)
		}
		pt, err := spec.PushTest.Build()
		if err != nil {
			return nil, err
		}
		d.Rules = append(d.Rules, planning.Rule{Name: spec.Name, PushTest: pt, Goals: set})
	}
	return d, nil
}

// checkCycles rejects goals that transitively depend on themselves.
func checkCycles(specs []GoalSpec) error {
	deps := make(map[string][]string, len(specs))
	for _, s := range specs {
		deps[s.Name] = s.DependsOn
	}
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("%w: dependency cycle %s", ErrInvalid, strings.Join(append(path, name), " -> "))
		case done:
			return nil
		}
		state[name] = visiting
		for _, d := range deps[name] {
			if err := visit(d, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, s := range specs {
		if err := visit(s.Name, nil); err != nil {
			return err
		}
	}
	return nil
}

// Build returns the push test described by s, or nil when s is empty.
func (s PushTestSpec) Build() (pushtest.PushTest, error) {
	var tests []pushtest.PushTest
	if s.Branch != "" {
		tests = append(tests, pushtest.IsBranch(s.Branch))
	}
	if s.DefaultBranch {
		tests = append(tests, pushtest.IsDefaultBranch)
	}
	if s.HasFile != "" {
		tests = append(tests, pushtest.HasFile(s.HasFile))
	}
	if s.FileGlob != "" {
		t, err := pushtest.HasFileMatching(s.FileGlob)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		tests = append(tests, t)
	}
	switch len(tests) {
	case 0:
		return nil, nil
	case 1:
		return tests[0], nil
	}
	return pushtest.All(tests...), nil
}

// ParseEnvironment accepts "code", "staging" and "prod" as well as full
// environment names such as "1-staging/". Empty means code.
func ParseEnvironment(s string) (goals.Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "code":
		return goals.IndependentOfEnvironment, nil
	case "staging":
		return goals.StagingEnvironment, nil
	case "prod", "production":
		return goals.ProductionEnvironment, nil
	}
	env := goals.Environment(s)
	for _, known := range []goals.Environment{goals.IndependentOfEnvironment, goals.StagingEnvironment, goals.ProductionEnvironment} {
		if env == known {
			return env, nil
		}
	}
	return "", fmt.Errorf("%w: unknown environment %q", ErrInvalid, s)
}

// Register adds the implementations, side effects and, when autofixes are
// declared, the autofix engine to registry.
func (d *Definitions) Register(registry *mapper.Registry, opts ...autofix.Option) error {
	for _, impl := range d.Implementations {
		if err := registry.AddImplementation(impl); err != nil {
			return err
		}
	}
	for _, se := range d.SideEffects {
		if err := registry.AddSideEffect(se); err != nil {
			return err
		}
	}
	if len(d.Autofixes) == 0 {
		return nil
	}
	engine, err := autofix.NewEngine(d.Autofixes, opts...)
	if err != nil {
		return err
	}
	return registry.AddImplementation(engine.Implementation())
}
