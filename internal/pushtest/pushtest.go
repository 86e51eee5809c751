// Package pushtest holds predicates that decide whether something applies
// to a push: an implementation, an autofix or a planning rule.
package pushtest

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"github.com/gobwas/glob"
)

// Invocation is what a push test sees.
type Invocation struct {
	Push    goals.Push
	Project project.Project
}

// PushTest decides whether a push qualifies.
type PushTest interface {
	Name() string
	Test(ctx context.Context, inv *Invocation) (bool, error)
}

type funcTest struct {
	name string
	fn   func(ctx context.Context, inv *Invocation) (bool, error)
}

func (f funcTest) Name() string { return f.name }

func (f funcTest) Test(ctx context.Context, inv *Invocation) (bool, error) {
	return f.fn(ctx, inv)
}

// Func builds a named PushTest from fn.
func Func(name string, fn func(ctx context.Context, inv *Invocation) (bool, error)) PushTest {
	return funcTest{name: name, fn: fn}
}

// AnyPush matches every push.
var AnyPush = Func("anyPush", func(context.Context, *Invocation) (bool, error) {
	return true, nil
})

func Not(t PushTest) PushTest {
	return Func("not "+t.Name(), func(ctx context.Context, inv *Invocation) (bool, error) {
		ok, err := t.Test(ctx, inv)
		return !ok, err
	})
}

// All matches when every test matches. It stops at the first mismatch.
func All(tests ...PushTest) PushTest {
	return Func(joinNames("all", tests), func(ctx context.Context, inv *Invocation) (bool, error) {
		for _, t := range tests {
			ok, err := t.Test(ctx, inv)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// Any matches when one test matches. It stops at the first match.
func Any(tests ...PushTest) PushTest {
	return Func(joinNames("any", tests), func(ctx context.Context, inv *Invocation) (bool, error) {
		for _, t := range tests {
			ok, err := t.Test(ctx, inv)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

func joinNames(op string, tests []PushTest) string {
	names := make([]string, 0, len(tests))
	for _, t := range tests {
		names = append(names, t.Name())
	}
	return op + "(" + strings.Join(names, ", ") + ")"
}

// IsBranch matches pushes to branch.
func IsBranch(branch string) PushTest {
	return Func("isBranch "+branch, func(_ context.Context, inv *Invocation) (bool, error) {
		return inv.Push.Branch == branch, nil
	})
}

// IsDefaultBranch matches pushes to main or master.
var IsDefaultBranch = Func("isDefaultBranch", func(_ context.Context, inv *Invocation) (bool, error) {
	return inv.Push.Branch == "main" || inv.Push.Branch == "master", nil
})

// HasFile matches projects containing path.
func HasFile(path string) PushTest {
	return Func("hasFile "+path, func(ctx context.Context, inv *Invocation) (bool, error) {
		if inv.Project == nil {
			return false, nil
		}
		return inv.Project.HasFile(ctx, path)
	})
}

// HasFileMatching matches projects with at least one file matching the
// glob pattern, with "/" as separator so "*" stays within a directory and
// "**" crosses directories.
func HasFileMatching(pattern string) (PushTest, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	return Func("hasFileMatching "+pattern, func(ctx context.Context, inv *Invocation) (bool, error) {
		if inv.Project == nil {
			return false, nil
		}
		files, err := inv.Project.Files(ctx)
		if err != nil {
			return false, err
		}
		for _, f := range files {
			if g.Match(f) {
				return true, nil
			}
		}
		return false, nil
	}), nil
}

// MustHaveFileMatching is HasFileMatching for static patterns.
func MustHaveFileMatching(pattern string) PushTest {
	t, err := HasFileMatching(pattern)
	if err != nil {
		panic(err)
	}
	return t
}
