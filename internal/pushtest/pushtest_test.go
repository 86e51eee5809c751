package pushtest

import (
	"context"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInvocation(t *testing.T, branch string, files map[string]string) *Invocation {
	t.Helper()
	remote := project.NewTestRemote(t, branch, files)
	return &Invocation{
		Push:    goals.Push{Repo: remote.Repo, SHA: remote.SHA, Branch: branch},
		Project: remote.Load(t),
	}
}

func TestPredicates(t *testing.T) {
	inv := newInvocation(t, "main", map[string]string{
		"pom.xml":                "<project/>",
		"src/main/java/App.java": "class App {}",
		"docs/README.md":         "# docs",
	})
	ctx := context.Background()

	tests := []struct {
		name string
		test PushTest
		want bool
	}{
		{"any push", AnyPush, true},
		{"has file", HasFile("pom.xml"), true},
		{"missing file", HasFile("package.json"), false},
		{"glob across dirs", MustHaveFileMatching("**/*.java"), true},
		{"glob stays in dir", MustHaveFileMatching("*.java"), false},
		{"glob top level", MustHaveFileMatching("*.xml"), true},
		{"default branch", IsDefaultBranch, true},
		{"named branch", IsBranch("release"), false},
		{"not", Not(HasFile("package.json")), true},
		{"all", All(IsDefaultBranch, HasFile("pom.xml")), true},
		{"all fails", All(IsDefaultBranch, HasFile("package.json")), false},
		{"any", Any(HasFile("package.json"), HasFile("pom.xml")), true},
		{"any none", Any(HasFile("package.json"), IsBranch("dev")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.test.Test(ctx, inv)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCombinators_PropagateErrors(t *testing.T) {
	boom := Func("boom", func(context.Context, *Invocation) (bool, error) {
		return false, errors.New("boom")
	})
	inv := &Invocation{}
	ctx := context.Background()

	_, err := Any(boom, AnyPush).Test(ctx, inv)
	assert.Error(t, err)

	_, err = All(AnyPush, boom).Test(ctx, inv)
	assert.Error(t, err)

	ok, err := Any(AnyPush, boom).Test(ctx, inv)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "all(isDefaultBranch, hasFile pom.xml)", All(IsDefaultBranch, HasFile("pom.xml")).Name())
	assert.Equal(t, "not isBranch dev", Not(IsBranch("dev")).Name())
}

func TestHasFileMatching_InvalidPattern(t *testing.T) {
	_, err := HasFileMatching("[")
	assert.Error(t, err)
	assert.Panics(t, func() { MustHaveFileMatching("[") })
}

func TestFileTests_NoProject(t *testing.T) {
	ok, err := HasFile("x").Test(context.Background(), &Invocation{})
	require.NoError(t, err)
	assert.False(t, ok)
}
