package goals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	fingerprint = MustGoal(Definition{UniqueName: "fingerprint", Environment: IndependentOfEnvironment})
	build       = MustGoal(Definition{UniqueName: "build", Environment: IndependentOfEnvironment})
	deploy      = MustGoal(Definition{
		UniqueName:         "deploy",
		DisplayName:        "deploy to staging",
		Environment:        StagingEnvironment,
		ApprovalRequired:   true,
		WorkingDescription: "Deploying",
	})
)

func TestNewGoal_Validation(t *testing.T) {
	_, err := NewGoal(Definition{Environment: IndependentOfEnvironment})
	require.Error(t, err)

	_, err = NewGoal(Definition{UniqueName: "build"})
	require.Error(t, err)

	assert.Panics(t, func() { MustGoal(Definition{}) })
}

func TestGoal_Descriptions(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StatePlanned, "Planning to build"},
		{StateRequested, "Ready to build"},
		{StateInProcess, "Working: build"},
		{StateWaitingForApproval, "Approval required: build"},
		{StateSuccess, "Complete: build"},
		{StateFailure, "Failed: build"},
		{StateCanceled, "Canceled: build"},
		{StateStopped, "Stopped: build"},
		{StateSkipped, "Skipped: build"},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, build.DescriptionFor(tt.state))
		})
	}
}

func TestGoal_DisplayNameAndOverrides(t *testing.T) {
	assert.Equal(t, "deploy to staging", deploy.Name())
	assert.Equal(t, "deploy", deploy.UniqueName())
	assert.Equal(t, "Deploying", deploy.WorkingDescription())
	assert.Equal(t, "Complete: deploy to staging", deploy.CompletedDescription())
	assert.True(t, deploy.ApprovalRequired())
}

func TestEnvironment_WithoutScheme(t *testing.T) {
	assert.Equal(t, "code/", IndependentOfEnvironment.WithoutScheme())
	assert.Equal(t, "prod/", ProductionEnvironment.WithoutScheme())
	assert.Equal(t, "staging", StagingEnvironment.Slug())
	assert.Equal(t, "x", Environment("x").WithoutScheme())
}

func TestGoals_AndIsSideEffectFree(t *testing.T) {
	base := NewGoals("base", fingerprint)
	withBuild := base.And(build)
	withDeploy := base.And(deploy)

	assert.Equal(t, "base, build", withBuild.Name)
	assert.Equal(t, "base, deploy to staging", withDeploy.Name)
	assert.Len(t, base.Goals, 1)
	assert.Same(t, build, withBuild.Goals[1].Base())
	assert.Same(t, deploy, withDeploy.Goals[1].Base())
}

func TestGoals_AndLock(t *testing.T) {
	gs := NewGoals("checks", build)
	assert.False(t, gs.IsLocked())

	locked := gs.AndLock()
	assert.True(t, locked.IsLocked())
	assert.False(t, gs.IsLocked())
	assert.Len(t, locked.Plannable(), 1)
}

func TestGoals_Validate(t *testing.T) {
	require.NoError(t, NewGoals("ok", fingerprint, build).Validate())

	dup := MustGoal(Definition{UniqueName: "build", Environment: ProductionEnvironment})
	err := NewGoals("dup", build, dup).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate goals: build")

	dangling := NewGoals("dangling", NewGoalWithPrecondition(build, fingerprint))
	assert.Error(t, dangling.Validate())
}

func TestBuilder_PlanAfter(t *testing.T) {
	gs := NewBuilder("delivery").
		Plan(fingerprint).
		Plan(build, deploy).After(fingerprint).
		Build()

	require.Len(t, gs.Goals, 3)
	assert.Empty(t, gs.Goals[0].Dependencies())
	assert.Equal(t, []*Goal{fingerprint}, gs.Goals[1].Dependencies())
	assert.Equal(t, []*Goal{fingerprint}, gs.Goals[2].Dependencies())
	require.NoError(t, gs.Validate())
}

func TestBuilder_SecondAfterReplacesFirst(t *testing.T) {
	b := NewBuilder("delivery")
	b.Plan(fingerprint, build)
	p := b.Plan(deploy)
	p.After(fingerprint)
	p.After(build)

	gs := b.Build()
	assert.Equal(t, []*Goal{build}, gs.Goals[2].Dependencies())

	keys := PreconditionKeys(gs.Goals[2], "gs-1")
	assert.Equal(t, []Key{{GoalSet: "gs-1", Environment: IndependentOfEnvironment, Name: "build"}}, keys)
}

func TestBuilder_PlanFlattensGoals(t *testing.T) {
	gs := NewBuilder("all").Plan(NewGoals("inner", fingerprint, build)).Build()
	assert.Len(t, gs.Goals, 2)
	assert.Panics(t, func() { NewBuilder("bad").Plan("build") })
}
