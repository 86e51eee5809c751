package goals

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		retry    bool
		want     bool
	}{
		{StatePlanned, StateRequested, false, true},
		{StateRequested, StateInProcess, false, true},
		{StateInProcess, StateSuccess, false, true},
		{StateInProcess, StateStopped, false, true},
		{StateInProcess, StateWaitingForApproval, false, true},
		{StateWaitingForApproval, StateSuccess, false, true},
		{StateWaitingForApproval, StateCanceled, false, false},
		{StateFailure, StateRequested, false, false},
		{StateFailure, StateRequested, true, true},
		{StateSkipped, StateRequested, true, true},
		{StateSuccess, StateRequested, true, false},
		{StatePlanned, StateInProcess, false, false},
		{StateSuccess, StateFailure, false, false},
		{StateSuccess, StateSuccess, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to, tt.retry))
		})
	}
}

func TestCheckTransition_UnknownState(t *testing.T) {
	err := CheckTransition(StatePlanned, State("done"), false)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestGoalEvent_Apply(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := &GoalEvent{
		GoalSetID:   "gs-1",
		UniqueName:  "build",
		Environment: IndependentOfEnvironment,
		State:       StateRequested,
		Description: "Ready to build",
		Phase:       "queued",
		Error:       "old",
	}

	require.NoError(t, ev.Apply(Update{State: StateInProcess, Description: "Working: build"}, now))
	assert.Equal(t, StateInProcess, ev.State)
	assert.Equal(t, "Working: build", ev.Description)
	assert.Equal(t, "queued", ev.Phase)
	assert.Empty(t, ev.Error)
	assert.Equal(t, now, ev.Timestamp)

	err := ev.Apply(Update{State: StatePlanned}, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateInProcess, ev.State)
}

func TestGoalEvent_ApplyExpect(t *testing.T) {
	now := time.Now()
	ev := &GoalEvent{UniqueName: "build", State: StateRequested}

	claim := Update{State: StateInProcess, Expect: StateRequested}
	require.NoError(t, ev.Apply(claim, now))
	assert.Equal(t, StateInProcess, ev.State)

	// A second claim sees in_process and loses even though rewriting the
	// same state is otherwise allowed.
	err := ev.Apply(claim, now)
	assert.ErrorIs(t, err, ErrStateChanged)
	assert.NotErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, ev.Apply(Update{State: StateInProcess, Phase: "compiling"}, now))
	assert.Equal(t, "compiling", ev.Phase)

	done := &GoalEvent{UniqueName: "build", State: StateSuccess}
	assert.ErrorIs(t, done.Apply(claim, now), ErrInvalidTransition)
}

func TestGoalEvent_CloneIsDeep(t *testing.T) {
	ev := &GoalEvent{
		PreConditions: []Key{{Name: "fingerprint"}},
		Approval:      &Provenance{Name: "alice"},
	}
	c := ev.Clone()
	c.PreConditions[0].Name = "changed"
	c.Approval.Name = "bob"

	assert.Equal(t, "fingerprint", ev.PreConditions[0].Name)
	assert.Equal(t, "alice", ev.Approval.Name)
	assert.Nil(t, (*GoalEvent)(nil).Clone())
}

func TestFindByKey(t *testing.T) {
	a := &GoalEvent{GoalSetID: "gs", Environment: IndependentOfEnvironment, UniqueName: "a"}
	b := &GoalEvent{GoalSetID: "gs", Environment: IndependentOfEnvironment, UniqueName: "b"}

	assert.Same(t, b, FindByKey(b.Key(), []*GoalEvent{a, b}))
	assert.Nil(t, FindByKey(Key{GoalSet: "other", Name: "a"}, []*GoalEvent{a, b}))
	assert.True(t, (&GoalEvent{PreConditions: []Key{a.Key()}}).HasPrecondition(a.Key()))
}
