package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/progresslog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult_Merge(t *testing.T) {
	base := &Result{
		Message:      "pre",
		Data:         "a",
		ExternalURLs: []goals.ExternalURL{{Label: "log", URL: "https://log"}},
	}
	overlay := &Result{Code: 0, Phase: "done", Data: "b"}

	merged := base.Merge(overlay)
	assert.Equal(t, "pre", merged.Message)
	assert.Equal(t, "done", merged.Phase)
	assert.Equal(t, "b", merged.Data)
	assert.Len(t, merged.ExternalURLs, 1)

	merged.ExternalURLs[0].URL = "changed"
	assert.Equal(t, "https://log", base.ExternalURLs[0].URL)

	var nilResult *Result
	assert.Equal(t, &Result{Code: 2}, nilResult.Merge(&Result{Code: 2}))
	assert.Equal(t, &Result{Message: "pre", Data: "a", ExternalURLs: base.ExternalURLs}, base.Merge(nil))
}

func TestGoalExecutionError(t *testing.T) {
	cause := errors.New("exit status 1")
	err := &GoalExecutionError{Stage: StagePostHook, Cause: cause, Result: &Result{Code: 1, Message: "upload failed"}}

	assert.Equal(t, "Failure in post-goal hook: Result code 1 upload failed Caused by: exit status 1", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestClassifyGitRefError_LeavesOtherFailures(t *testing.T) {
	result := classifyGitRefError(&Result{Code: 1, Message: "tests failed"}, errors.New("boom"))
	assert.Equal(t, 1, result.Code)
	assert.Empty(t, result.State)
}

func TestKeyedGuard(t *testing.T) {
	g := NewKeyedGuard()

	release, err := g.Acquire("a")
	require.NoError(t, err)
	_, err = g.Acquire("a")
	assert.ErrorIs(t, err, ErrAlreadyExecuting)

	other, err := g.Acquire("b")
	require.NoError(t, err)
	other()

	release()
	release()
	assert.False(t, g.Held("a"))
	_, err = g.Acquire("a")
	assert.NoError(t, err)
}

func TestMultiNotifier(t *testing.T) {
	first := &recordingNotifier{}
	failing := NotifierFunc(func(context.Context, FailureReport) error { return errors.New("chat down") })
	second := &recordingNotifier{}

	err := MultiNotifier{first, failing, second}.Report(context.Background(), FailureReport{Event: requested(build)})
	assert.EqualError(t, err, "chat down")
	assert.Len(t, first.reports, 1)
	assert.Len(t, second.reports, 1)
}

func TestFailureReport_Markdown(t *testing.T) {
	report := FailureReport{
		Event:     requested(build),
		Stage:     StageGoal,
		ErrorText: "Failure in goal",
		LogURL:    "https://logs/1",
		Interpretation: &progresslog.Interpretation{
			Message:      "Showing last 1 lines of log",
			RelevantPart: "FAIL\n",
		},
	}
	md := report.Markdown()
	assert.Contains(t, md, "Showing last 1 lines of log")
	assert.Contains(t, md, "```\nFAIL\n```")
	assert.Contains(t, md, "[Full log](https://logs/1)")
	assert.NotContains(t, md, "Failure in goal\n")
}

func TestInvocation_LoadProjectWithoutLoader(t *testing.T) {
	inv := invocation(build, requested(build))
	_, err := inv.LoadProject(context.Background())
	assert.ErrorContains(t, err, "no project loader")
}
