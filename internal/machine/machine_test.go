package machine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/events"
	"github.com/fyrsmithlabs/goalkeeper/internal/execution"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/mapper"
	"github.com/fyrsmithlabs/goalkeeper/internal/planning"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"github.com/fyrsmithlabs/goalkeeper/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

var (
	build  = goals.MustGoal(goals.Definition{UniqueName: "build", Environment: goals.IndependentOfEnvironment, RetryFeasible: true})
	test   = goals.MustGoal(goals.Definition{UniqueName: "test", Environment: goals.IndependentOfEnvironment})
	deploy = goals.MustGoal(goals.Definition{UniqueName: "deploy", Environment: goals.ProductionEnvironment, ApprovalRequired: true})
)

var push = goals.Push{
	Repo:   goals.Repo{Owner: "acme", Name: "app"},
	SHA:    "abc123",
	Branch: "main",
}

func keyOf(g *goals.Goal) goals.EventKey {
	return goals.EventKey{GoalSetID: "gs-1", Environment: g.Environment(), Name: g.UniqueName(), SHA: "abc123"}
}

// recorder is an executor that remembers which goals ran.
type recorder struct {
	mu   sync.Mutex
	ran  []string
	fail map[string]bool
}

func (r *recorder) executor(ctx context.Context, inv *execution.Invocation) (*execution.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, inv.Event.UniqueName)
	if r.fail[inv.Event.UniqueName] {
		return &execution.Result{Code: 1, Message: "compilation failed"}, nil
	}
	return execution.Success(), nil
}

func (r *recorder) goals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

type fixture struct {
	machine *Machine
	store   store.Store
	ran     *recorder
	logs    *logging.TestLogger
}

func newFixture(t *testing.T, s store.Store, opts ...func(*Registration)) *fixture {
	t.Helper()
	if s == nil {
		s = store.NewMemory()
	}
	rec := &recorder{fail: map[string]bool{}}
	registry := mapper.NewRegistry()
	for _, g := range []*goals.Goal{build, test, deploy} {
		require.NoError(t, registry.AddImplementation(mapper.Implementation{
			Implementation: execution.Implementation{Name: g.UniqueName() + "-impl", Executor: rec.executor},
			Goal:           g,
		}))
	}
	delivery := goals.NewBuilder("delivery").
		Plan(build).
		Plan(test).After(build).
		Plan(deploy).After(test).
		Build()

	tl := logging.NewTestLogger()
	planner, err := planning.NewPlanner([]planning.Rule{{Name: "delivery", Goals: delivery}}, registry, s,
		planning.WithLogger(tl.Logger),
		planning.WithIDGenerator(func() string { return "gs-1" }),
	)
	require.NoError(t, err)

	reg := Registration{
		Name:     "test-machine",
		Store:    s,
		Registry: registry,
		Planner:  planner,
		Pipeline: execution.NewPipeline(s, execution.WithLogger(tl.Logger)),
		Loader: project.LoaderFunc(func(context.Context, project.Params) (project.Project, error) {
			return nil, errors.New("no checkouts in tests")
		}),
		Logger: tl.Logger,
	}
	for _, opt := range opts {
		opt(&reg)
	}
	m, err := New(reg)
	require.NoError(t, err)
	return &fixture{machine: m, store: s, ran: rec, logs: tl}
}

// plan plans push as goal set gs-1.
func (f *fixture) plan(t *testing.T) {
	t.Helper()
	_, err := f.machine.HandlePush(context.Background(), push)
	require.NoError(t, err)
}

func (f *fixture) state(t *testing.T, g *goals.Goal) goals.State {
	t.Helper()
	e, err := f.store.Get(context.Background(), keyOf(g))
	require.NoError(t, err)
	return e.State
}

func TestNew_ValidatesRegistration(t *testing.T) {
	_, err := New(Registration{Name: "m"})
	assert.Error(t, err)
}

func TestFulfill_RunsRecordedImplementation(t *testing.T) {
	f := newFixture(t, nil)
	f.plan(t)
	ctx := context.Background()

	result, err := f.machine.Fulfill(ctx, keyOf(build))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 0, result.Code)
	assert.Equal(t, []string{"build"}, f.ran.goals())
	assert.Equal(t, goals.StateSuccess, f.state(t, build))

	// Not requested yet.
	result, err = f.machine.Fulfill(ctx, keyOf(test))
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, []string{"build"}, f.ran.goals())
}

func TestFulfill_SideEffectsAreNotExecuted(t *testing.T) {
	s := store.NewMemory()
	f := newFixture(t, s)
	e := &goals.GoalEvent{
		UniqueName:  "scan",
		Name:        "scan",
		GoalSetID:   "gs-9",
		Environment: goals.IndependentOfEnvironment,
		SHA:         "abc123",
		State:       goals.StateRequested,
		Fulfillment: goals.Fulfillment{Method: mapper.MethodSideEffect, Name: "jenkins"},
	}
	require.NoError(t, s.Create(context.Background(), e))

	result, err := f.machine.Fulfill(context.Background(), e.EventKey())
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Empty(t, f.ran.goals())
}

func TestFulfill_UnknownImplementationIsCritical(t *testing.T) {
	s := store.NewMemory()
	f := newFixture(t, s)
	e := &goals.GoalEvent{
		UniqueName:  "build",
		Name:        "build",
		GoalSetID:   "gs-9",
		Environment: goals.IndependentOfEnvironment,
		SHA:         "abc123",
		State:       goals.StateRequested,
		Fulfillment: goals.Fulfillment{Method: mapper.MethodSDM, Name: "ghost"},
	}
	require.NoError(t, s.Create(context.Background(), e))

	_, err := f.machine.Fulfill(context.Background(), e.EventKey())
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, SeverityCritical, merr.Severity)
	assert.ErrorIs(t, err, mapper.ErrNoImplementation)

	err = f.machine.HandleStateChanged(context.Background(), events.NewStateChanged(goals.StatePlanned, e))
	require.Error(t, err)
	f.logs.AssertLogged(t, zapcore.ErrorLevel, "goal configuration error")
}

func TestHandleStateChanged_GoalFailureIsRecordedNotReturned(t *testing.T) {
	f := newFixture(t, nil)
	f.ran.fail["build"] = true
	f.plan(t)

	e, err := f.store.Get(context.Background(), keyOf(build))
	require.NoError(t, err)
	require.NoError(t, f.machine.HandleStateChanged(context.Background(), events.NewStateChanged(goals.StatePlanned, e)))

	assert.Equal(t, goals.StateFailure, f.state(t, build))
	f.logs.AssertLogged(t, zapcore.WarnLevel, "goal event not handled")
}

func TestRequestDownstream(t *testing.T) {
	f := newFixture(t, nil)
	f.plan(t)
	ctx := context.Background()

	// build has not succeeded yet.
	promoted, err := f.machine.RequestDownstream(ctx, keyOf(build))
	require.NoError(t, err)
	assert.Empty(t, promoted)

	_, err = f.machine.Fulfill(ctx, keyOf(build))
	require.NoError(t, err)
	promoted, err = f.machine.RequestDownstream(ctx, keyOf(build))
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, "test", promoted[0].UniqueName)
	assert.Equal(t, goals.StateRequested, f.state(t, test))
	assert.Equal(t, goals.StatePlanned, f.state(t, deploy))

	// Running it again finds nothing new to request.
	promoted, err = f.machine.RequestDownstream(ctx, keyOf(build))
	require.NoError(t, err)
	assert.Empty(t, promoted)
}

func TestApprove(t *testing.T) {
	f := newFixture(t, nil)
	f.plan(t)
	ctx := context.Background()

	for _, g := range []*goals.Goal{build, test} {
		_, err := f.machine.Fulfill(ctx, keyOf(g))
		require.NoError(t, err)
		_, err = f.machine.RequestDownstream(ctx, keyOf(g))
		require.NoError(t, err)
	}
	_, err := f.machine.Fulfill(ctx, keyOf(deploy))
	require.NoError(t, err)
	require.Equal(t, goals.StateWaitingForApproval, f.state(t, deploy))

	_, err = f.machine.Approve(ctx, keyOf(build), goals.Provenance{UserID: "alice"})
	assert.ErrorIs(t, err, ErrNotWaitingForApproval)

	approved, err := f.machine.Approve(ctx, keyOf(deploy), goals.Provenance{Name: "goalctl", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, goals.StateSuccess, approved.State)
	require.NotNil(t, approved.Approval)
	assert.Equal(t, "alice", approved.Approval.UserID)
	assert.False(t, approved.Approval.Timestamp.IsZero())
	assert.Equal(t, "Complete: deploy", approved.Description)
}

func TestRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.ran.fail["build"] = true
	f.plan(t)
	ctx := context.Background()

	_, err := f.machine.Fulfill(ctx, keyOf(build))
	require.Error(t, err)
	require.Equal(t, goals.StateFailure, f.state(t, build))

	_, err = f.machine.Retry(ctx, keyOf(test), goals.Provenance{UserID: "bob"})
	assert.ErrorIs(t, err, ErrRetryNotAllowed)

	retried, err := f.machine.Retry(ctx, keyOf(build), goals.Provenance{UserID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, goals.StateRequested, retried.State)
	assert.Equal(t, "Ready to build", retried.Description)

	delete(f.ran.fail, "build")
	_, err = f.machine.Fulfill(ctx, keyOf(build))
	require.NoError(t, err)
	assert.Equal(t, goals.StateSuccess, f.state(t, build))
}

type recordingDispatcher struct {
	mu   sync.Mutex
	keys []goals.EventKey
}

func (d *recordingDispatcher) Dispatch(_ context.Context, key goals.EventKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, key)
	return nil
}

func TestHandleStateChanged_Dispatches(t *testing.T) {
	d := &recordingDispatcher{}
	f := newFixture(t, nil, func(r *Registration) { r.Dispatcher = d })
	f.plan(t)

	e, err := f.store.Get(context.Background(), keyOf(build))
	require.NoError(t, err)
	require.NoError(t, f.machine.HandleStateChanged(context.Background(), events.NewStateChanged(goals.StatePlanned, e)))

	assert.Equal(t, []goals.EventKey{keyOf(build)}, d.keys)
	assert.Empty(t, f.ran.goals())
}

func TestRun_DrivesGoalSetOverLocalBus(t *testing.T) {
	bus := events.NewLocal(64, nil)
	s := store.NewPublishing(store.NewMemory(), bus, nil)
	f := newFixture(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.machine.Run(ctx, bus) }()

	f.plan(t)

	require.Eventually(t, func() bool {
		e, err := s.Get(context.Background(), keyOf(deploy))
		return err == nil && e.State == goals.StateWaitingForApproval
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"build", "test", "deploy"}, f.ran.goals())
	assert.Equal(t, goals.StateSuccess, f.state(t, build))
	assert.Equal(t, goals.StateSuccess, f.state(t, test))

	cancel()
	require.NoError(t, <-done)
}
