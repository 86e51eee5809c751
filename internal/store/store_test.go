package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/events"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func newEvent(goalSet, name, sha string, state goals.State) *goals.GoalEvent {
	return &goals.GoalEvent{
		UniqueName:  name,
		Name:        name,
		GoalSetID:   goalSet,
		Environment: goals.IndependentOfEnvironment,
		SHA:         sha,
		Branch:      "main",
		Repo:        goals.Repo{Owner: "acme", Name: "app"},
		State:       state,
	}
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	b, err := OpenBadger(BadgerConfig{InMemory: true}, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"badger": b,
	}
}

func TestStore_Contract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			build := newEvent("gs-1", "build", "abc", goals.StatePlanned)
			test := newEvent("gs-1", "test", "abc", goals.StatePlanned)
			test.PreConditions = []goals.Key{build.Key()}
			other := newEvent("gs-2", "build", "def", goals.StatePlanned)
			require.NoError(t, s.Create(ctx, test, build))
			require.NoError(t, s.Create(ctx, other))

			got, err := s.Get(ctx, build.EventKey())
			require.NoError(t, err)
			assert.Equal(t, "build", got.UniqueName)
			assert.False(t, got.Timestamp.IsZero())

			siblings, err := s.ListSiblings(ctx, "gs-1")
			require.NoError(t, err)
			require.Len(t, siblings, 2)
			assert.Equal(t, "build", siblings[0].UniqueName)
			assert.Equal(t, []goals.Key{build.Key()}, siblings[1].PreConditions)

			forCommit, err := s.ListForCommit(ctx, "acme", "app", "def")
			require.NoError(t, err)
			require.Len(t, forCommit, 1)
			assert.Equal(t, "gs-2", forCommit[0].GoalSetID)

			updated, err := s.Update(ctx, build.EventKey(), goals.Update{
				State:       goals.StateRequested,
				Description: "Ready to build",
			})
			require.NoError(t, err)
			assert.Equal(t, goals.StateRequested, updated.State)
			assert.Equal(t, "Ready to build", updated.Description)

			got, err = s.Get(ctx, build.EventKey())
			require.NoError(t, err)
			assert.Equal(t, goals.StateRequested, got.State)
		})
	}
}

func TestStore_Errors(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			build := newEvent("gs-1", "build", "abc", goals.StatePlanned)
			require.NoError(t, s.Create(ctx, build))

			assert.ErrorIs(t, s.Create(ctx, build), ErrExists)

			_, err := s.Get(ctx, goals.EventKey{GoalSetID: "gs-1", Name: "missing", SHA: "abc"})
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.Update(ctx, goals.EventKey{GoalSetID: "gs-1", Name: "missing", SHA: "abc"}, goals.Update{State: goals.StateRequested})
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.Update(ctx, build.EventKey(), goals.Update{State: goals.StateSuccess})
			assert.ErrorIs(t, err, goals.ErrInvalidTransition)
			got, err := s.Get(ctx, build.EventKey())
			require.NoError(t, err)
			assert.Equal(t, goals.StatePlanned, got.State)

			assert.Error(t, s.Create(ctx, &goals.GoalEvent{GoalSetID: "gs-1"}))

			empty, err := s.ListSiblings(ctx, "nope")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStore_CreateIsAllOrNothing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			existing := newEvent("gs-1", "build", "abc", goals.StatePlanned)
			require.NoError(t, s.Create(ctx, existing))

			fresh := newEvent("gs-1", "test", "abc", goals.StatePlanned)
			require.ErrorIs(t, s.Create(ctx, fresh, existing), ErrExists)

			_, err := s.Get(ctx, fresh.EventKey())
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ConcurrentClaims(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := newEvent("gs-1", "build", "abc", goals.StateRequested)
			require.NoError(t, s.Create(ctx, e))

			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				claims int
				lost   []error
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Update(ctx, e.EventKey(), goals.Update{
						State:  goals.StateInProcess,
						Expect: goals.StateRequested,
					})
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						lost = append(lost, err)
						return
					}
					claims++
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, claims)
			require.Len(t, lost, 7)
			for _, err := range lost {
				assert.ErrorIs(t, err, goals.ErrStateChanged)
			}

			_, err := s.Update(ctx, e.EventKey(), goals.Update{State: goals.StateSuccess})
			require.NoError(t, err)
			got, err := s.Get(ctx, e.EventKey())
			require.NoError(t, err)
			assert.Equal(t, goals.StateSuccess, got.State)
		})
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), configFor("memory", ""), nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(context.Background(), configFor("badger", t.TempDir()), logging.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &Badger{}, s)
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), configFor("mongo", ""), nil)
	assert.Error(t, err)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.StateChanged
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.StateChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func TestPublishing(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewPublishing(NewMemory(), pub, nil)
	ctx := context.Background()

	build := newEvent("gs-1", "build", "abc", goals.StatePlanned)
	require.NoError(t, s.Create(ctx, build))
	_, err := s.Update(ctx, build.EventKey(), goals.Update{State: goals.StateRequested})
	require.NoError(t, err)

	// Rejected writes are not announced.
	_, err = s.Update(ctx, build.EventKey(), goals.Update{State: goals.StateSuccess})
	require.Error(t, err)

	require.Len(t, pub.events, 2)
	assert.Equal(t, goals.StatePlanned, pub.events[0].State)
	assert.Empty(t, pub.events[0].PreviousState)
	assert.Equal(t, goals.StateRequested, pub.events[1].State)
	assert.Equal(t, goals.StatePlanned, pub.events[1].PreviousState)
	require.NoError(t, s.Close())
}

func TestPublishing_FailureDoesNotFailWrite(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats down")}
	tl := logging.NewTestLogger()
	s := NewPublishing(NewMemory(), pub, tl.Logger)
	ctx := context.Background()

	build := newEvent("gs-1", "build", "abc", goals.StatePlanned)
	require.NoError(t, s.Create(ctx, build))
	updated, err := s.Update(ctx, build.EventKey(), goals.Update{State: goals.StateRequested})
	require.NoError(t, err)
	assert.Equal(t, goals.StateRequested, updated.State)
	tl.AssertLogged(t, zapcore.WarnLevel, "failed to publish goal state change")
}

func configFor(driver, path string) config.StoreConfig {
	return config.StoreConfig{Driver: driver, BadgerPath: path}
}
