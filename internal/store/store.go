// Package store persists goal events.
//
// Every backend enforces the goal lifecycle on Update, so a transition that
// is not part of the state graph is rejected no matter which process wrote
// it. Events are never deleted.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
)

var (
	// ErrNotFound is returned for unknown goal events.
	ErrNotFound = errors.New("goal event not found")

	// ErrExists is returned when creating an event whose key is taken.
	ErrExists = errors.New("goal event already exists")
)

// Store is the goal event repository.
type Store interface {
	// Create persists new events. Either all events are stored or none.
	Create(ctx context.Context, events ...*goals.GoalEvent) error
	Get(ctx context.Context, key goals.EventKey) (*goals.GoalEvent, error)
	// ListSiblings returns every event of a goal set.
	ListSiblings(ctx context.Context, goalSetID string) ([]*goals.GoalEvent, error)
	// ListForCommit returns the events of every goal set planned for a commit.
	ListForCommit(ctx context.Context, owner, repo, sha string) ([]*goals.GoalEvent, error)
	// Update applies u to the event atomically and returns the new event.
	Update(ctx context.Context, key goals.EventKey, u goals.Update) (*goals.GoalEvent, error)
	Close() error
}

// Open creates the store selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		pg, err := OpenPostgres(ctx, cfg.PostgresDSN.Value())
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "badger":
		b, err := OpenBadger(BadgerConfig{Path: cfg.BadgerPath, SyncWrites: true}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func notFound(key goals.EventKey) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}

func validateNew(e *goals.GoalEvent) error {
	if e.GoalSetID == "" || e.UniqueName == "" || e.SHA == "" {
		return fmt.Errorf("goal event requires goal set, name and sha: %s", e.EventKey())
	}
	if !e.State.IsValid() {
		return fmt.Errorf("%w: unknown state %q", goals.ErrInvalidTransition, e.State)
	}
	return nil
}

func apply(e *goals.GoalEvent, u goals.Update, now time.Time) error {
	if err := e.Apply(u, now); err != nil {
		return fmt.Errorf("updating %s: %w", e.EventKey(), err)
	}
	return nil
}

// sortEvents orders events by goal set, environment and name.
func sortEvents(events []*goals.GoalEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.GoalSetID != b.GoalSetID {
			return a.GoalSetID < b.GoalSetID
		}
		if a.Environment != b.Environment {
			return a.Environment < b.Environment
		}
		return a.UniqueName < b.UniqueName
	})
}
