package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
)

// Memory keeps events in process. It is used for local runs and tests.
type Memory struct {
	mu     sync.RWMutex
	events map[goals.EventKey]*goals.GoalEvent
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{events: map[goals.EventKey]*goals.GoalEvent{}, now: time.Now}
}

func (m *Memory) Create(_ context.Context, events ...*goals.GoalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range events {
		if err := validateNew(e); err != nil {
			return err
		}
		if _, ok := m.events[e.EventKey()]; ok {
			return fmt.Errorf("%w: %s", ErrExists, e.EventKey())
		}
	}
	now := m.now()
	for _, e := range events {
		c := e.Clone()
		if c.Timestamp.IsZero() {
			c.Timestamp = now
		}
		m.events[c.EventKey()] = c
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key goals.EventKey) (*goals.GoalEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[key]
	if !ok {
		return nil, notFound(key)
	}
	return e.Clone(), nil
}

func (m *Memory) ListSiblings(_ context.Context, goalSetID string) ([]*goals.GoalEvent, error) {
	return m.filter(func(e *goals.GoalEvent) bool { return e.GoalSetID == goalSetID }), nil
}

func (m *Memory) ListForCommit(_ context.Context, owner, repo, sha string) ([]*goals.GoalEvent, error) {
	return m.filter(func(e *goals.GoalEvent) bool {
		return e.Repo.Owner == owner && e.Repo.Name == repo && e.SHA == sha
	}), nil
}

func (m *Memory) filter(keep func(*goals.GoalEvent) bool) []*goals.GoalEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*goals.GoalEvent
	for _, e := range m.events {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	sortEvents(out)
	return out
}

func (m *Memory) Update(_ context.Context, key goals.EventKey, u goals.Update) (*goals.GoalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[key]
	if !ok {
		return nil, notFound(key)
	}
	next := e.Clone()
	if err := apply(next, u, m.now()); err != nil {
		return nil, err
	}
	m.events[key] = next
	return next.Clone(), nil
}

func (m *Memory) Close() error { return nil }
