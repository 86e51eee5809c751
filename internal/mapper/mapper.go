// Package mapper maps goals to the implementations and side effects that
// fulfil them.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/goalkeeper/internal/execution"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/pushtest"
)

// Fulfillment methods recorded on goal events.
const (
	MethodSDM        = "sdm fulfill on requested"
	MethodSideEffect = "side-effect"
	MethodOther      = "other"
)

var (
	// ErrNoImplementation means nothing is registered that can fulfil a
	// goal. It is a configuration error.
	ErrNoImplementation = errors.New("no implementation found")

	// ErrAmbiguousImplementation means more than one implementation is
	// registered under a name.
	ErrAmbiguousImplementation = errors.New("multiple implementations found")

	// ErrDuplicateImplementation is returned when registering a name twice.
	ErrDuplicateImplementation = errors.New("implementation already registered")
)

// Implementation fulfils a goal when its push test passes.
type Implementation struct {
	execution.Implementation

	Goal *goals.Goal `validate:"required"`
	// PushTest nil matches every push.
	PushTest pushtest.PushTest
}

// SideEffect marks a goal as fulfilled by something outside goalkeeper,
// such as an external CI system reporting back.
type SideEffect struct {
	Name     string      `validate:"required"`
	Goal     *goals.Goal `validate:"required"`
	PushTest pushtest.PushTest
}

// FulfillmentCallback enriches a goal event before it is requested.
type FulfillmentCallback struct {
	Goal     *goals.Goal `validate:"required"`
	Callback func(ctx context.Context, event *goals.GoalEvent, inv *pushtest.Invocation) (*goals.GoalEvent, error) `validate:"required"`
}

// Kind says what resolved a goal.
type Kind int

const (
	KindImplementation Kind = iota + 1
	KindSideEffect
)

// Resolution is the result of ResolveForPush.
type Resolution struct {
	Kind           Kind
	Implementation *Implementation
	SideEffect     *SideEffect
}

// Fulfillment returns what to record on the goal event.
func (r *Resolution) Fulfillment() goals.Fulfillment {
	if r.Kind == KindSideEffect {
		return goals.Fulfillment{Method: MethodSideEffect, Name: r.SideEffect.Name}
	}
	return goals.Fulfillment{Method: MethodSDM, Name: r.Implementation.Name}
}

// Registry holds implementations, side effects and fulfillment callbacks.
// Registration order is significant: the first match wins.
type Registry struct {
	mu              sync.RWMutex
	implementations []*Implementation
	sideEffects     []*SideEffect
	callbacks       []FulfillmentCallback
}

func NewRegistry() *Registry {
	return &Registry{}
}

// AddImplementation validates and registers impl.
func (r *Registry) AddImplementation(impl Implementation) error {
	if err := goals.Validator().Struct(impl); err != nil {
		return fmt.Errorf("invalid implementation %q: %w", impl.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.implementations {
		if existing.Name == impl.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateImplementation, impl.Name)
		}
	}
	r.implementations = append(r.implementations, &impl)
	return nil
}

func (r *Registry) AddSideEffect(se SideEffect) error {
	if err := goals.Validator().Struct(se); err != nil {
		return fmt.Errorf("invalid side effect %q: %w", se.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sideEffects = append(r.sideEffects, &se)
	return nil
}

func (r *Registry) AddFulfillmentCallback(cb FulfillmentCallback) error {
	if err := goals.Validator().Struct(cb); err != nil {
		return fmt.Errorf("invalid fulfillment callback: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
	return nil
}

func sameGoal(a, b *goals.Goal) bool {
	return a.UniqueName() == b.UniqueName() && a.Environment() == b.Environment()
}

func matches(ctx context.Context, test pushtest.PushTest, inv *pushtest.Invocation) (bool, error) {
	if test == nil {
		return true, nil
	}
	return test.Test(ctx, inv)
}

// ResolveForPush returns the first implementation registered for goal
// whose push test passes, or else the first matching side effect.
func (r *Registry) ResolveForPush(ctx context.Context, goal *goals.Goal, inv *pushtest.Invocation) (*Resolution, error) {
	r.mu.RLock()
	impls := append([]*Implementation(nil), r.implementations...)
	sideEffects := append([]*SideEffect(nil), r.sideEffects...)
	r.mu.RUnlock()

	for _, impl := range impls {
		if !sameGoal(impl.Goal, goal) {
			continue
		}
		ok, err := matches(ctx, impl.PushTest, inv)
		if err != nil {
			return nil, fmt.Errorf("push test for implementation %s: %w", impl.Name, err)
		}
		if ok {
			return &Resolution{Kind: KindImplementation, Implementation: impl}, nil
		}
	}

	for _, se := range sideEffects {
		if !sameGoal(se.Goal, goal) {
			continue
		}
		ok, err := matches(ctx, se.PushTest, inv)
		if err != nil {
			return nil, fmt.Errorf("push test for side effect %s: %w", se.Name, err)
		}
		if ok {
			return &Resolution{Kind: KindSideEffect, SideEffect: se}, nil
		}
	}

	return nil, fmt.Errorf("%w that matches goal %s", ErrNoImplementation, goal.UniqueName())
}

// ResolveByName returns the implementation registered as name.
func (r *Registry) ResolveByName(name string) (*Implementation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found []*Implementation
	for _, impl := range r.implementations {
		if impl.Name == name {
			found = append(found, impl)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w with name %s", ErrNoImplementation, name)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%w for name %s", ErrAmbiguousImplementation, name)
	}
}

// Implementations returns the registered implementations in order.
func (r *Registry) Implementations() []*Implementation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Implementation(nil), r.implementations...)
}

// Enrich runs the fulfillment callbacks registered for the event's goal in
// registration order.
func (r *Registry) Enrich(ctx context.Context, event *goals.GoalEvent, inv *pushtest.Invocation) (*goals.GoalEvent, error) {
	r.mu.RLock()
	callbacks := append([]FulfillmentCallback(nil), r.callbacks...)
	r.mu.RUnlock()

	for _, cb := range callbacks {
		if cb.Goal.UniqueName() != event.UniqueName || cb.Goal.Environment() != event.Environment {
			continue
		}
		enriched, err := cb.Callback(ctx, event, inv)
		if err != nil {
			return nil, fmt.Errorf("fulfillment callback for %s: %w", event.UniqueName, err)
		}
		if enriched != nil {
			event = enriched
		}
	}
	return event, nil
}
