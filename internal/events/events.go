// Package events distributes goal state changes between orchestrator
// processes. Stores publish a StateChanged after every successful write and
// the machine subscribes to drive execution and downstream requests.
package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"go.uber.org/multierr"
)

// DefaultSubjectPrefix is the first subject token of goal events.
const DefaultSubjectPrefix = "goals"

// StateChanged reports a persisted goal event write. PreviousState is empty
// for newly created events.
type StateChanged struct {
	GoalSetID     string           `json:"goalSetId"`
	Key           goals.Key        `json:"key"`
	EventKey      goals.EventKey   `json:"eventKey"`
	State         goals.State      `json:"state"`
	PreviousState goals.State      `json:"previousState,omitempty"`
	Event         *goals.GoalEvent `json:"event"`
	Timestamp     time.Time        `json:"ts"`
}

// NewStateChanged describes e after a write that moved it from previous.
func NewStateChanged(previous goals.State, e *goals.GoalEvent) StateChanged {
	return StateChanged{
		GoalSetID:     e.GoalSetID,
		Key:           e.Key(),
		EventKey:      e.EventKey(),
		State:         e.State,
		PreviousState: previous,
		Event:         e.Clone(),
		Timestamp:     e.Timestamp,
	}
}

// Subject is the routing subject goals.{goalSetId}.{environment}.{name}.{state}
// with prefix in place of "goals".
func (s StateChanged) Subject(prefix string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return strings.Join([]string{
		prefix,
		token(s.GoalSetID),
		token(s.EventKey.Environment.Slug()),
		token(s.EventKey.Name),
		token(string(s.State)),
	}, ".")
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "/", "_")

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// Publisher sends state changes.
type Publisher interface {
	Publish(ctx context.Context, ev StateChanged) error
	Close() error
}

// Handler processes one state change.
type Handler func(ctx context.Context, ev StateChanged) error

// Subscriber delivers state changes to a handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) error
}

// Multi publishes to every publisher and combines the errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev StateChanged) error {
	var errs error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (m Multi) Close() error {
	var errs error
	for _, p := range m {
		errs = multierr.Append(errs, p.Close())
	}
	return errs
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, StateChanged) error { return nil }
func (Nop) Close() error                                { return nil }

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("event bus closed")
