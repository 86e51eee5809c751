package preconditions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Updater persists goal event updates.
type Updater interface {
	Update(ctx context.Context, key goals.EventKey, u goals.Update) (*goals.GoalEvent, error)
}

// Trigger requests downstream goals when a goal succeeds.
type Trigger struct {
	store   Updater
	logger  *logging.Logger
	metrics *telemetry.GoalMetrics
	now     func() time.Time
}

type Option func(*Trigger)

func WithLogger(l *logging.Logger) Option {
	return func(t *Trigger) { t.logger = l }
}

func WithMetrics(m *telemetry.GoalMetrics) Option {
	return func(t *Trigger) { t.metrics = m }
}

func NewTrigger(store Updater, opts ...Option) *Trigger {
	t := &Trigger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.NewNop()
	}
	return t
}

// ReadyDescription is the description of a goal requested by the trigger.
func ReadyDescription(name string) string {
	return "Ready to " + name
}

// OnGoalSuccess requests every sibling that directly depends on succeeded,
// is eligible to progress and has all its preconditions met. Skipped and
// failed goals are eligible only when they allow retries. It returns the
// requested events. Promotion continues past individual write failures; the
// combined error is returned alongside the events that were written.
func (t *Trigger) OnGoalSuccess(ctx context.Context, succeeded goals.Key, siblings []*goals.GoalEvent) ([]*goals.GoalEvent, error) {
	var ready []*goals.GoalEvent
	for _, g := range siblings {
		if !g.HasPrecondition(succeeded) {
			continue
		}
		if !t.eligible(ctx, g) {
			continue
		}
		ev := EvaluateDetailed(g, siblings)
		if ev.Status != StatusSuccess {
			t.logger.Debug(ctx, "preconditions not met",
				zap.String("goal", g.UniqueName),
				zap.String("status", string(ev.Status)),
				zap.String("errors", strings.Join(ev.Errors, ",")),
				zap.String("waits", strings.Join(ev.Waits, ",")),
			)
			continue
		}
		ready = append(ready, g)
	}
	return t.Request(ctx, ready)
}

// Request moves events to requested with the ready description.
func (t *Trigger) Request(ctx context.Context, events []*goals.GoalEvent) ([]*goals.GoalEvent, error) {
	var (
		promoted []*goals.GoalEvent
		errs     error
	)
	for _, g := range events {
		updated, err := t.store.Update(ctx, g.EventKey(), goals.Update{
			State:       goals.StateRequested,
			Description: ReadyDescription(g.Name),
			Provenance:  &goals.Provenance{Name: "goalkeeper", Timestamp: t.now()},
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("requesting %s: %w", g.UniqueName, err))
			continue
		}
		t.logger.Info(ctx, "goal requested", zap.String("goal", g.UniqueName), zap.String("goal_set", g.GoalSetID))
		promoted = append(promoted, updated)
	}
	t.metrics.Promoted(ctx, len(promoted))
	return promoted, errs
}

// eligible reports whether a dependent may be requested. Planned goals always
// are. Skipped and failed goals are promoted only when RetryFeasible, since
// the lifecycle allows skipped -> requested only as a retry. This departs
// from promoting every skipped dependent unconditionally: a skipped goal
// without retries stays skipped.
func (t *Trigger) eligible(ctx context.Context, g *goals.GoalEvent) bool {
	switch {
	case g.State == goals.StatePlanned:
		return true
	case !g.RetryFeasible:
	case g.State == goals.StateSkipped:
		t.logger.Info(ctx, "skipped goal may now run", zap.String("goal", g.UniqueName))
		return true
	case g.State == goals.StateFailure:
		t.logger.Info(ctx, "failed goal may be retried", zap.String("goal", g.UniqueName))
		return true
	}
	t.logger.Debug(ctx, "goal will not be requested",
		zap.String("goal", g.UniqueName), zap.String("state", string(g.State)))
	return false
}
