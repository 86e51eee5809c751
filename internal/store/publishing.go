package store

import (
	"context"

	"github.com/fyrsmithlabs/goalkeeper/internal/events"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Publishing announces every successful write. A failed publish is logged
// and never fails the write.
type Publishing struct {
	Store
	publisher events.Publisher
	logger    *logging.Logger
}

func NewPublishing(s Store, publisher events.Publisher, logger *logging.Logger) *Publishing {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publishing{Store: s, publisher: publisher, logger: logger}
}

func (p *Publishing) Create(ctx context.Context, evs ...*goals.GoalEvent) error {
	if err := p.Store.Create(ctx, evs...); err != nil {
		return err
	}
	for _, e := range evs {
		p.publish(ctx, events.NewStateChanged("", e))
	}
	return nil
}

// Update reads the event first to report the previous state. Another
// process may write in between, so PreviousState is informational.
func (p *Publishing) Update(ctx context.Context, key goals.EventKey, u goals.Update) (*goals.GoalEvent, error) {
	var previous goals.State
	if before, err := p.Store.Get(ctx, key); err == nil {
		previous = before.State
	}
	updated, err := p.Store.Update(ctx, key, u)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, events.NewStateChanged(previous, updated))
	return updated, nil
}

func (p *Publishing) publish(ctx context.Context, ev events.StateChanged) {
	if err := p.publisher.Publish(ctx, ev); err != nil {
		p.logger.Warn(ctx, "failed to publish goal state change",
			zap.String("goal", ev.EventKey.String()),
			zap.String("state", string(ev.State)),
			zap.Error(err))
	}
}

func (p *Publishing) Close() error {
	return multierr.Combine(p.publisher.Close(), p.Store.Close())
}
