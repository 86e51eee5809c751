package events

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"go.uber.org/zap"
)

// Local is an in-process bus for single-process deployments. Events are
// queued and delivered on the subscriber's goroutine, so publishing never
// runs handlers inline.
type Local struct {
	ch     chan StateChanged
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
}

// NewLocal creates a bus buffering up to size undelivered events.
func NewLocal(size int, logger *logging.Logger) *Local {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Local{ch: make(chan StateChanged, size), logger: logger}
}

func (l *Local) Publish(ctx context.Context, ev StateChanged) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe delivers events to handler until ctx is done or the bus is
// closed. Handler errors are logged.
func (l *Local) Subscribe(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-l.ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, ev); err != nil {
				l.logger.Warn(ctx, "goal event handler failed",
					zap.String("subject", ev.Subject("")), zap.Error(err))
			}
		}
	}
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	return nil
}
