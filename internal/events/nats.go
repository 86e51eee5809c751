package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultQueue is the queue group orchestrators share, so each state change
// is handled by exactly one subscribed process.
const DefaultQueue = "goalkeeper"

// Connect dials NATS with reconnects enabled.
func Connect(url string, logger *logging.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("goalkeeper"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "disconnected from NATS", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// StartEmbedded runs a NATS server in process. Port -1 picks a free port.
func StartEmbedded(host string, port int) (*natsserver.Server, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded NATS not ready")
	}
	return srv, nil
}

// NATSPublisher publishes state changes as JSON on their subject.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

func (p *NATSPublisher) Publish(_ context.Context, ev StateChanged) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal state change: %w", err)
	}
	subject := ev.Subject(p.prefix)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages. The connection is owned by the caller.
func (p *NATSPublisher) Close() error {
	return p.conn.Flush()
}

// NATSSubscriber receives state changes published under a prefix.
type NATSSubscriber struct {
	conn   *nats.Conn
	prefix string
	queue  string
	logger *logging.Logger
}

func NewNATSSubscriber(conn *nats.Conn, prefix, queue string, logger *logging.Logger) *NATSSubscriber {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSSubscriber{conn: conn, prefix: prefix, queue: queue, logger: logger}
}

// Subscribe handles every message on prefix.> until ctx is done, then
// drains the subscription.
func (s *NATSSubscriber) Subscribe(ctx context.Context, handler Handler) error {
	sub, err := s.conn.QueueSubscribe(s.prefix+".>", s.queue, func(msg *nats.Msg) {
		var ev StateChanged
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.logger.Warn(ctx, "dropping malformed goal event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(ctx, ev); err != nil {
			s.logger.Warn(ctx, "goal event handler failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", s.prefix, err)
	}
	if err := s.conn.Flush(); err != nil {
		sub.Unsubscribe() //nolint:errcheck
		return fmt.Errorf("flush subscription: %w", err)
	}

	<-ctx.Done()
	return sub.Drain()
}
