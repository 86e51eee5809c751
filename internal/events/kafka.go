package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// WriteTimeout bounds each attempt. Defaults to 10s.
	WriteTimeout time.Duration
	// Backoff is the initial pause between attempts. Defaults to 100ms.
	Backoff time.Duration
	Prefix  string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes state changes keyed by goal set, so the changes of
// one goal set stay ordered within a partition.
type KafkaPublisher struct {
	writer      messageWriter
	prefix      string
	maxAttempts int
	timeout     time.Duration
	backoff     time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(w, cfg), nil
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig) *KafkaPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultSubjectPrefix
	}
	return &KafkaPublisher{
		writer:      w,
		prefix:      cfg.Prefix,
		maxAttempts: cfg.MaxAttempts,
		timeout:     cfg.WriteTimeout,
		backoff:     cfg.Backoff,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev StateChanged) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal state change: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(ev.GoalSetID),
		Value:   value,
		Headers: []kafka.Header{{Key: "subject", Value: []byte(ev.Subject(p.prefix))}},
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg.Time = time.Now().UTC()
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		lastErr = p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
