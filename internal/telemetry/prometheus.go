package telemetry

import (
	"context"

	"github.com/fyrsmithlabs/goalkeeper/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are the Prometheus metrics exposed at /metrics.
type Collectors struct {
	// Transitions counts persisted goal state changes. Labels: state.
	Transitions *prometheus.CounterVec

	// Webhooks counts received webhook deliveries. Labels: event, status.
	Webhooks *prometheus.CounterVec

	// Plans measures push planning latency. Labels: status.
	Plans *prometheus.HistogramVec
}

// NewCollectors registers the collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goalkeeper",
			Subsystem: "goals",
			Name:      "transitions_total",
			Help:      "Persisted goal state transitions",
		}, []string{"state"}),
		Webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goalkeeper",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by event type and outcome",
		}, []string{"event", "status"}),
		Plans: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "goalkeeper",
			Subsystem: "planning",
			Name:      "duration_seconds",
			Help:      "Time to plan the goal set for a push",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"status"}),
	}
}

// Transition records a state change. Safe on a nil receiver.
func (c *Collectors) Transition(state string) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(state).Inc()
}

func (c *Collectors) Webhook(event, status string) {
	if c == nil {
		return
	}
	c.Webhooks.WithLabelValues(event, status).Inc()
}

func (c *Collectors) Planned(status string, seconds float64) {
	if c == nil {
		return
	}
	c.Plans.WithLabelValues(status).Observe(seconds)
}

// TransitionCounter is an events.Publisher that counts state changes. Add
// it to an events.Multi next to the real bus.
type TransitionCounter struct {
	Collectors *Collectors
}

func (t TransitionCounter) Publish(_ context.Context, ev events.StateChanged) error {
	t.Collectors.Transition(string(ev.State))
	return nil
}

func (TransitionCounter) Close() error { return nil }
