package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/events"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.Enabled())
	assert.Empty(t, tel.Degraded())
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true})
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults enabled", func(c *Config) { c.Enabled = true }, ""},
		{"remote insecure", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, "plaintext export"},
		{"remote tls", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317"; c.Insecure = false }, ""},
		{"ipv6 loopback", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, ""},
		{"127 range", func(c *Config) { c.Enabled = true; c.Endpoint = "127.0.0.2:4317" }, ""},
		{"http scheme local", func(c *Config) { c.Enabled = true; c.Protocol = protocolHTTP; c.Endpoint = "http://127.0.0.1:4318" }, ""},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, "unknown OTLP protocol"},
		{"bad rate", func(c *Config) { c.Enabled = true; c.SampleRate = 2 }, "sample rate"},
		{"zero interval", func(c *Config) { c.Enabled = true; c.MetricInterval = 0 }, "export interval"},
		{"zero interval without metrics", func(c *Config) { c.Enabled = true; c.MetricInterval = 0; c.MetricsDisabled = true }, ""},
		{"zero shutdown", func(c *Config) { c.Enabled = true; c.ShutdownTimeout = 0 }, "shutdown timeout"},
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg, err := FromConfig(config.ObservabilityConfig{EnableTelemetry: true, ServiceName: "goald"})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "goald", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)

	cfg, err = FromConfig(config.ObservabilityConfig{EnableTelemetry: true, Endpoint: "otel.example.com:4317"})
	require.NoError(t, err)
	assert.False(t, cfg.Insecure)
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.Shutdown(context.Background())
	})
	assert.False(t, tel.Enabled())
	assert.Nil(t, tel.Degraded())
}

func TestTelemetry_Degrade(t *testing.T) {
	tel := &Telemetry{cfg: NewDefaultConfig()}
	tel.degrade("tracing: %s", "dial refused")

	reasons := tel.Degraded()
	assert.Equal(t, []string{"tracing: dial refused"}, reasons)
	reasons[0] = "mutated"
	assert.Equal(t, "tracing: dial refused", tel.Degraded()[0])
}

func TestGoalMetrics_Records(t *testing.T) {
	tel := NewTestTelemetry()
	m := NewGoalMetrics(tel.Meter(InstrumentationName), zap.NewNop())
	ctx := context.Background()

	done := m.Started(ctx, "build", "code")
	done("success")
	m.StageFailed(ctx, "build", "goal")
	m.StageFailed(ctx, "build", "pre-goal hook")
	m.Promoted(ctx, 3)
	m.AutofixEdited(ctx, "license header")
	m.ListenerFailed(ctx, "github status")

	assert.Equal(t, int64(1), tel.CounterValue(t, "goalkeeper.goals.executions"))
	assert.Equal(t, int64(2), tel.CounterValue(t, "goalkeeper.goals.stage_failures"))
	assert.Equal(t, int64(3), tel.CounterValue(t, "goalkeeper.goals.promotions"))
	assert.Equal(t, int64(1), tel.CounterValue(t, "goalkeeper.autofix.edits"))
	assert.Equal(t, int64(1), tel.CounterValue(t, "goalkeeper.goals.listener_errors"))
}

func TestGoalMetrics_NilSafe(t *testing.T) {
	var m *GoalMetrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.Started(ctx, "build", "code")("failure")
		m.StageFailed(ctx, "build", "goal")
		m.Promoted(ctx, 1)
	})
}

func TestTestTelemetry_Spans(t *testing.T) {
	tel := NewTestTelemetry()
	_, span := tel.Tracer("test").Start(context.Background(), "goal.execute")
	span.End()

	tel.AssertSpanExists(t, "goal.execute")
	assert.Nil(t, tel.SpanByName("missing"))
}

func TestCollectors(t *testing.T) {
	c := NewCollectors(prometheus.NewRegistry())

	c.Transition("success")
	c.Transition("success")
	c.Webhook("push", "accepted")
	c.Planned("ok", 0.2)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Transitions.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Webhooks.WithLabelValues("push", "accepted")))

	var nilCollectors *Collectors
	assert.NotPanics(t, func() { nilCollectors.Transition("failure") })
}

func TestTransitionCounter(t *testing.T) {
	c := NewCollectors(prometheus.NewRegistry())
	pub := TransitionCounter{Collectors: c}

	require.NoError(t, pub.Publish(context.Background(), events.StateChanged{State: goals.StateFailure}))
	require.NoError(t, pub.Close())

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Transitions.WithLabelValues("failure")))
}
