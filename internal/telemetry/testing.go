package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory. Nothing is installed
// globally, so tests may run in parallel.
type TestTelemetry struct {
	*Telemetry
	spans   *tracetest.SpanRecorder
	metrics *sdkmetric.ManualReader
}

func NewTestTelemetry() *TestTelemetry {
	spans := tracetest.NewSpanRecorder()
	metrics := sdkmetric.NewManualReader()
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	return &TestTelemetry{
		Telemetry: &Telemetry{
			cfg:    cfg,
			tracer: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
			meter:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(metrics)),
		},
		spans:   spans,
		metrics: metrics,
	}
}

// SpanByName returns the first ended span called name, or nil.
func (t *TestTelemetry) SpanByName(name string) sdktrace.ReadOnlySpan {
	for _, s := range t.spans.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if t.SpanByName(name) != nil {
		return
	}
	var names []string
	for _, s := range t.spans.Ended() {
		names = append(names, s.Name())
	}
	tb.Errorf("no span %q, ended spans: %v", name, names)
}

// AssertSpanAttribute fails tb unless span name carries key=want.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, name, key string, want interface{}) {
	tb.Helper()
	span := t.SpanByName(name)
	if span == nil {
		tb.Fatalf("no span %q", name)
	}
	for _, kv := range span.Attributes() {
		if kv.Key != attribute.Key(key) {
			continue
		}
		if got := kv.Value.AsInterface(); got != want {
			tb.Errorf("span %q %s = %v, want %v", name, key, got, want)
		}
		return
	}
	tb.Errorf("span %q has no attribute %s", name, key)
}

// CounterValue sums every data point of the int64 counter name.
func (t *TestTelemetry) CounterValue(tb testing.TB, name string) int64 {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := t.metrics.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != name || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
