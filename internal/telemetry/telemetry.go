package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

// InstrumentationName scopes goalkeeper's tracers and meters.
const InstrumentationName = "github.com/fyrsmithlabs/goalkeeper"

// Telemetry owns the OTLP trace and meter providers. When an exporter
// cannot be built the matching provider stays nil, the global no-op
// provider is used instead and the reason is kept for Degraded. Goals run
// either way.
type Telemetry struct {
	cfg    *Config
	tracer *sdktrace.TracerProvider
	meter  *sdkmetric.MeterProvider

	mu       sync.Mutex
	degraded []string
}

// New builds the providers described by cfg and installs them globally.
// Only an invalid cfg is an error.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)
	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.degrade("tracing: %v", err)
	} else {
		t.tracer = tp
		otel.SetTracerProvider(tp)
	}
	if !cfg.MetricsDisabled {
		if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
			t.degrade("metrics: %v", err)
		} else {
			t.meter = mp
			otel.SetMeterProvider(mp)
		}
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Tracer returns a tracer from the OTLP provider, or the global one.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer(name, opts...)
	}
	return t.tracer.Tracer(name, opts...)
}

// Meter returns a meter from the OTLP provider, or the global one.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meter == nil {
		return otel.Meter(name, opts...)
	}
	return t.meter.Meter(name, opts...)
}

// Enabled reports whether an OTLP provider is exporting.
func (t *Telemetry) Enabled() bool {
	return t != nil && (t.tracer != nil || t.meter != nil)
}

// Degraded lists why providers fell back to no-op.
func (t *Telemetry) Degraded() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.degraded...)
}

func (t *Telemetry) degrade(format string, args ...interface{}) {
	t.mu.Lock()
	t.degraded = append(t.degraded, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}

// Shutdown flushes pending spans and metrics. The configured timeout
// applies unless ctx already has a deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || !t.Enabled() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
		defer cancel()
	}
	var err error
	if t.tracer != nil {
		err = multierr.Append(err, t.tracer.Shutdown(ctx))
	}
	if t.meter != nil {
		err = multierr.Append(err, t.meter.Shutdown(ctx))
	}
	return err
}
