package http

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/goalkeeper/internal/http"

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// HTTPMetrics records request counts, latency and in-flight requests for
// the webhook and goal API routes.
type HTTPMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// NewHTTPMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil. Instruments that cannot be created are
// logged and skipped.
func NewHTTPMetrics(meter metric.Meter, logger *logging.Logger) *HTTPMetrics {
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	m := &HTTPMetrics{}
	var errs, err error
	m.requests, err = meter.Int64Counter("goalkeeper.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status."),
		metric.WithUnit("{request}"))
	errs = multierr.Append(errs, err)
	m.latency, err = meter.Float64Histogram("goalkeeper.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...))
	errs = multierr.Append(errs, err)
	m.inFlight, err = meter.Int64UpDownCounter("goalkeeper.http.active_requests",
		metric.WithDescription("HTTP requests being served."),
		metric.WithUnit("{request}"))
	errs = multierr.Append(errs, err)

	if errs != nil && logger != nil {
		logger.Warn(context.Background(), "some HTTP instruments unavailable", zap.Error(errs))
	}
	return m
}

// MetricsMiddleware labels requests by route template, so every goal set
// id shares the /api/v1/goalsets/:id series. Handler errors are written
// here so the recorded status is the one the client sees.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			if err := next(c); err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			labels := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, labels)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), labels)
			}
			return nil
		}
	}
}
