// Package telemetry provides OpenTelemetry tracing and metrics for goalkeeper.
//
// # Usage
//
//	cfg, _ := telemetry.FromConfig(appCfg.Observability)
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	metrics := telemetry.NewGoalMetrics(tel.Meter(telemetry.InstrumentationName), logger)
//
// When telemetry is disabled or an exporter cannot be created, Tracer and
// Meter fall back to the global no-op providers. Telemetry failures never
// stop goal execution.
//
// # Prometheus
//
// Collectors registers goal counters on a prometheus.Registerer so that the
// HTTP API can expose them at /metrics without an OTEL collector.
package telemetry
