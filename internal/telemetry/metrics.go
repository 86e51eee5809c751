package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// GoalMetrics holds the goal execution instruments. A nil *GoalMetrics
// records nothing.
type GoalMetrics struct {
	executions     metric.Int64Counter
	duration       metric.Float64Histogram
	stageFailures  metric.Int64Counter
	listenerErrors metric.Int64Counter
	promotions     metric.Int64Counter
	autofixEdits   metric.Int64Counter
	active         metric.Int64UpDownCounter
}

// NewGoalMetrics creates the instruments on meter. Instrument creation
// failures are logged and leave that instrument unset.
func NewGoalMetrics(meter metric.Meter, logger *zap.Logger) *GoalMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &GoalMetrics{}
	var err error

	m.executions, err = meter.Int64Counter(
		"goalkeeper.goals.executions",
		metric.WithDescription("Goal executions by goal, environment and resulting state"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		logger.Warn("failed to create executions counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"goalkeeper.goals.duration",
		metric.WithDescription("Goal execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.stageFailures, err = meter.Int64Counter(
		"goalkeeper.goals.stage_failures",
		metric.WithDescription("Goal failures by stage (pre-goal hook, goal, post-goal hook)"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		logger.Warn("failed to create stage failure counter", zap.Error(err))
	}

	m.listenerErrors, err = meter.Int64Counter(
		"goalkeeper.goals.listener_errors",
		metric.WithDescription("Errors returned by goal execution listeners"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create listener error counter", zap.Error(err))
	}

	m.promotions, err = meter.Int64Counter(
		"goalkeeper.goals.promotions",
		metric.WithDescription("Goals promoted to requested after their preconditions succeeded"),
		metric.WithUnit("{goal}"),
	)
	if err != nil {
		logger.Warn("failed to create promotions counter", zap.Error(err))
	}

	m.autofixEdits, err = meter.Int64Counter(
		"goalkeeper.autofix.edits",
		metric.WithDescription("Autofix transforms that committed a change"),
		metric.WithUnit("{edit}"),
	)
	if err != nil {
		logger.Warn("failed to create autofix edits counter", zap.Error(err))
	}

	m.active, err = meter.Int64UpDownCounter(
		"goalkeeper.goals.active",
		metric.WithDescription("Goals currently executing"),
		metric.WithUnit("{goal}"),
	)
	if err != nil {
		logger.Warn("failed to create active goals counter", zap.Error(err))
	}

	return m
}

// Started marks a goal execution as in flight and returns a function that
// records its outcome.
func (m *GoalMetrics) Started(ctx context.Context, goal, environment string) func(state string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	if m.active != nil {
		m.active.Add(ctx, 1)
	}
	return func(state string) {
		if m.active != nil {
			m.active.Add(ctx, -1)
		}
		attrs := metric.WithAttributes(
			attribute.String("goal", goal),
			attribute.String("environment", environment),
			attribute.String("state", state),
		)
		if m.executions != nil {
			m.executions.Add(ctx, 1, attrs)
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
	}
}

func (m *GoalMetrics) StageFailed(ctx context.Context, goal, stage string) {
	if m == nil || m.stageFailures == nil {
		return
	}
	m.stageFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("goal", goal),
		attribute.String("stage", stage),
	))
}

func (m *GoalMetrics) ListenerFailed(ctx context.Context, listener string) {
	if m == nil || m.listenerErrors == nil {
		return
	}
	m.listenerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("listener", listener)))
}

func (m *GoalMetrics) Promoted(ctx context.Context, n int) {
	if m == nil || m.promotions == nil || n == 0 {
		return
	}
	m.promotions.Add(ctx, int64(n))
}

func (m *GoalMetrics) AutofixEdited(ctx context.Context, autofix string) {
	if m == nil || m.autofixEdits == nil {
		return
	}
	m.autofixEdits.Add(ctx, 1, metric.WithAttributes(attribute.String("autofix", autofix)))
}
