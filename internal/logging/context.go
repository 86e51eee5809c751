package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Goal identifies the goal a unit of work belongs to: the goal key plus
// the commit under test. It is kept free of the goals package so every
// layer can log with it.
type Goal struct {
	GoalSetID   string
	Environment string
	Name        string
	SHA         string
	Branch      string
}

func (g Goal) fields() []zap.Field {
	fields := []zap.Field{
		zap.String("goal.set", g.GoalSetID),
		zap.String("goal.environment", g.Environment),
		zap.String("goal.name", g.Name),
	}
	if g.SHA != "" {
		fields = append(fields, zap.String("goal.sha", g.SHA))
	}
	if g.Branch != "" {
		fields = append(fields, zap.String("goal.branch", g.Branch))
	}
	return fields
}

// scope is everything the logger reads from a context. Each With*
// function stores a modified copy.
type scope struct {
	goal        *Goal
	correlation string
	workspace   string
	logger      *Logger
}

type scopeKey struct{}

func scopeOf(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

func withScope(ctx context.Context, edit func(*scope)) context.Context {
	s := scopeOf(ctx)
	edit(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

// WithGoal scopes ctx to g.
func WithGoal(ctx context.Context, g Goal) context.Context {
	return withScope(ctx, func(s *scope) { s.goal = &g })
}

// GoalFromContext returns the goal set by WithGoal.
func GoalFromContext(ctx context.Context) (Goal, bool) {
	if g := scopeOf(ctx).goal; g != nil {
		return *g, true
	}
	return Goal{}, false
}

// WithCorrelationID ties every entry, hook invocation and status update
// made while handling one event together. Empty ids are ignored.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.correlation = id })
}

// WithWorkspaceID records the workspace that owns the goal set. Empty ids
// are ignored.
func WithWorkspaceID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.workspace = id })
}

// WithLogger stores logger in ctx for FromContext.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return withScope(ctx, func(s *scope) { s.logger = logger })
}

// FromContext returns the logger stored by WithLogger, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l := scopeOf(ctx).logger; l != nil {
		return l
	}
	return NewNop()
}

// ContextFields returns the span, goal and correlation fields for ctx.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	s := scopeOf(ctx)
	if s.goal != nil {
		fields = append(fields, s.goal.fields()...)
	}
	if s.correlation != "" {
		fields = append(fields, zap.String("correlation.id", s.correlation))
	}
	if s.workspace != "" {
		fields = append(fields, zap.String("workspace.id", s.workspace))
	}
	return fields
}
