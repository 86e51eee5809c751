// Package logging provides structured logging for goalkeeper.
//
// The Logger wraps Zap and adds:
//   - a Trace level below Debug
//   - stdout and OpenTelemetry outputs
//   - goal correlation fields pulled from the context (goal set, goal, sha,
//     correlation id, workspace) alongside trace/span ids
//   - redaction of sensitive field names and token patterns
//   - level-aware sampling; errors are never sampled
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithGoal(ctx, logging.Goal{GoalSetID: id, Environment: "0-code/", Name: "build", SHA: sha})
//	logger.Info(ctx, "goal started")
//
// Tests use NewTestLogger, which records entries through zaptest/observer.
package logging
