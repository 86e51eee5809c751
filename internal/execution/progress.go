package execution

import (
	"context"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/progresslog"
)

// ProgressLogFactory creates the progress log for one goal event.
type ProgressLogFactory func(ctx context.Context, event *goals.GoalEvent) (progresslog.Log, error)

// BufferedLogs keeps goal output in a bounded buffer and mirrors it to the
// structured logger.
func BufferedLogs(logger *logging.Logger, maxBytes int) ProgressLogFactory {
	return func(ctx context.Context, event *goals.GoalEvent) (progresslog.Log, error) {
		return progresslog.NewWriteToAll(
			progresslog.NewBuffer(event.UniqueName, maxBytes),
			progresslog.NewLogging(ctx, logger),
		), nil
	}
}
