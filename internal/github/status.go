package github

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/goalkeeper/internal/execution"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// Commit status states.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// maxDescription is GitHub's limit on status descriptions.
const maxDescription = 140

const DefaultStatusContext = "goalkeeper"

// StatusState maps a goal state to a commit status state.
func StatusState(s goals.State) string {
	switch s {
	case goals.StateSuccess:
		return StatusSuccess
	case goals.StateFailure:
		return StatusFailure
	default:
		return StatusPending
	}
}

// StatusContext names the commit status of a goal, e.g.
// "goalkeeper/prod/deploy" for prefix "goalkeeper".
func StatusContext(prefix string, e *goals.GoalEvent) string {
	return fmt.Sprintf("%s/%s/%s", prefix, e.Environment.Slug(), e.UniqueName)
}

// StatusListener mirrors goal executions to commit statuses.
type StatusListener struct {
	Client *Client
}

var _ execution.Listener = StatusListener{}

func (StatusListener) Name() string { return "github-status" }

func (l StatusListener) OnGoal(ctx context.Context, li *execution.ListenerInvocation) error {
	event := li.Event
	state := event.State
	description := event.Description
	if li.Result != nil && li.Result.State != "" {
		state = li.Result.State
		if li.Goal != nil {
			description = li.Goal.DescriptionFor(state)
		}
	}
	return l.Client.SetStatus(ctx, event, state, description)
}

// SetStatus writes the commit status of event as state.
func (c *Client) SetStatus(ctx context.Context, event *goals.GoalEvent, state goals.State, description string) error {
	if len(description) > maxDescription {
		description = description[:maxDescription-3] + "..."
	}
	status := &github.RepoStatus{
		State:       github.String(StatusState(state)),
		Description: github.String(description),
		Context:     github.String(StatusContext(c.statusContext, event)),
	}
	if event.URL != "" {
		status.TargetURL = github.String(event.URL)
	}
	_, err := c.do(ctx, func() (*github.Response, error) {
		_, resp, err := c.gh.Repositories.CreateStatus(ctx, event.Repo.Owner, event.Repo.Name, event.SHA, status)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("setting status %s on %s@%s: %w", status.GetContext(), event.Repo.Slug(), event.SHA, err)
	}
	c.logger.Debug(ctx, "commit status set",
		zap.String("context", status.GetContext()),
		zap.String("state", status.GetState()),
	)
	return nil
}
