package github

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/goalkeeper/internal/execution"
	"github.com/google/go-github/v57/github"
)

// CommentNotifier reports goal failures as comments on the failing commit.
type CommentNotifier struct {
	Client *Client
}

var _ execution.Notifier = CommentNotifier{}

func (n CommentNotifier) Report(ctx context.Context, report execution.FailureReport) error {
	e := report.Event
	comment := &github.RepositoryComment{Body: github.String(report.Markdown())}
	_, err := n.Client.do(ctx, func() (*github.Response, error) {
		_, resp, err := n.Client.gh.Repositories.CreateComment(ctx, e.Repo.Owner, e.Repo.Name, e.SHA, comment)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("commenting on %s@%s: %w", e.Repo.Slug(), e.SHA, err)
	}
	return nil
}
