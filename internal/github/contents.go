package github

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"github.com/google/go-github/v57/github"
)

// ContentsReader reads single files at a commit without cloning.
type ContentsReader struct {
	Client *Client
}

var _ project.ContentsReader = ContentsReader{}

// ReadFile returns os.ErrNotExist for missing files and for directories.
func (r ContentsReader) ReadFile(ctx context.Context, repo goals.Repo, sha, path string) ([]byte, error) {
	var file *github.RepositoryContent
	resp, err := r.Client.do(ctx, func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		file, _, resp, err = r.Client.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, path,
			&github.RepositoryContentGetOptions{Ref: sha})
		return resp, err
	})
	if statusCode(resp) == http.StatusNotFound {
		return nil, fmt.Errorf("%s@%s:%s: %w", repo.Slug(), sha, path, os.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s@%s:%s: %w", repo.Slug(), sha, path, err)
	}
	if file == nil {
		return nil, fmt.Errorf("%s@%s:%s is a directory: %w", repo.Slug(), sha, path, os.ErrNotExist)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return []byte(content), nil
}
