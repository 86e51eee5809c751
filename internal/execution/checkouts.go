package execution

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"go.uber.org/multierr"
)

// checkouts memoizes the read-only checkouts of one invocation by repo and
// sha, so the pre-goal and post-goal hooks share a clone.
type checkouts struct {
	mu     sync.Mutex
	loaded map[string]project.Project
}

func (c *checkouts) load(ctx context.Context, loader project.Loader, params project.Params) (project.Project, error) {
	key := params.Repo.Slug() + "@" + params.SHA

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.loaded[key]; ok {
		return p, nil
	}
	p, err := loader.Load(ctx, params)
	if err != nil {
		return nil, err
	}
	if c.loaded == nil {
		c.loaded = make(map[string]project.Project)
	}
	c.loaded[key] = p
	return p, nil
}

func (c *checkouts) release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for key, p := range c.loaded {
		err = multierr.Append(err, project.Release(p))
		delete(c.loaded, key)
	}
	return err
}
