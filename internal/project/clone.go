package project

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"go.uber.org/zap"
)

// CloningLoader clones a fresh checkout per Load. With an empty BaseDir the
// clone lives in memory; otherwise it goes to a temp dir under BaseDir
// which is removed when the project is released.
type CloningLoader struct {
	BaseDir string
	// URL overrides the clone URL derived from the repo, used for mirrors
	// and tests.
	URL    func(goals.Repo) string
	Logger *logging.Logger
}

// NewCloningLoader creates a loader cloning under baseDir.
func NewCloningLoader(baseDir string, logger *logging.Logger) *CloningLoader {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CloningLoader{BaseDir: baseDir, Logger: logger}
}

func (l *CloningLoader) cloneURL(repo goals.Repo) string {
	if l.URL != nil {
		return l.URL(repo)
	}
	if repo.CloneURL != "" {
		return repo.CloneURL
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", repo.Owner, repo.Name)
}

// Load clones params.Repo at params.Branch. With DetachHead the worktree is
// then moved to params.SHA.
func (l *CloningLoader) Load(ctx context.Context, params Params) (Project, error) {
	var auth transport.AuthMethod
	if params.Credentials.IsSet() {
		auth = &githttp.BasicAuth{Username: "x-access-token", Password: params.Credentials.Value()}
	}

	opts := &git.CloneOptions{
		URL:  l.cloneURL(params.Repo),
		Auth: auth,
	}
	if params.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(params.Branch)
		opts.SingleBranch = true
	}

	logger := l.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger.Debug(ctx, "cloning project", zap.String("repo", params.Repo.Slug()), zap.String("branch", params.Branch))

	var (
		repo    *git.Repository
		err     error
		dir     string
		cleanup func() error
	)
	if l.BaseDir == "" {
		repo, err = git.CloneContext(ctx, memory.NewStorage(), memfs.New(), opts)
	} else {
		if err := os.MkdirAll(l.BaseDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create clone dir: %w", err)
		}
		dir, err = os.MkdirTemp(l.BaseDir, params.Repo.Name+"-")
		if err != nil {
			return nil, fmt.Errorf("failed to create clone dir: %w", err)
		}
		cleanup = func() error { return os.RemoveAll(dir) }
		repo, err = git.PlainCloneContext(ctx, dir, false, opts)
	}
	if err != nil {
		if cleanup != nil {
			_ = cleanup()
		}
		if isMissingRef(err) && params.Branch != "" {
			return nil, fmt.Errorf("%w: Remote branch %s not found in upstream origin", ErrBranchNotFound, params.Branch)
		}
		return nil, fmt.Errorf("failed to clone %s: %w", params, err)
	}

	p, err := NewRepo(repo, params.Repo,
		WithReadOnly(params.ReadOnly),
		WithAuth(auth),
		WithDir(dir, cleanup),
		WithBranch(params.Branch),
	)
	if err != nil {
		if cleanup != nil {
			_ = cleanup()
		}
		return nil, err
	}

	if params.DetachHead && params.SHA != "" {
		if err := p.Checkout(ctx, params.SHA); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	return p, nil
}

func isMissingRef(err error) bool {
	var noMatch git.NoMatchingRefSpecError
	return errors.Is(err, plumbing.ErrReferenceNotFound) || errors.As(err, &noMatch)
}
