// Package project provides the working copy a goal operates on.
//
// A Project is backed by go-git. Loaders clone on demand; the Lazy wrapper
// defers the clone until something actually needs the files and makes sure
// concurrent callers share one clone.
package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
)

var (
	// ErrReadOnly is returned when writing to a read-only checkout.
	ErrReadOnly = errors.New("project is read-only")

	// ErrNoRemote is returned when pushing a project that was not cloned.
	ErrNoRemote = errors.New("project has no remote")

	// ErrNotMaterialized is returned by lazy projects that cannot answer
	// without a clone and were told not to clone.
	ErrNotMaterialized = errors.New("project not materialized")

	// ErrBranchNotFound is returned when the pushed branch no longer exists
	// on the remote.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrCommitNotFound is returned when the pushed sha is no longer
	// reachable, typically after a force push.
	ErrCommitNotFound = errors.New("commit not found")
)

// Project is a checkout of a repository at a commit.
type Project interface {
	Repo() goals.Repo
	// Dir is the checkout directory on disk, or "" for in-memory checkouts.
	Dir() string

	HasFile(ctx context.Context, path string) (bool, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Files(ctx context.Context) ([]string, error)

	WriteFile(ctx context.Context, path string, data []byte) error
	HeadSHA(ctx context.Context) (string, error)
	IsClean(ctx context.Context) (bool, error)
	// Commit stages every change and commits it, returning the new sha.
	Commit(ctx context.Context, message string) (string, error)
	// Revert discards uncommitted changes, including untracked files.
	Revert(ctx context.Context) error
	Push(ctx context.Context) error
}

// Params describe which checkout to load.
type Params struct {
	Repo        goals.Repo
	SHA         string
	Branch      string
	Credentials config.Secret
	// ReadOnly rejects writes to the checkout.
	ReadOnly bool
	// DetachHead checks out SHA instead of the branch tip.
	DetachHead bool
}

func (p Params) String() string {
	return fmt.Sprintf("%s@%s (%s)", p.Repo.Slug(), p.SHA, p.Branch)
}

// Loader produces a checkout for params.
type Loader interface {
	Load(ctx context.Context, params Params) (Project, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, params Params) (Project, error)

func (f LoaderFunc) Load(ctx context.Context, params Params) (Project, error) {
	return f(ctx, params)
}

// Closer is implemented by projects that hold resources such as a temp dir.
type Closer interface {
	Close() error
}

// Release closes p if it holds resources.
func Release(p Project) error {
	if c, ok := p.(Closer); ok {
		return c.Close()
	}
	return nil
}
