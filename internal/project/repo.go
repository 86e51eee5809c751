package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// Author signs commits created by goalkeeper.
var Author = object.Signature{Name: "goalkeeper", Email: "goalkeeper@users.noreply.github.com"}

// Repo is a go-git backed Project.
type Repo struct {
	repo     *git.Repository
	worktree *git.Worktree
	fs       billy.Filesystem
	id       goals.Repo
	branch   string
	dir      string
	readOnly bool
	auth     transport.AuthMethod
	cleanup  func() error
}

// RepoOption configures a Repo.
type RepoOption func(*Repo)

func WithReadOnly(readOnly bool) RepoOption {
	return func(r *Repo) { r.readOnly = readOnly }
}

func WithAuth(auth transport.AuthMethod) RepoOption {
	return func(r *Repo) { r.auth = auth }
}

func WithDir(dir string, cleanup func() error) RepoOption {
	return func(r *Repo) {
		r.dir = dir
		r.cleanup = cleanup
	}
}

func WithBranch(branch string) RepoOption {
	return func(r *Repo) { r.branch = branch }
}

// NewRepo wraps an existing non-bare repository.
func NewRepo(repo *git.Repository, id goals.Repo, opts ...RepoOption) (*Repo, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	r := &Repo{repo: repo, worktree: wt, fs: wt.Filesystem, id: id}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Repo) Repo() goals.Repo { return r.id }
func (r *Repo) Dir() string { return r.dir }

// Git exposes the underlying repository.
func (r *Repo) Git() *git.Repository { return r.repo }

func (r *Repo) HasFile(_ context.Context, path string) (bool, error) {
	_, err := r.fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (r *Repo) ReadFile(_ context.Context, path string) ([]byte, error) {
	f, err := r.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Files lists every regular file outside .git, sorted.
func (r *Repo) Files(_ context.Context) ([]string, error) {
	var files []string
	err := util.Walk(r.fs, "/", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := filepath.ToSlash(filepath.Clean(path))
		if len(rel) > 0 && rel[0] == '/' {
			rel = rel[1:]
		}
		if info.IsDir() {
			if rel == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func (r *Repo) WriteFile(_ context.Context, path string, data []byte) error {
	if r.readOnly {
		return ErrReadOnly
	}
	return util.WriteFile(r.fs, path, data, 0644)
}

func (r *Repo) HeadSHA(_ context.Context) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

func (r *Repo) IsClean(_ context.Context) (bool, error) {
	status, err := r.worktree.Status()
	if err != nil {
		return false, fmt.Errorf("failed to get status: %w", err)
	}
	return status.IsClean(), nil
}

func (r *Repo) Commit(_ context.Context, message string) (string, error) {
	if r.readOnly {
		return "", ErrReadOnly
	}
	if err := r.worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	sig := Author
	sig.When = time.Now()
	hash, err := r.worktree.Commit(message, &git.CommitOptions{All: true, Author: &sig})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

func (r *Repo) Revert(_ context.Context) error {
	if err := r.worktree.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("failed to reset worktree: %w", err)
	}
	if err := r.worktree.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("failed to clean worktree: %w", err)
	}
	return nil
}

// Push pushes the checked out branch to origin.
func (r *Repo) Push(ctx context.Context) error {
	if r.readOnly {
		return ErrReadOnly
	}
	if r.branch == "" {
		return fmt.Errorf("%w: no branch to push", ErrNoRemote)
	}
	if _, err := r.repo.Remote(git.DefaultRemoteName); err != nil {
		return fmt.Errorf("%w: %v", ErrNoRemote, err)
	}
	ref := plumbing.NewBranchReferenceName(r.branch)
	err := r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(ref + ":" + ref)},
		Auth:       r.auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to push %s: %w", r.branch, err)
	}
	return nil
}

// Checkout moves the worktree to sha with a detached HEAD.
func (r *Repo) Checkout(_ context.Context, sha string) error {
	err := r.worktree.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(sha), Force: true})
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return fmt.Errorf("%w: reference is not a tree: %s", ErrCommitNotFound, sha)
	}
	if err != nil {
		return fmt.Errorf("failed to checkout %s: %w", sha, err)
	}
	return nil
}

// Close removes the checkout directory, if any.
func (r *Repo) Close() error {
	if r.cleanup == nil {
		return nil
	}
	return r.cleanup()
}
