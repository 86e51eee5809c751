package project

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/require"
)

// TestRemote is a bare repository on disk seeded with one commit.
type TestRemote struct {
	Dir    string
	Branch string
	SHA    string
	Repo   goals.Repo
}

var installFileServer sync.Once

// NewTestRemote creates a bare repository in a temp dir whose branch holds
// files in a single commit.
func NewTestRemote(t *testing.T, branch string, files map[string]string) *TestRemote {
	t.Helper()

	// Serve file:// in process so tests do not depend on a git binary.
	installFileServer.Do(func() {
		client.InstallProtocol("file", server.DefaultServer)
	})

	dir := t.TempDir()
	_, err := git.PlainInit(dir, true)
	require.NoError(t, err)

	fs := memfs.New()
	seed, err := git.Init(memory.NewStorage(), fs)
	require.NoError(t, err)
	wt, err := seed.Worktree()
	require.NoError(t, err)

	if len(files) == 0 {
		files = map[string]string{"README.md": "# test\n"}
	}
	for path, content := range files {
		require.NoError(t, util.WriteFile(fs, path, []byte(content), 0644))
	}
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	hash, err := wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	_, err = seed.CreateRemote(&gitconfig.RemoteConfig{Name: git.DefaultRemoteName, URLs: []string{dir}})
	require.NoError(t, err)

	head, err := seed.Head()
	require.NoError(t, err)
	target := plumbing.NewBranchReferenceName(branch)
	require.NoError(t, seed.Push(&git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(head.Name() + ":" + target)},
	}))

	return &TestRemote{
		Dir:    dir,
		Branch: branch,
		SHA:    hash.String(),
		Repo:   goals.Repo{Owner: "acme", Name: "app", CloneURL: dir},
	}
}

// Params returns load params for the seeded commit.
func (r *TestRemote) Params() Params {
	return Params{Repo: r.Repo, SHA: r.SHA, Branch: r.Branch}
}

// Load clones the remote into memory.
func (r *TestRemote) Load(t *testing.T) *Repo {
	t.Helper()
	p, err := NewCloningLoader("", nil).Load(context.Background(), r.Params())
	require.NoError(t, err)
	return p.(*Repo)
}

// HeadMessage returns the commit message at the tip of the remote branch.
func (r *TestRemote) HeadMessage(t *testing.T) string {
	t.Helper()
	return r.Messages(t)[0]
}

// Messages returns the commit messages on the remote branch, newest first.
func (r *TestRemote) Messages(t *testing.T) []string {
	t.Helper()
	repo, err := git.PlainOpen(r.Dir)
	require.NoError(t, err)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(r.Branch), true)
	require.NoError(t, err)
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	require.NoError(t, err)
	var out []string
	require.NoError(t, iter.ForEach(func(c *object.Commit) error {
		out = append(out, c.Message)
		return nil
	}))
	return out
}
