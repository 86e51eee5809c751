package project

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloningLoader_InMemory(t *testing.T) {
	remote := NewTestRemote(t, "main", map[string]string{
		"README.md":      "# app\n",
		"src/main.go":    "package main\n",
		"src/util/x.txt": "x",
	})
	ctx := context.Background()

	p := remote.Load(t)
	assert.Empty(t, p.Dir())

	files, err := p.Files(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "src/main.go", "src/util/x.txt"}, files)

	ok, err := p.HasFile(ctx, "src/main.go")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.HasFile(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	sha, err := p.HeadSHA(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.SHA, sha)
}

func TestCloningLoader_OnDiskCleansUp(t *testing.T) {
	remote := NewTestRemote(t, "main", nil)
	base := t.TempDir()

	p, err := NewCloningLoader(base, nil).Load(context.Background(), remote.Params())
	require.NoError(t, err)
	dir := p.Dir()
	require.NotEmpty(t, dir)
	_, err = os.Stat(dir)
	require.NoError(t, err)

	require.NoError(t, Release(p))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestCloningLoader_UnknownBranch(t *testing.T) {
	remote := NewTestRemote(t, "main", nil)
	params := remote.Params()
	params.Branch = "gone"

	_, err := NewCloningLoader("", nil).Load(context.Background(), params)
	require.ErrorIs(t, err, ErrBranchNotFound)
	assert.Contains(t, err.Error(), "Remote branch gone not found")
}

func TestCloningLoader_UnknownSHA(t *testing.T) {
	remote := NewTestRemote(t, "main", nil)
	params := remote.Params()
	params.SHA = "0123456789012345678901234567890123456789"
	params.DetachHead = true

	_, err := NewCloningLoader("", nil).Load(context.Background(), params)
	require.ErrorIs(t, err, ErrCommitNotFound)
	assert.Contains(t, err.Error(), "reference is not a tree")
}

func TestRepo_CommitRevertPush(t *testing.T) {
	remote := NewTestRemote(t, "main", map[string]string{"a.txt": "a"})
	ctx := context.Background()
	p := remote.Load(t)

	require.NoError(t, p.WriteFile(ctx, "a.txt", []byte("changed")))
	require.NoError(t, p.WriteFile(ctx, "new.txt", []byte("new")))
	clean, err := p.IsClean(ctx)
	require.NoError(t, err)
	assert.False(t, clean)

	require.NoError(t, p.Revert(ctx))
	clean, err = p.IsClean(ctx)
	require.NoError(t, err)
	assert.True(t, clean)
	data, err := p.ReadFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	require.NoError(t, p.WriteFile(ctx, "b.txt", []byte("b")))
	sha, err := p.Commit(ctx, "add b")
	require.NoError(t, err)
	assert.NotEqual(t, remote.SHA, sha)

	require.NoError(t, p.Push(ctx))
	assert.Equal(t, "add b", remote.HeadMessage(t))
	// Pushing again with nothing new is not an error.
	require.NoError(t, p.Push(ctx))
}

func TestRepo_ReadOnlyDetached(t *testing.T) {
	remote := NewTestRemote(t, "main", nil)
	ctx := context.Background()

	writable := remote.Load(t)
	require.NoError(t, writable.WriteFile(ctx, "later.txt", []byte("later")))
	_, err := writable.Commit(ctx, "later")
	require.NoError(t, err)
	require.NoError(t, writable.Push(ctx))

	params := remote.Params()
	params.ReadOnly = true
	params.DetachHead = true
	p, err := NewCloningLoader("", nil).Load(ctx, params)
	require.NoError(t, err)

	sha, err := p.HeadSHA(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.SHA, sha)

	assert.ErrorIs(t, p.WriteFile(ctx, "x", nil), ErrReadOnly)
	_, err = p.Commit(ctx, "nope")
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, p.Push(ctx), ErrReadOnly)
}

type stubReader struct {
	files map[string]string
}

func (s stubReader) ReadFile(_ context.Context, _ goals.Repo, _, path string) ([]byte, error) {
	if c, ok := s.files[path]; ok {
		return []byte(c), nil
	}
	return nil, os.ErrNotExist
}

func TestLazy_MaterializesOnce(t *testing.T) {
	remote := NewTestRemote(t, "main", map[string]string{"go.mod": "module x\n"})
	var loads int32
	inner := NewCloningLoader("", nil)
	loader := LoaderFunc(func(ctx context.Context, params Params) (Project, error) {
		atomic.AddInt32(&loads, 1)
		return inner.Load(ctx, params)
	})

	lazy := NewLazy(loader, remote.Params(), nil)
	assert.False(t, lazy.Materialized())
	assert.Empty(t, lazy.Dir())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lazy.Files(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.True(t, lazy.Materialized())
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
	require.NoError(t, lazy.Close())
	assert.False(t, lazy.Materialized())
}

func TestLazy_UsesContentsReaderBeforeClone(t *testing.T) {
	loader := LoaderFunc(func(context.Context, Params) (Project, error) {
		return nil, errors.New("should not clone")
	})
	lazy := NewLazy(loader, Params{Repo: goals.Repo{Owner: "acme", Name: "app"}}, stubReader{files: map[string]string{"pom.xml": "<project/>"}})
	ctx := context.Background()

	ok, err := lazy.HasFile(ctx, "pom.xml")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lazy.HasFile(ctx, "package.json")
	require.NoError(t, err)
	assert.False(t, ok)

	data, err := lazy.ReadFile(ctx, "pom.xml")
	require.NoError(t, err)
	assert.Equal(t, "<project/>", string(data))
	assert.False(t, lazy.Materialized())

	_, err = lazy.Files(ctx)
	assert.Error(t, err)
}

func TestLazy_RetriesAfterFailedClone(t *testing.T) {
	remote := NewTestRemote(t, "main", nil)
	var calls int32
	inner := NewCloningLoader("", nil)
	loader := LoaderFunc(func(ctx context.Context, params Params) (Project, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return inner.Load(ctx, params)
	})

	lazy := NewLazy(loader, remote.Params(), nil)
	_, err := lazy.Materialize(context.Background())
	require.Error(t, err)

	_, err = lazy.Materialize(context.Background())
	require.NoError(t, err)
}
