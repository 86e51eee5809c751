package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"golang.org/x/sync/singleflight"
)

// ContentsReader reads single files from the hosting provider without a
// clone. It returns os.ErrNotExist for missing files.
type ContentsReader interface {
	ReadFile(ctx context.Context, repo goals.Repo, sha, path string) ([]byte, error)
}

// Lazy is a Project that clones on first use. Concurrent callers wait on
// the same in-flight clone; a failed clone is retried by the next caller.
type Lazy struct {
	loader Loader
	params Params
	reader ContentsReader

	group singleflight.Group
	mu    sync.RWMutex
	real  Project
}

// NewLazy defers loading params until needed. reader may be nil.
func NewLazy(loader Loader, params Params, reader ContentsReader) *Lazy {
	return &Lazy{loader: loader, params: params, reader: reader}
}

// Materialized reports whether the clone has happened.
func (l *Lazy) Materialized() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.real != nil
}

// Materialize forces the clone and returns the real checkout.
func (l *Lazy) Materialize(ctx context.Context) (Project, error) {
	l.mu.RLock()
	real := l.real
	l.mu.RUnlock()
	if real != nil {
		return real, nil
	}

	v, err, _ := l.group.Do("materialize", func() (interface{}, error) {
		l.mu.RLock()
		if l.real != nil {
			defer l.mu.RUnlock()
			return l.real, nil
		}
		l.mu.RUnlock()

		p, err := l.loader.Load(ctx, l.params)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.real = p
		l.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("materializing %s: %w", l.params, err)
	}
	return v.(Project), nil
}

func (l *Lazy) Repo() goals.Repo { return l.params.Repo }

func (l *Lazy) Params() Params { return l.params }

// Dir is "" until materialized.
func (l *Lazy) Dir() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.real == nil {
		return ""
	}
	return l.real.Dir()
}

// HasFile answers from the contents API while not materialized.
func (l *Lazy) HasFile(ctx context.Context, path string) (bool, error) {
	if !l.Materialized() && l.reader != nil {
		_, err := l.reader.ReadFile(ctx, l.params.Repo, l.params.SHA, path)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	p, err := l.Materialize(ctx)
	if err != nil {
		return false, err
	}
	return p.HasFile(ctx, path)
}

// ReadFile answers from the contents API while not materialized.
func (l *Lazy) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if !l.Materialized() && l.reader != nil {
		return l.reader.ReadFile(ctx, l.params.Repo, l.params.SHA, path)
	}
	p, err := l.Materialize(ctx)
	if err != nil {
		return nil, err
	}
	return p.ReadFile(ctx, path)
}

func (l *Lazy) Files(ctx context.Context) ([]string, error) {
	p, err := l.Materialize(ctx)
	if err != nil {
		return nil, err
	}
	return p.Files(ctx)
}

func (l *Lazy) WriteFile(ctx context.Context, path string, data []byte) error {
	p, err := l.Materialize(ctx)
	if err != nil {
		return err
	}
	return p.WriteFile(ctx, path, data)
}

func (l *Lazy) HeadSHA(ctx context.Context) (string, error) {
	p, err := l.Materialize(ctx)
	if err != nil {
		return "", err
	}
	return p.HeadSHA(ctx)
}

func (l *Lazy) IsClean(ctx context.Context) (bool, error) {
	p, err := l.Materialize(ctx)
	if err != nil {
		return false, err
	}
	return p.IsClean(ctx)
}

func (l *Lazy) Commit(ctx context.Context, message string) (string, error) {
	p, err := l.Materialize(ctx)
	if err != nil {
		return "", err
	}
	return p.Commit(ctx, message)
}

func (l *Lazy) Revert(ctx context.Context) error {
	p, err := l.Materialize(ctx)
	if err != nil {
		return err
	}
	return p.Revert(ctx)
}

func (l *Lazy) Push(ctx context.Context) error {
	p, err := l.Materialize(ctx)
	if err != nil {
		return err
	}
	return p.Push(ctx)
}

// Close releases the real checkout if one was made.
func (l *Lazy) Close() error {
	l.mu.Lock()
	real := l.real
	l.real = nil
	l.mu.Unlock()
	if real == nil {
		return nil
	}
	return Release(real)
}

// LazyLoader returns Lazy projects for every Load.
type LazyLoader struct {
	Loader Loader
	Reader ContentsReader
}

func (l LazyLoader) Load(_ context.Context, params Params) (Project, error) {
	return NewLazy(l.Loader, params, l.Reader), nil
}
