package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fyrsmithlabs/goalkeeper/internal/command"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/progresslog"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"go.uber.org/zap"
)

// DefaultHooksDir is where repositories keep goal hooks.
const DefaultHooksDir = ".goalkeeper/hooks"

// HookRunner runs the hook for a stage. A nil result means no hook ran.
type HookRunner interface {
	Run(ctx context.Context, stage Stage, inv *Invocation) (*Result, error)
}

// HookFile returns the hook file name for a stage and goal, e.g.
// "pre-code-build" for the pre-goal hook of "build" in "0-code/".
func HookFile(stage Stage, env goals.Environment, name string) string {
	prefix := "post"
	if stage == StagePreHook {
		prefix = "pre"
	}
	environment := strings.TrimSuffix(strings.ToLower(env.WithoutScheme()), "/")
	return fmt.Sprintf("%s-%s-%s", prefix, environment, strings.ReplaceAll(strings.ToLower(name), " ", "_"))
}

// ScriptHooks runs executable hook scripts committed to the repository.
// Scripts run from a read-only checkout with a detached HEAD at the pushed
// sha. The loader may return lazy projects; a hook that exists needs an
// on-disk clone once materialized.
type ScriptHooks struct {
	// Dir is the hooks directory relative to the repository root.
	Dir    string
	Loader project.Loader
	Logger *logging.Logger

	enabled atomic.Bool
}

func NewScriptHooks(dir string, loader project.Loader, enabled bool, logger *logging.Logger) *ScriptHooks {
	if dir == "" {
		dir = DefaultHooksDir
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &ScriptHooks{Dir: dir, Loader: loader, Logger: logger}
	h.enabled.Store(enabled)
	return h
}

// SetEnabled toggles hook execution at runtime.
func (h *ScriptHooks) SetEnabled(enabled bool) {
	h.enabled.Store(enabled)
}

func (h *ScriptHooks) Enabled() bool {
	return h.enabled.Load()
}

// Run looks for the stage's hook in the pushed commit and runs it. A commit
// without the hook costs a single file lookup; only a present hook forces
// an on-disk clone.
func (h *ScriptHooks) Run(ctx context.Context, stage Stage, inv *Invocation) (*Result, error) {
	if !h.Enabled() {
		return nil, nil
	}

	file := HookFile(stage, inv.Event.Environment, inv.Event.UniqueName)
	rel := path.Join(h.Dir, file)

	p, release, err := h.checkout(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("loading project for %s: %w", stage, err)
	}
	defer release()

	found, err := p.HasFile(ctx, rel)
	if err != nil {
		return nil, fmt.Errorf("looking for hook %s: %w", file, err)
	}
	if !found {
		return nil, nil
	}
	if lazy, ok := p.(*project.Lazy); ok {
		if p, err = lazy.Materialize(ctx); err != nil {
			return nil, fmt.Errorf("cloning for hook %s: %w", file, err)
		}
	}
	if p.Dir() == "" {
		return nil, errors.New("hooks require an on-disk checkout")
	}

	script := filepath.Join(p.Dir(), filepath.FromSlash(rel))
	dir := filepath.Dir(script)
	info, err := os.Stat(script)
	if err != nil {
		return nil, fmt.Errorf("inspecting hook %s: %w", file, err)
	}
	if info.Mode()&0111 == 0 {
		if err := os.Chmod(script, 0755); err != nil {
			return nil, fmt.Errorf("making hook %s executable: %w", file, err)
		}
	}

	h.Logger.Info(ctx, "running goal hook", zap.String("hook", file), zap.String("stage", string(stage)))
	var out io.Writer = io.Discard
	if inv.Progress != nil {
		inv.Progress.Write("Running %s '%s'\n", stage, file)
		out = progresslog.Writer(inv.Progress)
	}
	var stderr bytes.Buffer
	res, err := command.Run(ctx, command.Spec{
		Program: script,
		Dir:     dir,
		Env:     hookEnv(inv),
		Stdout:  out,
		Stderr:  io.MultiWriter(out, &stderr),
	})

	var exitErr *command.ExitError
	if errors.As(err, &exitErr) {
		return &Result{Code: res.ExitCode, Message: command.Tail(stderr.String(), 20)}, nil
	}
	if err != nil {
		return nil, err
	}
	return Success(), nil
}

// checkout returns a read-only checkout detached at the pushed sha. Inside
// the pipeline it is shared by every hook of the invocation.
func (h *ScriptHooks) checkout(ctx context.Context, inv *Invocation) (project.Project, func(), error) {
	params := inv.ProjectParams()
	params.ReadOnly = true
	params.DetachHead = true

	if inv.checkouts != nil {
		p, err := inv.checkouts.load(ctx, h.Loader, params)
		return p, func() {}, err
	}
	p, err := h.Loader.Load(ctx, params)
	if err != nil {
		return nil, nil, err
	}
	return p, func() {
		if err := project.Release(p); err != nil {
			h.Logger.Warn(ctx, "failed to release hook checkout", zap.Error(err))
		}
	}, nil
}

func hookEnv(inv *Invocation) map[string]string {
	return map[string]string{
		"GITHUB_TOKEN":              inv.Credentials.Value(),
		"GOALKEEPER_WORKSPACE":      inv.WorkspaceID,
		"GOALKEEPER_CORRELATION_ID": inv.CorrelationID,
		"GOALKEEPER_REPO":           inv.Push.Repo.Name,
		"GOALKEEPER_OWNER":          inv.Push.Repo.Owner,
		"GOALKEEPER_SHA":            inv.Event.SHA,
		"GOALKEEPER_BRANCH":         inv.Event.Branch,
		"GOALKEEPER_GOAL":           inv.Event.UniqueName,
	}
}
