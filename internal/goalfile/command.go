package goalfile

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/goalkeeper/internal/command"
	"github.com/fyrsmithlabs/goalkeeper/internal/execution"
	"github.com/fyrsmithlabs/goalkeeper/internal/progresslog"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"go.uber.org/multierr"
)

// CommandImplementation runs program with args in an on-disk checkout of
// the pushed commit. The goal fails when the program exits non-zero.
//
// The process sees GOALKEEPER_GOAL, GOALKEEPER_SHA, GOALKEEPER_BRANCH,
// GOALKEEPER_OWNER and GOALKEEPER_REPO in addition to env.
func CommandImplementation(name, program string, args []string, env map[string]string) execution.Implementation {
	return execution.Implementation{
		Name:           name,
		Executor:       commandExecutor(program, args, env),
		LogInterpreter: progresslog.DefaultInterpreter,
	}
}

func commandExecutor(program string, args []string, env map[string]string) execution.Executor {
	return func(ctx context.Context, inv *execution.Invocation) (result *execution.Result, err error) {
		p, err := inv.LoadProject(ctx)
		if err != nil {
			return nil, err
		}
		if inv.Project == nil {
			defer func() {
				err = multierr.Append(err, project.Release(p))
			}()
		}
		if p.Dir() == "" {
			return nil, fmt.Errorf("%s needs a checkout on disk", program)
		}

		vars := map[string]string{
			"GOALKEEPER_GOAL":   inv.Event.UniqueName,
			"GOALKEEPER_SHA":    inv.Event.SHA,
			"GOALKEEPER_BRANCH": inv.Event.Branch,
			"GOALKEEPER_OWNER":  inv.Push.Repo.Owner,
			"GOALKEEPER_REPO":   inv.Push.Repo.Name,
		}
		for k, v := range env {
			vars[k] = v
		}

		spec := command.Spec{Program: program, Args: args, Dir: p.Dir(), Env: vars}
		if inv.Progress != nil {
			out := progresslog.Writer(inv.Progress)
			spec.Stdout, spec.Stderr = out, out
		}
		res, err := command.Run(ctx, spec)
		var exitErr *command.ExitError
		if errors.As(err, &exitErr) {
			msg := command.Tail(res.Stderr, 5)
			if msg == "" {
				msg = exitErr.Error()
			}
			return &execution.Result{Code: exitErr.ExitCode, Message: msg}, nil
		}
		if err != nil {
			return nil, err
		}
		return execution.Success(), nil
	}
}
