package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	gkhttp "github.com/fyrsmithlabs/goalkeeper/internal/http"
	"github.com/spf13/cobra"
)

func newGoalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goals",
		Short: "List, approve and retry goals",
	}
	cmd.AddCommand(newGoalsListCmd())
	cmd.AddCommand(newGoalActionCmd("approve", "Approve a goal waiting for approval", "/api/v1/goals/approve"))
	cmd.AddCommand(newGoalActionCmd("retry", "Retry a failed goal", "/api/v1/goals/retry"))
	return cmd
}

func newGoalsListCmd() *cobra.Command {
	var goalSet, commit string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the goals of a goal set or a commit",
		Long: `List the goals of a goal set or of every goal set planned for a commit.

Examples:
  # Goals of one goal set
  goalctl goals list --goal-set 6f1c...

  # Goals planned for a commit
  goalctl goals list --commit acme/app@4f2a1c0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []*goals.GoalEvent
			switch {
			case goalSet != "" && commit != "":
				return errors.New("--goal-set and --commit are mutually exclusive")
			case goalSet != "":
				var resp gkhttp.GoalSetResponse
				if err := call(http.MethodGet, "/api/v1/goalsets/"+url.PathEscape(goalSet), nil, &resp); err != nil {
					return err
				}
				events = resp.Goals
			case commit != "":
				path, err := commitPath(commit)
				if err != nil {
					return err
				}
				var resp gkhttp.CommitGoalsResponse
				if err := call(http.MethodGet, path, nil, &resp); err != nil {
					return err
				}
				events = resp.Goals
			default:
				return errors.New("one of --goal-set or --commit is required")
			}
			return printGoals(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().StringVar(&goalSet, "goal-set", "", "goal set id")
	cmd.Flags().StringVar(&commit, "commit", "", "commit as owner/repo@sha")
	return cmd
}

// commitPath turns owner/repo@sha into the commit goals route.
func commitPath(commit string) (string, error) {
	slug, sha, ok := strings.Cut(commit, "@")
	owner, repo, ok2 := strings.Cut(slug, "/")
	if !ok || !ok2 || owner == "" || repo == "" || sha == "" {
		return "", fmt.Errorf("invalid commit %q, want owner/repo@sha", commit)
	}
	return fmt.Sprintf("/api/v1/commits/%s/%s/%s/goals",
		url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(sha)), nil
}

func printGoals(w io.Writer, events []*goals.GoalEvent) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "no goals")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GOAL SET\tENVIRONMENT\tGOAL\tSTATE\tDESCRIPTION")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.GoalSetID, e.Environment.Slug(), e.UniqueName, e.State, e.Description)
	}
	return tw.Flush()
}

func newGoalActionCmd(use, short, path string) *cobra.Command {
	var req gkhttp.GoalActionRequest
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: fmt.Sprintf(`%s.

Examples:
  goalctl goals %s --goal-set 6f1c... --env prod --goal deploy --sha 4f2a1c0 --user alice`, short, use),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var event goals.GoalEvent
			if err := call(http.MethodPost, path, req, &event); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", event.UniqueName, event.State, event.Description)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.GoalSetID, "goal-set", "", "goal set id")
	f.StringVar(&req.Environment, "env", "code", "goal environment: code, staging or prod")
	f.StringVar(&req.Name, "goal", "", "unique goal name")
	f.StringVar(&req.SHA, "sha", "", "commit sha")
	f.StringVar(&req.UserID, "user", "", "user taking the action")
	f.StringVar(&req.Channel, "channel", "", "channel the action came from")
	for _, name := range []string{"goal-set", "goal", "sha", "user"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
