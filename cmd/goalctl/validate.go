package main

import (
	"fmt"

	"github.com/fyrsmithlabs/goalkeeper/internal/goalfile"
	"github.com/fyrsmithlabs/goalkeeper/internal/mapper"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <goals.toml>",
		Short: "Validate a goal file",
		Long: `Validate a goal file without contacting a server. The file is parsed,
checked for unknown keys, dependency cycles and unknown goals, and its
implementations are registered the way goald would.

Examples:
  goalctl validate .goalkeeper/goals.toml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := goalfile.Load(args[0])
			if err != nil {
				return err
			}
			if err := defs.Register(mapper.NewRegistry()); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d goals, %d rules, %d implementations, %d side effects, %d autofixes\n",
				args[0], len(defs.Goals), len(defs.Rules), len(defs.Implementations), len(defs.SideEffects), len(defs.Autofixes))
			return nil
		},
	}
}
