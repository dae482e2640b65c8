package commands

import (
	"github.com/spf13/cobra"

	"github.com/hpg/hpg/pkg/executor"
)

func newLocalCommand() *cobra.Command {
	opts := &hpgOpts{}
	cmd := &cobra.Command{
		Use:   "local [targets...]",
		Short: "Run HPG locally",
		Example: `  # Run the default targets of ./hpg.star
  hpg local -D

  # Run two named tasks with a variable set
  hpg local -v env=prod install_nginx configure_nginx

  # Show the plan without executing
  hpg local -s -D`,
		RunE: func(cmd *cobra.Command, args []string) error {
			runOpts, err := opts.options(args)
			if err != nil {
				return err
			}
			return executor.RunLocal(cmd.Context(), runOpts)
		},
	}
	opts.register(cmd)
	return cmd
}
