package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hpg/hpg/pkg/executor"
)

func newSSHCommand() *cobra.Command {
	opts := &hpgOpts{}
	var inventoryPath string
	cmd := &cobra.Command{
		Use:   "ssh <[user@]host[:port]> [targets...]",
		Short: "Run HPG on a remote host over SSH",
		Long: `Runs HPG against a remote host. The project tree is synchronized to the
host with delta compression, the agent executes the config there, and
progress streams back to this terminal.`,
		Example: `  # Run default targets on a host from the inventory
  hpg ssh web1 -D

  # Run one task as a specific user
  hpg ssh deploy@10.0.0.12:2222 install_nginx`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("missing host argument")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			runOpts, err := opts.options(args[1:])
			if err != nil {
				return err
			}
			return executor.RunSSH(cmd.Context(), args[0], inventoryPath, runOpts)
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVarP(&inventoryPath, "inventory", "i", "", "path to inventory file")
	return cmd
}
