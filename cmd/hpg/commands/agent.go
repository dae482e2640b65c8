package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hpg/hpg/pkg/actions"
	"github.com/hpg/hpg/pkg/engine"
	"github.com/hpg/hpg/pkg/remote"
)

// newAgentCommand is the hidden subcommand the driver execs on the remote
// host after uploading this binary. It speaks the transport protocol on
// stdin/stdout; stderr stays free for operator-visible noise.
func newAgentCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "agent <root-dir>",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actions.SetBaseContext(cmd.Context())
			agent := remote.NewAgent(os.Stdin, os.Stdout, args[0])
			if code := agent.Serve(); code != 0 {
				// The error text already went out as an Error frame.
				return engine.NewError(engine.ErrTransport, "agent session failed", nil)
			}
			return nil
		},
	}
}
