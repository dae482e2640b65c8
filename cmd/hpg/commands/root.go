// Package commands wires the hpg CLI: the shared flag bundle, the local and
// ssh subcommands, and the hidden agent subcommand the driver execs on the
// remote host.
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagLspDefs    bool
	flagRawLspDefs bool
	flagDebug      bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version string) error {
	return newRootCommand(version).ExecuteContext(ctx)
}

func newRootCommand(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hpg",
		Short: "HPG - declarative configuration management",
		Long: `HPG runs declarative task configs against the local host or a remote
host over SSH. Tasks are written in Starlark, form a dependency graph, and
invoke built-in actions that mutate system state idempotently.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagLspDefs {
				return writeLspDefs()
			}
			if flagRawLspDefs {
				fmt.Print(lspDefs)
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "show debug output")
	rootCmd.Flags().BoolVar(&flagLspDefs, "lsp-defs", false,
		"write language-server definitions to .meta/hpgdefs.star")
	rootCmd.Flags().BoolVar(&flagRawLspDefs, "raw-lsp-defs", false,
		"print language-server definitions to stdout")

	rootCmd.AddCommand(newLocalCommand())
	rootCmd.AddCommand(newSSHCommand())
	rootCmd.AddCommand(newAgentCommand())

	return rootCmd
}

func writeLspDefs() error {
	dir := ".meta"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "hpgdefs.star"), []byte(lspDefs), 0o644)
}
