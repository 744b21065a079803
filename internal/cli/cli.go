// Package cli assembles the command tree.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

type CLI struct {
	rootCmd *cobra.Command
}

func NewCLI(cmdContext *AppContext) *CLI {
	root := &cobra.Command{
		Use:           "peerback",
		Short:         "peer-to-peer encrypted backup",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(createInitCommand(cmdContext))
	root.AddCommand(createBackupCommand(cmdContext))
	root.AddCommand(createRestoreCommand(cmdContext))
	root.AddCommand(createSnapshotsCommand(cmdContext))
	root.AddCommand(createServeCommand(cmdContext))

	return &CLI{rootCmd: root}
}

func (c *CLI) Run() error {
	return c.rootCmd.Execute()
}

// SetArgs overrides os.Args; main passes the arguments left after the
// -config flag was parsed.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// RunContext executes the command tree with a cancellation context; the
// commands' cmd.Context() derives from it.
func (c *CLI) RunContext(ctx context.Context) error {
	return c.rootCmd.ExecuteContext(ctx)
}
