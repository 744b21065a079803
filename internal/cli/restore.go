package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func createRestoreCommand(cmdContext *AppContext) *cobra.Command {
	var (
		snapshotID string
		target     string
	)

	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a snapshot from peers into a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdContext.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go a.Run(ctx)

			return a.StartRestore(ctx, snapshotID, target)
		},
	}

	restoreCmd.Flags().StringVar(&snapshotID, "snapshot", "", "snapshot id (default: latest)")
	restoreCmd.Flags().StringVar(&target, "target", "", "directory to restore into")
	restoreCmd.MarkFlagRequired("target")

	return restoreCmd
}
