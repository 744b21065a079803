package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func createBackupCommand(cmdContext *AppContext) *cobra.Command {
	var source string

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Run a one-shot backup of the configured source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if source != "" {
				cmdContext.Cfg.Backup.Source = source
			}

			a, err := cmdContext.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go a.Run(ctx)

			return a.StartBackup(ctx)
		},
	}

	backupCmd.Flags().StringVar(&source, "source", "", "directory to back up (overrides config)")

	return backupCmd
}
