package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func createSnapshotsCommand(cmdContext *AppContext) *cobra.Command {
	snapshotsCmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List published snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdContext.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			go a.Run(ctx)

			ptrs, err := a.ListSnapshots(ctx)
			if err != nil {
				return err
			}

			if len(ptrs) == 0 {
				fmt.Println("no snapshots published")
				return nil
			}
			for _, p := range ptrs {
				fmt.Printf("%s  %s  %s\n",
					p.ID,
					time.Unix(p.Timestamp, 0).Format(time.RFC3339),
					hex.EncodeToString(p.Hash),
				)
			}
			return nil
		},
	}

	return snapshotsCmd
}
