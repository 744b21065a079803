package cli

import (
	"github.com/spf13/cobra"
)

func createServeCommand(cmdContext *AppContext) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Stay online to store peers' packs and answer restores",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdContext.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Serve(cmd.Context())
		},
	}

	return serveCmd
}
