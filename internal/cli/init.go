package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"peerback/internal/crypto"
)

func createInitCommand(cmdContext *AppContext) *cobra.Command {
	var fromMnemonic bool

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the device identity from a new or existing recovery phrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyPath := cmdContext.Cfg.IdentityKeyPath()
			if _, err := os.Stat(keyPath); err == nil {
				return fmt.Errorf("identity already exists at %s", keyPath)
			}

			var mnemonic string
			if fromMnemonic {
				fmt.Print("Enter recovery phrase: ")
				line, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read recovery phrase: %w", err)
				}
				mnemonic = strings.TrimSpace(string(line))
			} else {
				var err error
				mnemonic, err = crypto.NewMnemonic()
				if err != nil {
					return err
				}
			}

			keys, err := crypto.FromMnemonic(mnemonic)
			if err != nil {
				return err
			}
			if err := crypto.SaveIdentity(keyPath, mnemonic); err != nil {
				return err
			}

			if !fromMnemonic {
				color.Yellow("Write down the recovery phrase. It is the only way to restore your data:")
				fmt.Println()
				fmt.Println("  " + mnemonic)
				fmt.Println()
			}
			color.Green("Identity created: %s", keys.PeerID())
			return nil
		},
	}

	initCmd.Flags().BoolVar(&fromMnemonic, "restore-identity", false,
		"recover the identity from an existing phrase instead of generating one")

	return initCmd
}
