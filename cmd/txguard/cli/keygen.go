package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tkingovr/txguard/internal/attest"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ed25519 signing key",
	Long: `Generate an ed25519 attestation key and write its seed to a file with 0600
permissions. Defaults to the key file from the config. An existing file is
never overwritten.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "key file to create")
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	path := keygenOut
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.KeyFile
	}
	s, err := attest.GenerateKey(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nsigner %s\n", path, s.Identity())
	return nil
}
