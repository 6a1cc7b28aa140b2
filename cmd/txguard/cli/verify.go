package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/attest"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <record.json>...",
	Short: "Check the digest and signature of attestation records",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading record: %w", err)
		}
		var rec api.AttestationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		if err := attest.Verify(&rec); err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "OK   %s %s %s\n", path, rec.Digest, rec.Signer)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d records failed verification", failed, len(args))
	}
	return nil
}
