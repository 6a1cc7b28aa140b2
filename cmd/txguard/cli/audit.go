package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/txguard/api"
)

var (
	auditRequestFile string
	auditFixture     string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit one transaction and print the signed record",
	Long: `Run the full pipeline for a single audit request and print the attestation
record as JSON. With --fixture the fork is replaced by a scripted fixture, so
no anvil binary or RPC endpoint is needed.`,
	Example: `  txguard audit --request swap.json
  txguard audit --request swap.json --fixture testdata/fixtures/safe-swap.yaml`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVarP(&auditRequestFile, "request", "r", "", "audit request JSON file (- for stdin)")
	auditCmd.Flags().StringVar(&auditFixture, "fixture", "", "scripted fork fixture (YAML or JSON)")
	auditCmd.MarkFlagRequired("request")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	req, err := readRequest(auditRequestFile)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, auditFixture, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.orch.Audit(ctx, req)
	if err != nil {
		var ae *api.AuditError
		if errors.As(err, &ae) {
			printJSON(cmd, errorOutput{Error: ae})
		}
		return err
	}
	return printJSON(cmd, rec)
}

type errorOutput struct {
	Error *api.AuditError `json:"error"`
}

func readRequest(path string) (*api.AuditRequest, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}
	var req api.AuditRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing request: %w", err)
	}
	return &req, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
