package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/intent"
)

var (
	expectIntent  string
	expectFrom    string
	expectTo      string
	expectData    string
	expectValue   string
	expectChainID uint64
)

var expectCmd = &cobra.Command{
	Use:   "expect",
	Short: "Show the expectation derived from an intent (dry run)",
	Long: `Derive the expectation for an intent and transaction without simulating,
signing or storing anything. Useful for checking how an intent is read.`,
	Example: `  txguard expect --intent "swap 1 ETH to USDC, slippage 0.5%" \
      --to 0x7a250d5630b4cf539739df2c5dacb4c659f2488d --value 1000000000000000000`,
	Args: cobra.NoArgs,
	RunE: runExpect,
}

func init() {
	expectCmd.Flags().StringVarP(&expectIntent, "intent", "i", "", "natural-language intent")
	expectCmd.Flags().StringVar(&expectFrom, "from", "", "sender address")
	expectCmd.Flags().StringVar(&expectTo, "to", "", "target address")
	expectCmd.Flags().StringVar(&expectData, "data", "", "hex calldata")
	expectCmd.Flags().StringVar(&expectValue, "value", "", "native value in base units")
	expectCmd.Flags().Uint64Var(&expectChainID, "chain-id", 1, "chain id")
	expectCmd.MarkFlagRequired("intent")
	expectCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(expectCmd)
}

func runExpect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	reg, err := intent.NewRegistry(cfg.Chains)
	if err != nil {
		return fmt.Errorf("building asset registry: %w", err)
	}
	classifier, err := newClassifier(ctx, cfg, reg)
	if err != nil {
		return err
	}
	b := intent.NewBuilder(classifier, reg, cfg.Tolerances)

	exp, err := b.Build(ctx, &api.AuditRequest{
		Intent: expectIntent,
		Transaction: api.Transaction{
			From:    expectFrom,
			To:      expectTo,
			Data:    expectData,
			Value:   expectValue,
			ChainID: expectChainID,
		},
	})
	if errors.Is(err, intent.ErrIntentUnparsable) {
		fmt.Fprintf(cmd.OutOrStdout(), "UNPARSABLE: %v\n", err)
		fmt.Fprintln(cmd.OutOrStdout(), "A full audit of this intent ends in a signed STOP.")
		return nil
	}
	if err != nil {
		return err
	}
	return printJSON(cmd, exp)
}
