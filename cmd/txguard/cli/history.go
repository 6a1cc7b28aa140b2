package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/audit"
)

var (
	historyDisposition string
	historyLimit       int
	historyJSON        bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored attestation records, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVarP(&historyDisposition, "disposition", "d", "", "only PASS, ADVISE or STOP")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum records")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print full records as JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f := api.QueryFilter{Limit: historyLimit}
	switch d := api.Disposition(historyDisposition); d {
	case "":
	case api.DispositionPass, api.DispositionAdvise, api.DispositionStop:
		f.Disposition = d
	default:
		return fmt.Errorf("invalid disposition %q", historyDisposition)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := audit.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening transcript store: %w", err)
	}
	defer store.Close()

	records, err := store.Query(ctx, f)
	if err != nil {
		return err
	}
	if historyJSON {
		if records == nil {
			records = []*api.AttestationRecord{}
		}
		return printJSON(cmd, records)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tDIGEST\tCHAIN\tACTION\tVERDICT\tATTEMPTS\tINTENT")
	for _, r := range records {
		v := r.Transcript.Verdict
		disp := string(v.Disposition)
		if v.Incomplete {
			disp += "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			shortDigest(r.Digest),
			r.Transcript.Request.Transaction.ChainID,
			r.Action(),
			disp,
			len(r.Transcript.Attempts),
			truncate(r.Transcript.Request.Intent, 48),
		)
	}
	return w.Flush()
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
