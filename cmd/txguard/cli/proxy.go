package cli

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tkingovr/txguard/internal/approval"
	"github.com/tkingovr/txguard/internal/proxy"
)

var (
	proxyTarget     string
	proxyListen     string
	proxyChainID    uint64
	proxyHoldAdvise bool
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Guard a JSON-RPC node: audit eth_sendTransaction before forwarding",
	Long: `Start a JSON-RPC reverse proxy in front of an Ethereum node. Every
eth_sendTransaction must carry the user's intent in the X-Txguard-Intent
header; the transaction is audited and only forwarded when the signed verdict
allows it. Read-only calls pass through untouched.

The audit API and dashboard run alongside on settings.listen_addr. With
--hold-advise, ADVISE verdicts wait on the Reviews page for a human decision.`,
	Example: `  txguard proxy -c txguard.yaml --target http://127.0.0.1:8545 --hold-advise`,
	Args:    cobra.NoArgs,
	RunE:    runProxy,
}

func init() {
	proxyCmd.Flags().StringVar(&proxyTarget, "target", "", "upstream JSON-RPC URL (overrides proxy.target)")
	proxyCmd.Flags().StringVar(&proxyListen, "listen", "", "proxy listen address (overrides proxy.listen_addr)")
	proxyCmd.Flags().Uint64Var(&proxyChainID, "chain-id", 0, "chain id for transactions without one")
	proxyCmd.Flags().BoolVar(&proxyHoldAdvise, "hold-advise", false, "hold ADVISE verdicts for review")
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if proxyTarget != "" {
		cfg.ProxyTarget = proxyTarget
	}
	if proxyListen != "" {
		cfg.ProxyAddr = proxyListen
	}
	if proxyChainID != 0 {
		cfg.ProxyChainID = proxyChainID
	}
	if proxyHoldAdvise {
		cfg.HoldAdvise = true
	}
	if cfg.ProxyTarget == "" {
		return errors.New("no upstream node: set proxy.target or --target")
	}

	ctx, cancel := signalContext()
	defer cancel()

	flush, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer flush()

	a, err := newApp(ctx, cfg, "", logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var reviews *approval.Queue
	var reviewer proxy.Reviewer
	if cfg.HoldAdvise {
		reviews = approval.NewQueue(cfg.ReviewTimeout)
		reviewer = reviews
	}
	srv, err := newServer(cfg, a, reviews)
	if err != nil {
		return err
	}
	p, err := proxy.New(proxy.Options{
		Target:       cfg.ProxyTarget,
		Auditor:      a.orch,
		Reviews:      reviewer,
		ChainID:      cfg.ProxyChainID,
		MaxBodyBytes: int64(cfg.Admission.MaxBodyBytes),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	startWatcher(ctx, cfg, a)

	logger.Info("starting proxy mode",
		slog.String("proxy", cfg.ProxyAddr),
		slog.String("target", cfg.ProxyTarget),
		slog.String("dashboard", cfg.ListenAddr),
		slog.Bool("hold_advise", cfg.HoldAdvise),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return p.ListenAndServe(gctx, cfg.ProxyAddr) })
	return g.Wait()
}
