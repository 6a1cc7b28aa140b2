package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkingovr/txguard/internal/approval"
	"github.com/tkingovr/txguard/internal/config"
	"github.com/tkingovr/txguard/internal/filter"
	"github.com/tkingovr/txguard/internal/policy"
	"github.com/tkingovr/txguard/internal/server"
	"github.com/tkingovr/txguard/internal/telemetry"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the audit API and records dashboard",
	Long: `Start the HTTP server: the audit API under /v1, the records dashboard at /,
and Prometheus metrics at /metrics. Constraint files are reloaded on change
when constraints.watch is set.`,
	Example: `  txguard serve -c txguard.yaml`,
	Args:    cobra.NoArgs,
	RunE:    runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides settings.listen_addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
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

	srv, err := newServer(cfg, a, nil)
	if err != nil {
		return err
	}
	startWatcher(ctx, cfg, a)

	logger.Info("starting serve mode",
		slog.String("addr", cfg.ListenAddr),
		slog.String("fork_backend", cfg.ForkBackend),
		slog.String("store", cfg.Store.Backend),
	)
	return srv.ListenAndServe(ctx)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			logger.Info("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// setupTracing installs the OTLP exporter and returns its flush function.
func setupTracing(ctx context.Context, cfg *config.Config) (func(), error) {
	shutdown, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     cfg.OTLPInsecure,
		SampleRatio:  cfg.SampleRatio,
		ServiceName:  cfg.ServiceName,
		Version:      version,
	}, logger)
	if err != nil {
		return nil, err
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Error("flushing traces", "error", err)
		}
	}, nil
}

// newServer builds the HTTP server with its admission chain. reviews may be nil.
func newServer(cfg *config.Config, a *app, reviews *approval.Queue) (*server.Server, error) {
	chainCfg := cfg.Admission
	chainCfg.Logger = logger
	chainCfg.ChainSupported = a.registry.Supports
	chain, err := filter.BuildAdmissionChain(chainCfg)
	if err != nil {
		return nil, fmt.Errorf("building admission chain: %w", err)
	}
	logger.Debug("admission chain", "filters", chain.Names())

	return server.NewServer(server.Options{
		Addr:         cfg.ListenAddr,
		Auditor:      a.orch,
		Store:        a.store,
		Chain:        chain,
		Metrics:      a.metrics,
		Gatherer:     a.gatherer,
		Reviews:      reviews,
		Logger:       logger,
		MaxBodyBytes: int64(chainCfg.MaxBodyBytes),
	}), nil
}

// startWatcher reloads the constraint engines on file change when enabled.
func startWatcher(ctx context.Context, cfg *config.Config, a *app) {
	if !cfg.WatchConstraints || len(a.engine) == 0 {
		return
	}
	w := policy.NewWatcher(a.engine, cfg.ConstraintFiles(), logger)
	go func() {
		if err := w.Run(ctx); err != nil {
			logger.Error("constraint watcher stopped", "error", err)
		}
	}()
}
