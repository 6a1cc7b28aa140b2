package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tkingovr/txguard/internal/attest"
	"github.com/tkingovr/txguard/internal/audit"
	"github.com/tkingovr/txguard/internal/config"
	"github.com/tkingovr/txguard/internal/fork"
	"github.com/tkingovr/txguard/internal/intent"
	"github.com/tkingovr/txguard/internal/pipeline"
	"github.com/tkingovr/txguard/internal/policy"
	"github.com/tkingovr/txguard/internal/reconcile"
	"github.com/tkingovr/txguard/internal/reflection"
	"github.com/tkingovr/txguard/internal/telemetry"
)

// app is every long-lived component one command needs.
type app struct {
	cfg      *config.Config
	registry *intent.Registry
	expect   *intent.Builder
	engine   policy.Multi
	store    audit.Store
	metrics  *telemetry.Metrics
	gatherer *prometheus.Registry
	orch     *pipeline.Orchestrator
}

// newApp builds the pipeline from cfg. A non-empty fixture overrides the
// configured fork backend.
func newApp(ctx context.Context, cfg *config.Config, fixture string, logger *slog.Logger) (*app, error) {
	reg, err := intent.NewRegistry(cfg.Chains)
	if err != nil {
		return nil, fmt.Errorf("building asset registry: %w", err)
	}
	classifier, err := newClassifier(ctx, cfg, reg)
	if err != nil {
		return nil, err
	}
	engine, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	rec, err := reconcile.New(engine, cfg.MaliciousReverts, logger)
	if err != nil {
		return nil, fmt.Errorf("creating reconciler: %w", err)
	}
	handle, targets, err := newForkHandle(cfg, fixture, logger)
	if err != nil {
		return nil, err
	}
	signer, err := newSigner(cfg)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(promReg)

	store, err := audit.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening transcript store: %w", err)
	}

	expect := intent.NewBuilder(classifier, reg, cfg.Tolerances)
	orch, err := pipeline.New(pipeline.Config{
		Budget:          cfg.Budget,
		AttemptTimeout:  cfg.AttemptTimeout,
		ForkRetries:     cfg.ForkRetries,
		DefaultGasLimit: cfg.DefaultGasLimit,
	}, pipeline.Deps{
		Expect:     expect,
		Pool:       fork.NewPool(handle, cfg.PoolSize, cfg.AcquireTimeout),
		Reconciler: rec,
		Controller: reflection.New(reflection.Config{
			MaxRetries:    cfg.MaxRetries,
			BlockGasLimit: cfg.BlockGasLimit,
			RPCTargets:    targets,
		}),
		Attestor: attest.NewBuilder(signer, cfg.SignerTimeout),
		Store:    store,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		registry: reg,
		expect:   expect,
		engine:   engine,
		store:    store,
		metrics:  metrics,
		gatherer: promReg,
		orch:     orch,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func newClassifier(ctx context.Context, cfg *config.Config, reg *intent.Registry) (intent.Classifier, error) {
	if cfg.ClassifierKind != config.ClassifierAI {
		return intent.NewRuleClassifier(reg), nil
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("classifier %q needs an API key in $%s", cfg.ClassifierKind, cfg.APIKeyEnv)
	}
	gen, err := intent.NewGeminiGenerator(ctx, key, cfg.ClassifierModel)
	if err != nil {
		return nil, fmt.Errorf("creating classifier: %w", err)
	}
	return intent.NewGenAIClassifier(gen), nil
}

// newEngine loads every configured constraint file into one engine.
func newEngine(cfg *config.Config) (policy.Multi, error) {
	var engines policy.Multi
	for _, path := range cfg.RuleFiles {
		e, err := policy.NewYAMLEngine(path)
		if err != nil {
			return nil, fmt.Errorf("loading rules %s: %w", path, err)
		}
		engines = append(engines, e)
	}
	for _, path := range cfg.RegoFiles {
		e, err := policy.NewOPAEngine(path)
		if err != nil {
			return nil, fmt.Errorf("loading rego %s: %w", path, err)
		}
		engines = append(engines, e)
	}
	for _, path := range cfg.CELFiles {
		e, err := policy.NewCELEngine(path)
		if err != nil {
			return nil, fmt.Errorf("loading cel %s: %w", path, err)
		}
		engines = append(engines, e)
	}
	return engines, nil
}

// newForkHandle returns the fork backend and the number of RPC targets it
// can fail over between.
func newForkHandle(cfg *config.Config, fixture string, logger *slog.Logger) (fork.Handle, int, error) {
	if fixture == "" && cfg.ForkBackend == config.ForkFixture {
		fixture = cfg.FixturePath
	}
	if fixture != "" {
		h, err := fork.LoadFixture(fixture)
		if err != nil {
			return nil, 0, err
		}
		return h, 1, nil
	}
	h, err := fork.NewAnvilHandle(fork.AnvilConfig{
		Path:           cfg.AnvilPath,
		ForkURLs:       cfg.ForkURLs,
		StartupTimeout: cfg.StartupTimeout,
		BlockGasLimit:  cfg.BlockGasLimit,
		ExtraArgs:      cfg.AnvilArgs,
	}, logger)
	if err != nil {
		return nil, 0, fmt.Errorf("creating anvil fork handle: %w", err)
	}
	return h, len(cfg.ForkURLs), nil
}

func newSigner(cfg *config.Config) (attest.Signer, error) {
	switch cfg.SignerKind {
	case config.SignerRemote:
		return attest.NewRemoteSigner(cfg.SignerURL, &http.Client{}), nil
	default:
		s, err := attest.LoadKey(cfg.KeyFile)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no signing key at %s (run 'txguard keygen --out %s')", cfg.KeyFile, cfg.KeyFile)
		}
		if err != nil {
			return nil, fmt.Errorf("loading signing key: %w", err)
		}
		return s, nil
	}
}
