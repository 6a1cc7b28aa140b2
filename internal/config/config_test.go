package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/audit"
)

func TestLoadBytes_Defaults(t *testing.T) {
	cfg, err := LoadBytes([]byte("version: 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("expected listen addr %s, got %s", DefaultListenAddr, cfg.ListenAddr)
	}
	if cfg.Budget != 8*time.Second {
		t.Errorf("expected 8s budget, got %s", cfg.Budget)
	}
	if cfg.AttemptTimeout != 5*time.Second || cfg.SignTimeout != 2*time.Second {
		t.Errorf("unexpected timeouts: attempt=%s sign=%s", cfg.AttemptTimeout, cfg.SignTimeout)
	}
	if cfg.MaxRetries != 3 || cfg.ForkRetries != 2 {
		t.Errorf("unexpected retries: max=%d fork=%d", cfg.MaxRetries, cfg.ForkRetries)
	}
	if cfg.DefaultGasLimit != 30_000_000 {
		t.Errorf("expected 30M gas, got %d", cfg.DefaultGasLimit)
	}
	if cfg.BlockGasLimit != 45_000_000 {
		t.Errorf("expected 45M block gas, got %d", cfg.BlockGasLimit)
	}
	if cfg.PoolSize != 4 || cfg.AcquireTimeout != time.Second {
		t.Errorf("unexpected pool: size=%d acquire=%s", cfg.PoolSize, cfg.AcquireTimeout)
	}
	if cfg.Store.Backend != audit.BackendJSONL {
		t.Errorf("expected jsonl store, got %s", cfg.Store.Backend)
	}
	if !cfg.Admission.SecretScanner {
		t.Error("expected secret scanner on by default")
	}
	if cfg.ClassifierKind != ClassifierRule || cfg.SignerKind != SignerEd25519 {
		t.Errorf("unexpected kinds: classifier=%s signer=%s", cfg.ClassifierKind, cfg.SignerKind)
	}
	if len(cfg.Chains) == 0 {
		t.Error("expected the built-in chains")
	}
	if strings.HasPrefix(cfg.LogDir, "~") {
		t.Errorf("expected ~ to be expanded, got %s", cfg.LogDir)
	}
	if cfg.ProxyAddr != DefaultProxyAddr || cfg.ReviewTimeout != 5*time.Minute || cfg.HoldAdvise {
		t.Errorf("unexpected proxy defaults: %s %s %v", cfg.ProxyAddr, cfg.ReviewTimeout, cfg.HoldAdvise)
	}
}

func TestLoadBytes_Overrides(t *testing.T) {
	yaml := `
version: 1
settings:
  listen_addr: ":9090"
  store:
    backend: sqlite
    path: /tmp/txguard.db
pipeline:
  budget: "12s"
  attempt_timeout: "3s"
  max_retries: 0
  fork_retries: 5
  block_gas_limit: 60000000
fork:
  backend: fixture
  fixture: testdata/fixtures/safe-swap.yaml
  pool_size: 2
classifier:
  kind: genai
  model: gemini-test
tolerances:
  swap: 2.5
admission:
  secret_scanner: false
  allowed_callers: [wallet-ui]
  rate_limit:
    global_rps: 10
    global_burst: 20
    per_caller_rps: 1
    per_caller_burst: 2
telemetry:
  otlp_endpoint: "localhost:4317"
  sample_ratio: 0.25
proxy:
  target: "http://127.0.0.1:8545"
  chain_id: 8453
  hold_advise: true
  review_timeout: 90s
chains:
  - id: 10
    name: optimism
    native_symbol: ETH
`
	cfg, err := LoadBytes([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen addr = %s", cfg.ListenAddr)
	}
	if cfg.Store.Backend != audit.BackendSQLite || cfg.Store.Path != "/tmp/txguard.db" {
		t.Errorf("unexpected store settings: %+v", cfg.Store)
	}
	if cfg.Budget != 12*time.Second || cfg.AttemptTimeout != 3*time.Second {
		t.Errorf("unexpected durations: budget=%s attempt=%s", cfg.Budget, cfg.AttemptTimeout)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("explicit max_retries 0 should be kept, got %d", cfg.MaxRetries)
	}
	if cfg.ForkRetries != 5 {
		t.Errorf("fork retries = %d", cfg.ForkRetries)
	}
	if cfg.BlockGasLimit != 60_000_000 {
		t.Errorf("block gas limit = %d", cfg.BlockGasLimit)
	}
	if cfg.ForkBackend != ForkFixture || cfg.PoolSize != 2 {
		t.Errorf("unexpected fork: backend=%s pool=%d", cfg.ForkBackend, cfg.PoolSize)
	}
	if cfg.ClassifierKind != ClassifierAI || cfg.ClassifierModel != "gemini-test" {
		t.Errorf("unexpected classifier: %s %s", cfg.ClassifierKind, cfg.ClassifierModel)
	}
	if cfg.Tolerances[api.ActionSwap] != 2.5 {
		t.Errorf("swap tolerance = %v", cfg.Tolerances[api.ActionSwap])
	}
	if cfg.Tolerances[api.ActionTransfer] != 0 {
		t.Errorf("transfer tolerance should keep its default, got %v", cfg.Tolerances[api.ActionTransfer])
	}
	if cfg.Admission.SecretScanner {
		t.Error("expected secret scanner disabled")
	}
	if cfg.Admission.RateLimit == nil || cfg.Admission.RateLimit.PerCallerBurst != 2 {
		t.Errorf("unexpected rate limit: %+v", cfg.Admission.RateLimit)
	}
	if cfg.SampleRatio != 0.25 || cfg.OTLPEndpoint != "localhost:4317" {
		t.Errorf("unexpected telemetry: %s %v", cfg.OTLPEndpoint, cfg.SampleRatio)
	}
	if len(cfg.Chains) != 1 || cfg.Chains[0].ID != 10 {
		t.Errorf("unexpected chains: %+v", cfg.Chains)
	}
	if cfg.ProxyTarget != "http://127.0.0.1:8545" || cfg.ProxyChainID != 8453 || !cfg.HoldAdvise || cfg.ReviewTimeout != 90*time.Second {
		t.Errorf("unexpected proxy: %s %d %v %s", cfg.ProxyTarget, cfg.ProxyChainID, cfg.HoldAdvise, cfg.ReviewTimeout)
	}
}

func TestLoadBytes_InvalidDurationNamesField(t *testing.T) {
	cases := map[string]string{
		"pipeline.budget":       "pipeline:\n  budget: soon\n",
		"pipeline.sign_timeout": "pipeline:\n  sign_timeout: \"-1s\"\n",
		"proxy.review_timeout":  "proxy:\n  review_timeout: later\n",
		"fork.acquire_timeout":  "fork:\n  acquire_timeout: 1x\n",
		"settings.store.ttl":    "settings:\n  store:\n    ttl: forever\n",
	}
	for field, body := range cases {
		_, err := LoadBytes([]byte("version: 1\n" + body))
		if err == nil {
			t.Errorf("%s: expected error", field)
			continue
		}
		if !strings.Contains(err.Error(), field) {
			t.Errorf("%s: error should name the field, got %v", field, err)
		}
	}
}

func TestLoadBytes_Invalid(t *testing.T) {
	cases := map[string]string{
		"version":        "version: 2\n",
		"yaml":           "version: [\n",
		"fork backend":   "version: 1\nfork:\n  backend: hardhat\n",
		"fixture path":   "version: 1\nfork:\n  backend: fixture\n",
		"classifier":     "version: 1\nclassifier:\n  kind: oracle\n",
		"remote signer":  "version: 1\nsigner:\n  kind: remote\n",
		"negative retry": "version: 1\npipeline:\n  max_retries: -1\n",
		"negative tol":   "version: 1\ntolerances:\n  swap: -1\n",
		"gas over block": "version: 1\npipeline:\n  default_gas_limit: 50000000\n",
	}
	for name, body := range cases {
		if _, err := LoadBytes([]byte(body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "txguard.yaml")
	body := "version: 1\nconstraints:\n  rules: [~/rules.yaml]\n  rego: [" + filepath.Join(dir, "p.rego") + "]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path != path {
		t.Errorf("path = %s", cfg.Path)
	}
	files := cfg.ConstraintFiles()
	if len(files) != 2 {
		t.Fatalf("expected 2 constraint files, got %v", files)
	}
	if strings.HasPrefix(files[0], "~") {
		t.Errorf("expected ~ to be expanded, got %s", files[0])
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.File == nil || cfg.File.Version != 1 {
		t.Fatal("expected a version 1 file layout")
	}
	if cfg.SignerTimeout != cfg.SignTimeout {
		t.Errorf("signer timeout should follow the sign timeout, got %s", cfg.SignerTimeout)
	}
	out, err := cfg.MarshalYAML()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "version: 1") {
		t.Errorf("unexpected YAML: %s", out)
	}
}
