// Package config loads the txguard YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/audit"
	"github.com/tkingovr/txguard/internal/filter"
	"github.com/tkingovr/txguard/internal/intent"
)

// File is the on-disk layout of the configuration file.
type File struct {
	Version     int                        `yaml:"version"`
	Settings    SettingsFile               `yaml:"settings"`
	Pipeline    PipelineFile               `yaml:"pipeline"`
	Fork        ForkFile                   `yaml:"fork"`
	Classifier  ClassifierFile             `yaml:"classifier"`
	Tolerances  map[api.ActionKind]float64 `yaml:"tolerances,omitempty"`
	Constraints ConstraintsFile            `yaml:"constraints"`
	Signer      SignerFile                 `yaml:"signer"`
	Admission   AdmissionFile              `yaml:"admission"`
	Telemetry   TelemetryFile              `yaml:"telemetry"`
	Proxy       ProxyFile                  `yaml:"proxy"`
	Chains      []intent.Chain             `yaml:"chains,omitempty"`
}

// SettingsFile holds server and storage settings.
type SettingsFile struct {
	ListenAddr string    `yaml:"listen_addr,omitempty"`
	LogDir     string    `yaml:"log_dir,omitempty"`
	Store      StoreFile `yaml:"store"`
}

// StoreFile selects the transcript store backend.
type StoreFile struct {
	Backend       string `yaml:"backend,omitempty"`
	Path          string `yaml:"path,omitempty"`
	MaxMemory     int    `yaml:"max_memory,omitempty"`
	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty"`
	RedisPrefix   string `yaml:"redis_prefix,omitempty"`
	TTL           string `yaml:"ttl,omitempty"`
}

// PipelineFile bounds a single audit.
type PipelineFile struct {
	Budget          string `yaml:"budget,omitempty"`
	AttemptTimeout  string `yaml:"attempt_timeout,omitempty"`
	SignTimeout     string `yaml:"sign_timeout,omitempty"`
	MaxRetries      *int   `yaml:"max_retries,omitempty"`
	ForkRetries     *int   `yaml:"fork_retries,omitempty"`
	DefaultGasLimit uint64 `yaml:"default_gas_limit,omitempty"`
	BlockGasLimit   uint64 `yaml:"block_gas_limit,omitempty"`
}

// ForkFile configures the fork backend and pool.
type ForkFile struct {
	Backend        string   `yaml:"backend,omitempty"`
	AnvilPath      string   `yaml:"anvil_path,omitempty"`
	ForkURLs       []string `yaml:"fork_urls,omitempty"`
	ExtraArgs      []string `yaml:"extra_args,omitempty"`
	StartupTimeout string   `yaml:"startup_timeout,omitempty"`
	PoolSize       int      `yaml:"pool_size,omitempty"`
	AcquireTimeout string   `yaml:"acquire_timeout,omitempty"`
	Fixture        string   `yaml:"fixture,omitempty"`
}

// ClassifierFile selects the intent classifier.
type ClassifierFile struct {
	Kind      string `yaml:"kind,omitempty"`
	Model     string `yaml:"model,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// ConstraintsFile lists supplementary constraint sources.
type ConstraintsFile struct {
	Rules            []string `yaml:"rules,omitempty"`
	Rego             []string `yaml:"rego,omitempty"`
	CEL              []string `yaml:"cel,omitempty"`
	Watch            bool     `yaml:"watch,omitempty"`
	MaliciousReverts []string `yaml:"malicious_reverts,omitempty"`
}

// SignerFile selects the attestation signer.
type SignerFile struct {
	Kind    string `yaml:"kind,omitempty"`
	KeyFile string `yaml:"key_file,omitempty"`
	URL     string `yaml:"url,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

// AdmissionFile configures the inbound filter chain.
type AdmissionFile struct {
	MaxBodyBytes     int            `yaml:"max_body_bytes,omitempty"`
	SecretScanner    *bool          `yaml:"secret_scanner,omitempty"`
	EntropyThreshold float64        `yaml:"entropy_threshold,omitempty"`
	AllowedCallers   []string       `yaml:"allowed_callers,omitempty"`
	RateLimit        *RateLimitFile `yaml:"rate_limit,omitempty"`
}

// RateLimitFile mirrors filter.RateLimitConfig.
type RateLimitFile struct {
	GlobalRPS      float64 `yaml:"global_rps"`
	GlobalBurst    int     `yaml:"global_burst"`
	PerCallerRPS   float64 `yaml:"per_caller_rps"`
	PerCallerBurst int     `yaml:"per_caller_burst"`
}

// TelemetryFile configures tracing export.
type TelemetryFile struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty"`
	SampleRatio  float64 `yaml:"sample_ratio,omitempty"`
	ServiceName  string  `yaml:"service_name,omitempty"`
}

// ProxyFile configures the JSON-RPC transaction guard.
type ProxyFile struct {
	ListenAddr    string `yaml:"listen_addr,omitempty"`
	Target        string `yaml:"target,omitempty"`
	ChainID       uint64 `yaml:"chain_id,omitempty"`
	HoldAdvise    bool   `yaml:"hold_advise,omitempty"`
	ReviewTimeout string `yaml:"review_timeout,omitempty"`
}

// Config is the runtime configuration for txguard.
type Config struct {
	File *File
	Path string

	ListenAddr string
	LogDir     string
	Store      audit.Settings

	Budget          time.Duration
	AttemptTimeout  time.Duration
	SignTimeout     time.Duration
	MaxRetries      int
	ForkRetries     int
	DefaultGasLimit uint64
	// BlockGasLimit caps the gas a retry may raise a transaction to.
	BlockGasLimit uint64

	ForkBackend    string
	AnvilPath      string
	ForkURLs       []string
	AnvilArgs      []string
	StartupTimeout time.Duration
	PoolSize       int
	AcquireTimeout time.Duration
	FixturePath    string

	ClassifierKind  string
	ClassifierModel string
	APIKeyEnv       string

	Tolerances       intent.Tolerances
	RuleFiles        []string
	RegoFiles        []string
	CELFiles         []string
	WatchConstraints bool
	MaliciousReverts []string

	SignerKind    string
	KeyFile       string
	SignerURL     string
	SignerTimeout time.Duration

	Admission filter.ChainConfig

	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
	ServiceName  string

	ProxyAddr     string
	ProxyTarget   string
	ProxyChainID  uint64
	HoldAdvise    bool
	ReviewTimeout time.Duration

	Chains []intent.Chain
}

// Backend names.
const (
	ForkAnvil      = "anvil"
	ForkFixture    = "fixture"
	ClassifierRule = "rules"
	ClassifierAI   = "genai"
	SignerEd25519  = "ed25519"
	SignerRemote   = "remote"
)

// Load reads a YAML configuration file and produces a runtime Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	f, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg, err := fromFile(f, path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// LoadBytes parses YAML data and produces a runtime Config.
func LoadBytes(data []byte) (*Config, error) {
	f, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg, err := fromFile(f, "")
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported config version %d (expected 1)", f.Version)
	}
	return &f, nil
}

// duration parses a duration field, falling back to def when unset.
func duration(field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", field, value)
	}
	return d, nil
}

func fromFile(f *File, path string) (*Config, error) {
	cfg := &Config{File: f, Path: path}
	var err error

	// Settings
	cfg.ListenAddr = orDefault(f.Settings.ListenAddr, DefaultListenAddr)
	cfg.LogDir = expandHome(orDefault(f.Settings.LogDir, DefaultLogDir()))
	st := f.Settings.Store
	cfg.Store = audit.Settings{
		Backend:       orDefault(st.Backend, audit.BackendJSONL),
		Dir:           cfg.LogDir,
		Path:          expandHome(st.Path),
		MaxMemory:     st.MaxMemory,
		RedisAddr:     st.RedisAddr,
		RedisPassword: st.RedisPassword,
		RedisDB:       st.RedisDB,
		RedisPrefix:   st.RedisPrefix,
	}
	if cfg.Store.MaxMemory == 0 {
		cfg.Store.MaxMemory = DefaultStoreMaxMemory
	}
	if cfg.Store.Backend == audit.BackendSQLite && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.LogDir, "txguard.db")
	}
	if cfg.Store.TTL, err = duration("settings.store.ttl", st.TTL, 0); err != nil {
		return nil, err
	}

	// Pipeline
	p := f.Pipeline
	if cfg.Budget, err = duration("pipeline.budget", p.Budget, DefaultBudget); err != nil {
		return nil, err
	}
	if cfg.AttemptTimeout, err = duration("pipeline.attempt_timeout", p.AttemptTimeout, DefaultAttemptTimeout); err != nil {
		return nil, err
	}
	if cfg.SignTimeout, err = duration("pipeline.sign_timeout", p.SignTimeout, DefaultSignTimeout); err != nil {
		return nil, err
	}
	cfg.MaxRetries = DefaultMaxRetries
	if p.MaxRetries != nil {
		if *p.MaxRetries < 0 {
			return nil, fmt.Errorf("invalid pipeline.max_retries %d: must not be negative", *p.MaxRetries)
		}
		cfg.MaxRetries = *p.MaxRetries
	}
	cfg.ForkRetries = DefaultForkRetries
	if p.ForkRetries != nil {
		if *p.ForkRetries < 0 {
			return nil, fmt.Errorf("invalid pipeline.fork_retries %d: must not be negative", *p.ForkRetries)
		}
		cfg.ForkRetries = *p.ForkRetries
	}
	cfg.DefaultGasLimit = p.DefaultGasLimit
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = DefaultGasLimit
	}
	cfg.BlockGasLimit = p.BlockGasLimit
	if cfg.BlockGasLimit == 0 {
		cfg.BlockGasLimit = DefaultBlockGasLimit
	}
	if cfg.DefaultGasLimit > cfg.BlockGasLimit {
		return nil, fmt.Errorf("invalid pipeline.default_gas_limit %d: exceeds block_gas_limit %d", cfg.DefaultGasLimit, cfg.BlockGasLimit)
	}

	// Fork
	fk := f.Fork
	cfg.ForkBackend = orDefault(fk.Backend, ForkAnvil)
	switch cfg.ForkBackend {
	case ForkAnvil, ForkFixture:
	default:
		return nil, fmt.Errorf("invalid fork.backend %q", fk.Backend)
	}
	cfg.AnvilPath = orDefault(fk.AnvilPath, "anvil")
	cfg.ForkURLs = fk.ForkURLs
	cfg.AnvilArgs = fk.ExtraArgs
	cfg.FixturePath = expandHome(fk.Fixture)
	cfg.PoolSize = fk.PoolSize
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.StartupTimeout, err = duration("fork.startup_timeout", fk.StartupTimeout, DefaultStartupTimeout); err != nil {
		return nil, err
	}
	if cfg.AcquireTimeout, err = duration("fork.acquire_timeout", fk.AcquireTimeout, DefaultAcquireTimeout); err != nil {
		return nil, err
	}
	if cfg.ForkBackend == ForkFixture && cfg.FixturePath == "" {
		return nil, errors.New("fork.fixture is required for the fixture backend")
	}

	// Classifier
	cfg.ClassifierKind = orDefault(f.Classifier.Kind, ClassifierRule)
	switch cfg.ClassifierKind {
	case ClassifierRule, ClassifierAI:
	default:
		return nil, fmt.Errorf("invalid classifier.kind %q", f.Classifier.Kind)
	}
	cfg.ClassifierModel = orDefault(f.Classifier.Model, DefaultClassifierModel)
	cfg.APIKeyEnv = orDefault(f.Classifier.APIKeyEnv, DefaultAPIKeyEnv)

	// Tolerances
	cfg.Tolerances = intent.DefaultTolerances()
	for action, pct := range f.Tolerances {
		if pct < 0 {
			return nil, fmt.Errorf("invalid tolerances.%s %v: must not be negative", action, pct)
		}
		cfg.Tolerances[action] = pct
	}

	// Constraints
	cfg.RuleFiles = expandAll(f.Constraints.Rules)
	cfg.RegoFiles = expandAll(f.Constraints.Rego)
	cfg.CELFiles = expandAll(f.Constraints.CEL)
	cfg.WatchConstraints = f.Constraints.Watch
	cfg.MaliciousReverts = f.Constraints.MaliciousReverts

	// Signer
	cfg.SignerKind = orDefault(f.Signer.Kind, SignerEd25519)
	switch cfg.SignerKind {
	case SignerEd25519:
		cfg.KeyFile = expandHome(orDefault(f.Signer.KeyFile, DefaultKeyFile()))
	case SignerRemote:
		if f.Signer.URL == "" {
			return nil, errors.New("signer.url is required for the remote signer")
		}
		cfg.SignerURL = f.Signer.URL
	default:
		return nil, fmt.Errorf("invalid signer.kind %q", f.Signer.Kind)
	}
	if cfg.SignerTimeout, err = duration("signer.timeout", f.Signer.Timeout, cfg.SignTimeout); err != nil {
		return nil, err
	}

	// Admission
	a := f.Admission
	cfg.Admission = filter.ChainConfig{
		MaxBodyBytes:     a.MaxBodyBytes,
		SecretScanner:    a.SecretScanner == nil || *a.SecretScanner,
		EntropyThreshold: a.EntropyThreshold,
		AllowedCallers:   a.AllowedCallers,
	}
	if cfg.Admission.MaxBodyBytes <= 0 {
		cfg.Admission.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if rl := a.RateLimit; rl != nil {
		cfg.Admission.RateLimit = &filter.RateLimitConfig{
			GlobalRPS:      rl.GlobalRPS,
			GlobalBurst:    rl.GlobalBurst,
			PerCallerRPS:   rl.PerCallerRPS,
			PerCallerBurst: rl.PerCallerBurst,
		}
	}

	// Telemetry
	cfg.OTLPEndpoint = f.Telemetry.OTLPEndpoint
	cfg.OTLPInsecure = f.Telemetry.Insecure
	cfg.SampleRatio = f.Telemetry.SampleRatio
	if cfg.SampleRatio == 0 {
		cfg.SampleRatio = 1
	}
	cfg.ServiceName = orDefault(f.Telemetry.ServiceName, DefaultServiceName)

	// Proxy
	cfg.ProxyAddr = orDefault(f.Proxy.ListenAddr, DefaultProxyAddr)
	cfg.ProxyTarget = f.Proxy.Target
	cfg.ProxyChainID = f.Proxy.ChainID
	cfg.HoldAdvise = f.Proxy.HoldAdvise
	if cfg.ReviewTimeout, err = duration("proxy.review_timeout", f.Proxy.ReviewTimeout, DefaultReviewTimeout); err != nil {
		return nil, err
	}

	cfg.Chains = f.Chains
	if len(cfg.Chains) == 0 {
		cfg.Chains = intent.DefaultChains()
	}
	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func expandAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = expandHome(p)
	}
	return out
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfig returns a config with defaults for when no config file is given.
func DefaultConfig() *Config {
	cfg, err := fromFile(&File{Version: 1}, "")
	if err != nil {
		panic(err)
	}
	return cfg
}

// ConstraintFiles returns every supplementary constraint file, for watching.
func (c *Config) ConstraintFiles() []string {
	out := make([]string, 0, len(c.RuleFiles)+len(c.RegoFiles)+len(c.CELFiles))
	out = append(out, c.RuleFiles...)
	out = append(out, c.RegoFiles...)
	return append(out, c.CELFiles...)
}

// MarshalYAML serializes the file layout for display/export.
func (c *Config) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(c.File)
}
