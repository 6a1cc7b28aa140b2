package config

import "time"

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultBudget          = 8 * time.Second
	DefaultAttemptTimeout  = 5 * time.Second
	DefaultSignTimeout     = 2 * time.Second
	DefaultMaxRetries      = 3
	DefaultForkRetries     = 2
	DefaultGasLimit        = 30_000_000
	DefaultBlockGasLimit   = 45_000_000
	DefaultPoolSize        = 4
	DefaultAcquireTimeout  = time.Second
	DefaultStartupTimeout  = 10 * time.Second
	DefaultMaxBodyBytes    = 1 << 20
	DefaultStoreMaxMemory  = 10000
	DefaultClassifierModel = "gemini-2.0-flash"
	DefaultAPIKeyEnv       = "GEMINI_API_KEY"
	DefaultServiceName     = "txguard"
	DefaultProxyAddr       = "127.0.0.1:8546"
	DefaultReviewTimeout   = 5 * time.Minute
)

// DefaultLogDir returns the default record directory path.
func DefaultLogDir() string {
	return "~/.txguard/records"
}

// DefaultKeyFile returns the default signing key path.
func DefaultKeyFile() string {
	return "~/.txguard/signer.key"
}
