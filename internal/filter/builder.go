package filter

import (
	"log/slog"
)

// ChainConfig holds the configuration for building the admission chain.
type ChainConfig struct {
	Logger           *slog.Logger
	MaxBodyBytes     int
	ChainSupported   func(chainID uint64) bool
	SecretScanner    bool
	EntropyThreshold float64
	AllowedCallers   []string
	RateLimit        *RateLimitConfig
}

// BuildAdmissionChain constructs the inbound filter chain:
// parse, secret scanner, caller allow-list, rate limit.
func BuildAdmissionChain(cfg ChainConfig) (*Chain, error) {
	parse, err := NewParseFilter(cfg.MaxBodyBytes, cfg.ChainSupported)
	if err != nil {
		return nil, err
	}
	filters := []Filter{parse}

	if cfg.SecretScanner {
		opts := []SecretScannerOption{}
		if cfg.EntropyThreshold > 0 {
			opts = append(opts, WithEntropyThreshold(cfg.EntropyThreshold))
		}
		filters = append(filters, NewSecretScannerFilter(opts...))
	}

	if len(cfg.AllowedCallers) > 0 {
		filters = append(filters, NewCallerFilter(cfg.AllowedCallers))
	}

	// Rate limit last, so rejected requests do not consume tokens
	if cfg.RateLimit != nil {
		filters = append(filters, NewRateLimitFilter(*cfg.RateLimit))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return NewChain(logger, filters...), nil
}
