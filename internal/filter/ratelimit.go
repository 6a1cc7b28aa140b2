package filter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

const maxTrackedCallers = 10000

// RateLimitConfig defines rate limiting rules. A zero RPS disables that
// limiter.
type RateLimitConfig struct {
	GlobalRPS      float64
	GlobalBurst    int
	PerCallerRPS   float64
	PerCallerBurst int
}

// RateLimitFilter enforces a global token bucket and one bucket per caller.
type RateLimitFilter struct {
	config  RateLimitConfig
	global  *rate.Limiter
	mu      sync.Mutex
	callers map[string]*rate.Limiter
}

// NewRateLimitFilter creates a new rate limit filter.
func NewRateLimitFilter(config RateLimitConfig) *RateLimitFilter {
	f := &RateLimitFilter{
		config:  config,
		callers: make(map[string]*rate.Limiter),
	}
	if config.GlobalRPS > 0 {
		f.global = rate.NewLimiter(rate.Limit(config.GlobalRPS), max(config.GlobalBurst, 1))
	}
	return f
}

func (f *RateLimitFilter) Name() string { return "rate_limit" }

func (f *RateLimitFilter) Process(_ context.Context, fc *FilterContext) error {
	if l := f.callerLimiter(fc.CallerKey); l != nil && !l.Allow() {
		fc.reject(CodeRateLimited, "rate_limit:caller",
			fmt.Sprintf("rate limit exceeded for caller %q: %g/s", fc.CallerKey, f.config.PerCallerRPS))
		return nil
	}
	if f.global != nil && !f.global.Allow() {
		fc.reject(CodeRateLimited, "rate_limit:global",
			fmt.Sprintf("global rate limit exceeded: %g/s", f.config.GlobalRPS))
		return nil
	}
	return nil
}

func (f *RateLimitFilter) callerLimiter(key string) *rate.Limiter {
	if f.config.PerCallerRPS <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.callers[key]
	if !ok {
		if len(f.callers) >= maxTrackedCallers {
			f.callers = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rate.Limit(f.config.PerCallerRPS), max(f.config.PerCallerBurst, 1))
		f.callers[key] = l
	}
	return l
}

// Reset clears all per-caller limiters (useful for testing).
func (f *RateLimitFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callers = make(map[string]*rate.Limiter)
}
