package filter

import (
	"context"
	"fmt"
)

// CallerFilter admits only listed callers. An empty list admits everyone.
type CallerFilter struct {
	allowed map[string]bool
}

func NewCallerFilter(allowed []string) *CallerFilter {
	f := &CallerFilter{allowed: make(map[string]bool, len(allowed))}
	for _, id := range allowed {
		f.allowed[id] = true
	}
	return f
}

func (f *CallerFilter) Name() string { return "caller" }

func (f *CallerFilter) Process(_ context.Context, fc *FilterContext) error {
	if len(f.allowed) == 0 || f.allowed[fc.CallerKey] {
		return nil
	}
	key := fc.CallerKey
	if key == "" {
		key = "(anonymous)"
	}
	fc.reject(CodeCallerForbidden, "caller:allowlist", fmt.Sprintf("caller %s is not allowed", key))
	return nil
}
