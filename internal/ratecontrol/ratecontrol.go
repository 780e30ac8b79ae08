// Package ratecontrol keeps one token-bucket limiter per outbound provider.
package ratecontrol

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

type RateLimit struct {
	RPM   int
	Burst int
}

var builtInProviderLimits = map[string]RateLimit{
	"tavily":    {RPM: 60, Burst: 3},
	"wikipedia": {RPM: 120, Burst: 5},
	"web_fetch": {RPM: 60, Burst: 2},
	"mcp":       {RPM: 60, Burst: 3},
	"groq":      {RPM: 30, Burst: 2},
	"openai":    {RPM: 30, Burst: 2},
	"unknown":   {RPM: 45, Burst: 2},
}

// LimitForProvider returns the override when one is set, else the built-in
// limit. Zero RPM means unlimited.
func LimitForProvider(provider string, overrides map[string]RateLimit) RateLimit {
	key := strings.ToLower(strings.TrimSpace(provider))
	if o, ok := overrides[key]; ok {
		return o
	}
	if l, ok := builtInProviderLimits[key]; ok {
		return l
	}
	return RateLimit{}
}

// CombineLimits picks the stricter positive value of each field.
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{
		RPM:   minPositive(a.RPM, b.RPM),
		Burst: minPositive(a.Burst, b.Burst),
	}
	if limit.RPM == 0 {
		limit.RPM = max(a.RPM, b.RPM)
	}
	if limit.Burst == 0 {
		limit.Burst = max(a.Burst, b.Burst)
	}
	return limit
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}

// Registry lazily creates limiters and shares them across sessions.
type Registry struct {
	mu        sync.Mutex
	overrides map[string]RateLimit
	limiters  map[string]*rate.Limiter
}

func NewRegistry(overrides map[string]RateLimit) *Registry {
	norm := make(map[string]RateLimit, len(overrides))
	for k, v := range overrides {
		norm[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &Registry{overrides: norm, limiters: make(map[string]*rate.Limiter)}
}

// Limiter returns the provider's limiter; unlimited providers get rate.Inf.
func (r *Registry) Limiter(provider string) *rate.Limiter {
	key := strings.ToLower(strings.TrimSpace(provider))
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	limit := LimitForProvider(key, r.overrides)
	var l *rate.Limiter
	if limit.RPM <= 0 {
		l = rate.NewLimiter(rate.Inf, 1)
	} else {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(float64(limit.RPM)/60.0), burst)
	}
	r.limiters[key] = l
	return l
}

// Wait blocks until the provider admits one request or ctx ends.
func (r *Registry) Wait(ctx context.Context, provider string) error {
	if r == nil {
		return nil
	}
	return r.Limiter(provider).Wait(ctx)
}
