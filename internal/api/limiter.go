package api

import (
	"sync"

	"sheetmailer/internal/config"

	"golang.org/x/time/rate"
)

const defaultBurst = 5

// RateLimiter hands out one token bucket per client key. The HTTP and gRPC
// layers share one instance so a key has a single budget across both.
type RateLimiter struct {
	limiters sync.Map
	rps      float64
	burst    int
}

func NewRateLimiter(cfg config.APIRateLimitConfig) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &RateLimiter{rps: cfg.RPS, burst: burst}
}

func (l *RateLimiter) enabled() bool {
	return l != nil && l.rps > 0
}

// allow reports whether key may make another request now.
func (l *RateLimiter) allow(key string) bool {
	if !l.enabled() {
		return true
	}
	return l.getLimiter(key).Allow()
}

func (l *RateLimiter) getLimiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		if lim, ok := v.(*rate.Limiter); ok {
			return lim
		}
	}

	lim := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	actual, loaded := l.limiters.LoadOrStore(key, lim)
	if loaded {
		if actualLim, ok := actual.(*rate.Limiter); ok {
			return actualLim
		}
	}
	return lim
}
