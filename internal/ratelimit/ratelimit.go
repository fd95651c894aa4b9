// Package ratelimit provides a per-principal token-bucket limiter guarding
// the kernel's write path against a single noisy principal starving a
// notebook's job queue or entry store.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config controls the token bucket shared by every principal.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns a permissive bucket suitable for interactive use.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 20, Burst: 40}
}

// Limiter tracks one rate.Limiter per principal, created lazily on first
// use and never evicted (bounded in practice by the number of distinct
// principals, which is small relative to entries/jobs).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	cfg     Config
}

// New constructs a Limiter. A zero-value RequestsPerSecond disables limiting
// entirely (Allow always returns true), matching the unconfigured default.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond > 0 && cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
	}
	return &Limiter{buckets: make(map[string]*rate.Limiter), cfg: cfg}
}

// Allow reports whether principalID may proceed now, consuming one token if
// so.
func (l *Limiter) Allow(principalID string) bool {
	if l == nil || l.cfg.RequestsPerSecond <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[principalID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
		l.buckets[principalID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Reset drops principalID's bucket, restoring a full burst on next use.
func (l *Limiter) Reset(principalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, principalID)
}
