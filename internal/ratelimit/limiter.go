// Package ratelimit implements the per-host token bucket gate applied before
// every fetch.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stillweb/stillweb/internal/mirror"
)

// Limiter manages one token bucket per host. Hosts are created lazily on
// first Wait and share the configured rate.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int

	// OnDelay, when set, observes waits the limiter actually imposed.
	OnDelay func(host string, delay time.Duration)
}

// Config holds limiter settings. RPS <= 0 disables limiting.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   limit,
		burst:   burst,
	}
}

// Wait blocks until the bucket for u's host releases a token, or ctx ends.
// Tokens are per host, so a slow host never stalls fetches elsewhere.
func (l *Limiter) Wait(ctx context.Context, u mirror.CanonicalURL) error {
	host := u.Host()
	if host == "" {
		host = "unknown"
	}

	l.mu.Lock()
	bucket, ok := l.buckets[host]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[host] = bucket
	}
	l.mu.Unlock()

	start := time.Now()
	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if delay := time.Since(start); delay > time.Millisecond && l.OnDelay != nil {
		l.OnDelay(host, delay)
	}
	return nil
}
