package engine

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/stillweb/stillweb/internal/mirror"
)

const (
	defaultRetryBase = 250 * time.Millisecond
	defaultRetryMax  = 5 * time.Second
)

// ExponentialRetry implements mirror.RetryPolicy with jittered exponential
// backoff. Only errors the taxonomy marks retryable get another attempt.
type ExponentialRetry struct {
	limit     int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialRetry allows up to limit retries after the first attempt.
// Non-positive delays fall back to 250ms base and 5s cap.
func NewExponentialRetry(limit int, base, max time.Duration) *ExponentialRetry {
	if base <= 0 {
		base = defaultRetryBase
	}
	if max <= 0 {
		max = defaultRetryMax
	}
	return &ExponentialRetry{limit: limit, baseDelay: base, maxDelay: max}
}

// ShouldRetry reports whether retry number attempt may proceed after err.
func (p *ExponentialRetry) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt > p.limit {
		return false
	}
	return mirror.Retryable(err)
}

// Backoff returns the wait before retry number attempt. The delay doubles
// per retry up to the cap, and half of it is re-drawn as random jitter so
// workers hitting the same host spread out.
func (p *ExponentialRetry) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
