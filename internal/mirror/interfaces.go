package mirror

import (
	"context"
	"time"
)

// Fetcher retrieves one resource. Implementations map transport and origin
// failures onto the taxonomy in errors.go.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// RenderFetcher is a Fetcher backed by a browser session pool that must be
// released on shutdown.
type RenderFetcher interface {
	Fetcher
	Close(ctx context.Context) error
}

// Detector decides whether a plain fetch result warrants a rendered retry.
type Detector interface {
	NeedsRender(res FetchResult) bool
}

// RobotsPolicy answers robots.txt admission for a canonical URL. Lookups
// that fail (unreachable robots.txt, parse errors) answer true.
type RobotsPolicy interface {
	Allowed(ctx context.Context, u CanonicalURL) bool
}

// RetryPolicy classifies fetch errors and spaces attempts. Attempt counts
// the retries already made, so the first retry asks ShouldRetry(err, 1).
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}
