package mirror

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for per-URL failures, plus the two fatal pre-crawl
// conditions (invalid configuration, no usable seeds).
var (
	ErrMalformedURL            = errors.New("malformed url")
	ErrTooManyRedirects        = errors.New("too many redirects")
	ErrRenderTimeout           = errors.New("render timeout")
	ErrUnsupportedContentType  = errors.New("unsupported content type")
	ErrInvalidJobConfiguration = errors.New("invalid job configuration")
	ErrNoResolvableSeeds       = errors.New("no seed could be canonicalized")
)

// NetworkError wraps transport-level failures: DNS, connect, TLS, timeouts.
// Always retryable.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError reports a non-success status from the origin. The response
// completed, so only statuses that signal a transient origin condition
// (429, 5xx) are retryable.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d %s", e.Status, http.StatusText(e.Status))
}

// Retryable classifies a fetch error: transport failures, render timeouts,
// 429, and 5xx are worth another attempt; everything else fails fast.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusTooManyRequests || httpErr.Status >= 500
	}
	return errors.Is(err, ErrRenderTimeout)
}
