package mirror

import (
	"fmt"
	"time"
)

// ScopeMode selects how the crawl boundary is computed.
type ScopeMode string

// Scope modes.
const (
	ScopeSameHost ScopeMode = "same-host"
	ScopePrefix   ScopeMode = "prefix"
	ScopePattern  ScopeMode = "pattern"
)

// RenderMode selects when the headless browser is used.
type RenderMode string

// Render modes.
const (
	RenderOff    RenderMode = "off"
	RenderAuto   RenderMode = "auto"
	RenderAlways RenderMode = "always"
)

// SettleMode selects how a rendered fetch decides the page has settled.
type SettleMode string

// Settle modes.
const (
	SettleDelay       SettleMode = "delay"
	SettleNetworkIdle SettleMode = "network-idle"
)

// ContentTypeFilter restricts which media types are persisted. Entries match
// an exact media type ("text/html") or a family ("image/*"). An empty allow
// list admits everything not denied; deny wins over allow.
type ContentTypeFilter struct {
	Allow []string
	Deny  []string
}

// RenderSettle configures the wait applied after navigation before the DOM
// snapshot is taken.
type RenderSettle struct {
	Mode  SettleMode
	Delay time.Duration
}

// JobRules is the validated, immutable description of one crawl job. The
// engine treats a JobRules value as read-only for the lifetime of the run.
type JobRules struct {
	Seeds             []string
	ScopeMode         ScopeMode
	ScopeValue        string
	MaxDepth          int
	MaxResources      int           // 0 = unlimited
	MaxDuration       time.Duration // 0 = unlimited
	Concurrency       int
	RenderConcurrency int
	RateLimitPerHost  float64 // requests per second, per host
	RetryLimit        int     // retries after the first attempt
	ContentTypes      ContentTypeFilter
	OutputRoot        string
	StrictOfflineMode bool

	UserAgent      string
	RespectRobots  bool
	SitemapSeeding bool
	RenderMode     RenderMode
	RenderSettle   RenderSettle
	MaxRedirects   int
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	SortQuery      bool
	StatusAddr     string // optional metrics/health listener during the crawl
}

// Validate checks for configuration the engine cannot run with. Every
// violation wraps ErrInvalidJobConfiguration.
func (r JobRules) Validate() error {
	if len(r.Seeds) == 0 {
		return invalidf("seeds must include at least one URL")
	}
	switch r.ScopeMode {
	case ScopeSameHost:
	case ScopePrefix, ScopePattern:
		if r.ScopeValue == "" {
			return invalidf("scope.value must be set for mode %q", r.ScopeMode)
		}
	default:
		return invalidf("scope.mode %q is not one of same-host, prefix, pattern", r.ScopeMode)
	}
	if r.MaxDepth < 0 {
		return invalidf("maxDepth must be >= 0")
	}
	if r.MaxResources < 0 {
		return invalidf("maxResources must be >= 0")
	}
	if r.MaxDuration < 0 {
		return invalidf("maxDuration must be >= 0")
	}
	if r.Concurrency <= 0 {
		return invalidf("concurrency must be > 0")
	}
	if r.RateLimitPerHost <= 0 {
		return invalidf("rateLimitPerHost must be > 0")
	}
	if r.RetryLimit < 0 {
		return invalidf("retryLimit must be >= 0")
	}
	if r.OutputRoot == "" {
		return invalidf("outputRoot must be set")
	}
	if r.UserAgent == "" {
		return invalidf("userAgent must be set")
	}
	switch r.RenderMode {
	case RenderOff:
	case RenderAuto, RenderAlways:
		if r.RenderConcurrency <= 0 {
			return invalidf("renderConcurrency must be > 0 when renderMode is %q", r.RenderMode)
		}
	default:
		return invalidf("renderMode %q is not one of off, auto, always", r.RenderMode)
	}
	switch r.RenderSettle.Mode {
	case SettleDelay, SettleNetworkIdle:
	default:
		return invalidf("renderSettle.mode %q is not one of delay, network-idle", r.RenderSettle.Mode)
	}
	if r.RenderSettle.Delay < 0 {
		return invalidf("renderSettle.delay must be >= 0")
	}
	if r.MaxRedirects <= 0 {
		return invalidf("maxRedirects must be > 0")
	}
	if r.RequestTimeout <= 0 {
		return invalidf("requestTimeout must be > 0")
	}
	if r.MaxBodyBytes <= 0 {
		return invalidf("maxBodyBytes must be > 0")
	}
	return nil
}

// RenderEnabled reports whether any fetch may use the browser.
func (r JobRules) RenderEnabled() bool {
	return r.RenderMode == RenderAuto || r.RenderMode == RenderAlways
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidJobConfiguration, fmt.Sprintf(format, args...))
}
