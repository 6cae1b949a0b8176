// Package mirror defines the core types shared by the crawl engine and its
// collaborators: canonical URLs, frontier entries, fetch results, stored
// resources, and the terminal outcome recorded for every discovered URL.
package mirror

import (
	"net/url"
	"time"
)

// CanonicalURL is the normalized absolute form of a URL. Deduplication,
// outcome bookkeeping, and storage paths all key on this form. Values are
// produced by the canonical package; the zero value means "no URL".
type CanonicalURL string

// String returns the canonical text form.
func (c CanonicalURL) String() string { return string(c) }

// IsZero reports whether the canonical URL is unset.
func (c CanonicalURL) IsZero() bool { return c == "" }

// Parse re-parses the canonical form. Canonical URLs originate from
// url.Parse output, so an error here indicates corruption upstream.
func (c CanonicalURL) Parse() (*url.URL, error) {
	u, err := url.Parse(string(c))
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Host returns the host component, or "" when the value is unparseable.
func (c CanonicalURL) Host() string {
	u, err := url.Parse(string(c))
	if err != nil {
		return ""
	}
	return u.Host
}

// FrontierEntry is one unit of crawl work: a canonical URL plus the depth at
// which it was discovered. Seeds enter at depth 0.
type FrontierEntry struct {
	URL    CanonicalURL
	Depth  int
	Parent CanonicalURL
}

// FetchRequest carries everything a Fetcher needs to retrieve one resource.
type FetchRequest struct {
	URL   CanonicalURL
	Depth int
	// Settle overrides the configured settle delay for rendered fetches.
	// Zero means use the fetcher default. Plain fetchers ignore it.
	Settle time.Duration
}

// FetchResult is the payload and metadata of a completed fetch.
type FetchResult struct {
	URL         CanonicalURL
	FinalURL    string // after redirects, as reported by the transport
	StatusCode  int
	ContentType string // normalized media type, e.g. "text/html"
	Body        []byte
	Refs        []string // outbound references in document order, raw
	Rendered    bool
	Duration    time.Duration
}

// StoredResource records one persisted resource. Records are immutable: the
// link rewrite pass updates file bytes in place but never the record, so
// ContentHash always reflects the payload as fetched.
type StoredResource struct {
	URL         CanonicalURL `json:"url"`
	LocalPath   string       `json:"local_path"`
	ContentHash string       `json:"content_hash"`
	ContentType string       `json:"content_type"`
	Size        int64        `json:"size"`
	FetchedAt   time.Time    `json:"fetched_at"`
}

// State is the lifecycle state of a discovered URL.
type State string

// Lifecycle states. Stored, Skipped, and Failed are terminal and never
// transition further.
const (
	StateQueued   State = "queued"
	StateInFlight State = "in-flight"
	StateStored   State = "stored"
	StateSkipped  State = "skipped"
	StateFailed   State = "failed"
)

// Reasons recorded on Skipped outcomes.
const (
	SkipOutOfScope         = "out-of-scope"
	SkipBudgetExhausted    = "budget-exhausted"
	SkipUnsupportedContent = "unsupported-content-type"
	SkipRobotsDisallowed   = "robots-disallowed"
	SkipCanceled           = "canceled"
)

// Outcome is the terminal bookkeeping entry for one canonical URL.
type Outcome struct {
	URL      CanonicalURL `json:"url"`
	State    State        `json:"state"`
	Reason   string       `json:"reason,omitempty"`
	Attempts int          `json:"attempts,omitempty"`
}

// Terminal reports whether the state is final.
func (o Outcome) Terminal() bool {
	switch o.State {
	case StateStored, StateSkipped, StateFailed:
		return true
	default:
		return false
	}
}

// FailureDetail pairs a failed URL with its final error text.
type FailureDetail struct {
	URL    CanonicalURL `json:"url"`
	Reason string       `json:"reason"`
}

// Summary is the run report produced when a crawl completes. Counts cover
// every URL that received a terminal outcome; Rewritten counts documents the
// offline link pass changed on disk.
type Summary struct {
	RunID     string          `json:"run_id"`
	Stored    int             `json:"stored"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Rewritten int             `json:"rewritten"`
	Failures  []FailureDetail `json:"failures,omitempty"`
	Duration  time.Duration   `json:"duration"`
}
