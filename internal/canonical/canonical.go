// Package canonical normalizes URLs into the single form the engine keys on,
// and compiles the crawl-scope predicate.
package canonical

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/stillweb/stillweb/internal/mirror"
)

// Options tune normalization.
type Options struct {
	// SortQuery rewrites the query string with keys in sorted order so that
	// ?b=2&a=1 and ?a=1&b=2 collapse to one canonical form.
	SortQuery bool
}

// Resolve canonicalizes raw against an optional base, usually the URL of the
// page the reference appeared on. A nil base treats raw as absolute.
//
// The canonical form lowercases scheme and host, strips default ports,
// removes the fragment, and normalizes an empty path to "/". Anything that
// does not yield an absolute http(s) URL maps to ErrMalformedURL.
func Resolve(raw string, base *url.URL, opts Options) (mirror.CanonicalURL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty reference", mirror.ErrMalformedURL)
	}
	ref, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", mirror.ErrMalformedURL, raw)
	}
	u := ref
	if base != nil {
		u = base.ResolveReference(ref)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: scheme %q in %q", mirror.ErrMalformedURL, u.Scheme, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", mirror.ErrMalformedURL, raw)
	}
	normalize(u, opts)
	return mirror.CanonicalURL(u.String()), nil
}

// Canonicalize is Resolve without a base, for seeds and operator input.
func Canonicalize(raw string, opts Options) (mirror.CanonicalURL, error) {
	return Resolve(raw, nil, opts)
}

func normalize(u *url.URL, opts Options) {
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch u.Scheme {
	case "http":
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case "https":
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	if opts.SortQuery && u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
}
