package fetch

import (
	"strings"

	"github.com/stillweb/stillweb/internal/mirror"
)

// TypeFilter decides which media types a crawl is willing to download.
// Deny rules win over allow rules, and an empty allow list admits
// everything not denied.
type TypeFilter struct {
	allow []string
	deny  []string
}

func NewTypeFilter(rules mirror.ContentTypeFilter) *TypeFilter {
	return &TypeFilter{
		allow: normalizePatterns(rules.Allow),
		deny:  normalizePatterns(rules.Deny),
	}
}

func (f *TypeFilter) Allowed(mediaType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if matchAny(f.deny, mt) {
		return false
	}
	if len(f.allow) == 0 {
		return true
	}
	return matchAny(f.allow, mt)
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func matchAny(patterns []string, mediaType string) bool {
	for _, p := range patterns {
		switch {
		case p == "*" || p == "*/*":
			return true
		case strings.HasSuffix(p, "/*"):
			if strings.HasPrefix(mediaType, p[:len(p)-1]) {
				return true
			}
		case p == mediaType:
			return true
		}
	}
	return false
}
