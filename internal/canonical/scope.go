package canonical

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/stillweb/stillweb/internal/mirror"
)

// Scope is the compiled crawl boundary. It is immutable after construction
// and safe for concurrent use.
type Scope struct {
	mode    mirror.ScopeMode
	hosts   map[string]struct{}
	prefix  string
	pattern glob.Glob
}

// NewScope compiles the scope rule from the job. For same-host mode the
// allowed hosts come from the canonicalized seeds unless scope.value pins a
// single host. Prefix mode matches the canonical URL string, so a trailing
// slash in scope.value controls the segment boundary. Pattern mode compiles
// scope.value as a glob over the full canonical URL, with * spanning
// separators.
func NewScope(rules mirror.JobRules, seeds []mirror.CanonicalURL) (*Scope, error) {
	s := &Scope{mode: rules.ScopeMode}
	switch rules.ScopeMode {
	case mirror.ScopeSameHost:
		s.hosts = make(map[string]struct{}, len(seeds))
		if rules.ScopeValue != "" {
			s.hosts[strings.ToLower(rules.ScopeValue)] = struct{}{}
			return s, nil
		}
		for _, seed := range seeds {
			if h := seed.Host(); h != "" {
				s.hosts[h] = struct{}{}
			}
		}
		if len(s.hosts) == 0 {
			return nil, fmt.Errorf("%w: same-host scope needs at least one seed host", mirror.ErrInvalidJobConfiguration)
		}
	case mirror.ScopePrefix:
		canon, err := Canonicalize(rules.ScopeValue, Options{SortQuery: rules.SortQuery})
		if err != nil {
			return nil, fmt.Errorf("%w: scope.value %q is not a valid URL prefix", mirror.ErrInvalidJobConfiguration, rules.ScopeValue)
		}
		s.prefix = canon.String()
	case mirror.ScopePattern:
		g, err := glob.Compile(rules.ScopeValue)
		if err != nil {
			return nil, fmt.Errorf("%w: scope.value pattern: %v", mirror.ErrInvalidJobConfiguration, err)
		}
		s.pattern = g
	default:
		return nil, fmt.Errorf("%w: scope.mode %q", mirror.ErrInvalidJobConfiguration, rules.ScopeMode)
	}
	return s, nil
}

// Allows reports whether u is inside the crawl boundary.
func (s *Scope) Allows(u mirror.CanonicalURL) bool {
	switch s.mode {
	case mirror.ScopeSameHost:
		_, ok := s.hosts[u.Host()]
		return ok
	case mirror.ScopePrefix:
		return strings.HasPrefix(u.String(), s.prefix)
	case mirror.ScopePattern:
		return s.pattern.Match(u.String())
	default:
		return false
	}
}
