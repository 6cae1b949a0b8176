package extract

import (
	"fmt"
	"regexp"
	"strings"
)

// url(...) in any of its three quoting forms, and the quoted-string form of
// @import. The url() form of @import is caught by the first pattern.
var (
	cssURLPattern    = regexp.MustCompile(`url\(\s*(?:'([^']*)'|"([^"]*)"|([^'")\s][^)\s]*))\s*\)`)
	cssImportPattern = regexp.MustCompile(`@import\s+(?:'([^']+)'|"([^"]+)")`)
)

// CSSRefs scans a style sheet (or style block) for url() and @import
// references, each retained once.
func CSSRefs(body []byte) []string {
	var refs []string
	seen := make(map[string]struct{})
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if skippable(raw) {
			return
		}
		if _, ok := seen[raw]; ok {
			return
		}
		seen[raw] = struct{}{}
		refs = append(refs, raw)
	}
	for _, m := range cssURLPattern.FindAllSubmatch(body, -1) {
		add(submatchValue(m))
	}
	for _, m := range cssImportPattern.FindAllSubmatch(body, -1) {
		add(submatchValue(m))
	}
	return refs
}

// ReplaceCSSRefs rewrites every url() and quoted @import reference through
// repl. References repl declines (ok == false) are left untouched.
func ReplaceCSSRefs(body []byte, repl func(ref string) (string, bool)) []byte {
	out := cssURLPattern.ReplaceAllFunc(body, func(m []byte) []byte {
		ref := strings.TrimSpace(submatchValue(cssURLPattern.FindSubmatch(m)))
		if newRef, ok := repl(ref); ok {
			return []byte(fmt.Sprintf("url(%q)", newRef))
		}
		return m
	})
	out = cssImportPattern.ReplaceAllFunc(out, func(m []byte) []byte {
		ref := strings.TrimSpace(submatchValue(cssImportPattern.FindSubmatch(m)))
		if newRef, ok := repl(ref); ok {
			return []byte(fmt.Sprintf("@import %q", newRef))
		}
		return m
	})
	return out
}

// submatchValue returns the first participating capture group.
func submatchValue(m [][]byte) string {
	for _, group := range m[1:] {
		if group != nil {
			return string(group)
		}
	}
	return ""
}
