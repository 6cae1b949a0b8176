// Package rewrite performs the offline link pass. It runs strictly after
// the fetch phase drains, so every reference it resolves is checked against
// a final outcome: stored targets become relative local paths, everything
// else stays a live absolute URL or, in strict offline mode, a dead
// placeholder.
package rewrite

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/stillweb/stillweb/internal/canonical"
	"github.com/stillweb/stillweb/internal/extract"
	"github.com/stillweb/stillweb/internal/mirror"
)

// Placeholder replaces unmirrored references in strict offline mode.
const Placeholder = "about:blank"

// TargetFunc answers whether a canonical URL ended the crawl stored, and at
// which local path.
type TargetFunc func(u mirror.CanonicalURL) (string, bool)

// Rewritable reports whether a stored media type participates in the pass.
func Rewritable(mediaType string) bool {
	switch mediaType {
	case "text/html", "application/xhtml+xml", "text/css":
		return true
	default:
		return false
	}
}

// Rewriter rewrites references in stored documents.
type Rewriter struct {
	target TargetFunc
	opts   canonical.Options
	strict bool
	logger *zap.Logger
}

// New builds a Rewriter. target must reflect final outcomes only.
func New(target TargetFunc, opts canonical.Options, strict bool, logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rewriter{target: target, opts: opts, strict: strict, logger: logger}
}

// Document rewrites one stored resource, dispatching on its media type.
// The returned flag reports whether the output differs from the input.
func (r *Rewriter) Document(res mirror.StoredResource, body []byte) ([]byte, bool, error) {
	pageURL, err := res.URL.Parse()
	if err != nil {
		return body, false, fmt.Errorf("parse resource url %q: %w", res.URL, err)
	}
	switch res.ContentType {
	case "text/html", "application/xhtml+xml":
		return r.html(body, pageURL, res.LocalPath)
	case "text/css":
		out, changed := r.css(body, pageURL, res.LocalPath)
		return out, changed, nil
	default:
		return body, false, nil
	}
}

func (r *Rewriter) html(body []byte, pageURL *url.URL, pagePath string) ([]byte, bool, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return body, false, fmt.Errorf("parse stored html: %w", err)
	}

	changed := false
	rewriteAttr := func(sel *goquery.Selection, attr string) {
		v, ok := sel.Attr(attr)
		if !ok {
			return
		}
		if nv, ok := r.resolveLink(v, pageURL, pagePath); ok && nv != v {
			sel.SetAttr(attr, nv)
			changed = true
		}
	}

	doc.Find("[href],[src],[poster],object[data]").Each(func(_ int, sel *goquery.Selection) {
		rewriteAttr(sel, "href")
		rewriteAttr(sel, "src")
		rewriteAttr(sel, "poster")
		if goquery.NodeName(sel) == "object" {
			rewriteAttr(sel, "data")
		}
	})
	doc.Find("[srcset]").Each(func(_ int, sel *goquery.Selection) {
		v, _ := sel.Attr("srcset")
		if nv, ok := r.rewriteSrcset(v, pageURL, pagePath); ok {
			sel.SetAttr("srcset", nv)
			changed = true
		}
	})
	doc.Find("style").Each(func(_ int, sel *goquery.Selection) {
		out, cssChanged := r.css([]byte(sel.Text()), pageURL, pagePath)
		if cssChanged {
			sel.SetText(string(out))
			changed = true
		}
	})

	if !changed {
		return body, false, nil
	}
	out, err := doc.Html()
	if err != nil {
		return body, false, fmt.Errorf("serialize rewritten html: %w", err)
	}
	return []byte(out), true, nil
}

func (r *Rewriter) css(body []byte, pageURL *url.URL, pagePath string) ([]byte, bool) {
	out := extract.ReplaceCSSRefs(body, func(ref string) (string, bool) {
		return r.resolveRef(ref, pageURL, pagePath)
	})
	return out, !bytes.Equal(out, body)
}

func (r *Rewriter) rewriteSrcset(srcset string, pageURL *url.URL, pagePath string) (string, bool) {
	changed := false
	var candidates []string
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(candidate)
		if len(fields) == 0 {
			continue
		}
		if nv, ok := r.resolveRef(fields[0], pageURL, pagePath); ok && nv != fields[0] {
			fields[0] = nv
			changed = true
		}
		candidates = append(candidates, strings.Join(fields, " "))
	}
	if !changed {
		return "", false
	}
	return strings.Join(candidates, ", "), true
}

// resolveLink handles a navigational reference, carrying any fragment over
// to the rewritten form so in-page anchors keep working locally.
func (r *Rewriter) resolveLink(raw string, pageURL *url.URL, pagePath string) (string, bool) {
	base, frag := splitFragment(raw)
	if base == "" {
		return "", false
	}
	nv, ok := r.resolveRef(base, pageURL, pagePath)
	if !ok {
		return "", false
	}
	if nv == Placeholder {
		return nv, true
	}
	return nv + frag, true
}

// resolveRef maps one reference to its rewritten form. Unresolvable input
// is declined and left exactly as authored.
func (r *Rewriter) resolveRef(raw string, pageURL *url.URL, pagePath string) (string, bool) {
	canon, err := canonical.Resolve(raw, pageURL, r.opts)
	if err != nil {
		return "", false
	}
	if local, ok := r.target(canon); ok {
		return relativePath(pagePath, local), true
	}
	if r.strict {
		return Placeholder, true
	}
	return canon.String(), true
}

func splitFragment(raw string) (string, string) {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i], raw[i:]
	}
	return raw, ""
}

// relativePath computes the relative URL path from one stored file to
// another. Both paths are slash-separated and relative to the output root.
func relativePath(fromFile, toFile string) string {
	fromDir := path.Dir(fromFile)
	if fromDir == "." {
		return toFile
	}
	fromParts := strings.Split(fromDir, "/")
	toParts := strings.Split(toFile, "/")
	common := 0
	for common < len(fromParts) && common < len(toParts)-1 && fromParts[common] == toParts[common] {
		common++
	}
	parts := make([]string, 0, len(fromParts)-common+len(toParts)-common)
	for i := common; i < len(fromParts); i++ {
		parts = append(parts, "..")
	}
	parts = append(parts, toParts[common:]...)
	return path.Join(parts...)
}
