// Package extract locates outbound references in fetched documents. The
// same scanners back link discovery during the crawl and the offline
// rewrite pass, so both see an identical set of references.
package extract

import (
	"bytes"
	"mime"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MediaType normalizes a Content-Type header value to its bare media type,
// dropping parameters and case. Unparseable headers degrade to a trimmed
// lowercase prefix rather than an error.
func MediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(header, ";", 2)[0]))
	}
	return mt
}

// Refs returns the raw references found in body for the given media type.
// Unknown media types carry no references. Markup that fails to parse is
// treated as having none; a broken page never fails a fetch.
func Refs(body []byte, mediaType string) []string {
	switch {
	case isHTML(mediaType):
		return HTMLRefs(body)
	case isCSS(mediaType):
		return CSSRefs(body)
	default:
		return nil
	}
}

// HTMLRefs scans an HTML document for references: href, src, srcset, and
// poster attributes, object data, and url()/@import targets inside <style>
// blocks. Attribute references come first in document order, then style
// sheet references, each retained once.
func HTMLRefs(body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

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

	doc.Find("[href],[src],[srcset],[poster],object[data]").Each(func(_ int, sel *goquery.Selection) {
		for _, attr := range []string{"href", "src", "poster"} {
			if v, ok := sel.Attr(attr); ok {
				add(v)
			}
		}
		if goquery.NodeName(sel) == "object" {
			if v, ok := sel.Attr("data"); ok {
				add(v)
			}
		}
		if v, ok := sel.Attr("srcset"); ok {
			for _, ref := range SrcsetRefs(v) {
				add(ref)
			}
		}
	})
	doc.Find("style").Each(func(_ int, sel *goquery.Selection) {
		for _, ref := range CSSRefs([]byte(sel.Text())) {
			add(ref)
		}
	})
	return refs
}

// SrcsetRefs splits a srcset attribute into its URL parts, dropping the
// width/density descriptors.
func SrcsetRefs(srcset string) []string {
	var out []string
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(candidate)
		if len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}

// skippable filters references that can never become crawlable URLs:
// fragments, inline data, and non-navigational schemes.
func skippable(raw string) bool {
	if raw == "" || strings.HasPrefix(raw, "#") {
		return true
	}
	lower := strings.ToLower(raw)
	for _, prefix := range []string{"data:", "javascript:", "mailto:", "tel:", "about:", "blob:"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func isHTML(mediaType string) bool {
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func isCSS(mediaType string) bool {
	return mediaType == "text/css"
}
