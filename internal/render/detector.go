package render

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/stillweb/stillweb/internal/mirror"
)

// Framework mount points and bootstrap blobs that signal a page builds
// its content client-side.
var defaultMarkers = []string{
	`id="root"`,
	`id="app"`,
	`data-reactroot`,
	`__NEXT_DATA__`,
	`ng-version`,
	`data-v-app`,
}

// Heuristic implements mirror.Detector using simple HTML signals.
type Heuristic struct {
	minHTMLBytes int
	minTextBytes int
	markers      [][]byte
}

// NewHeuristic constructs a Detector with sensible thresholds for
// deciding when a plain fetch likely missed script-built content.
func NewHeuristic() *Heuristic {
	markers := make([][]byte, 0, len(defaultMarkers))
	for _, m := range defaultMarkers {
		markers = append(markers, bytes.ToLower([]byte(m)))
	}
	return &Heuristic{
		minHTMLBytes: 2048,
		minTextBytes: 200,
		markers:      markers,
	}
}

// NeedsRender inspects a plain fetch result for signals that the page
// requires a browser to produce its real markup. Already rendered and
// non-HTML results never need another pass.
func (d *Heuristic) NeedsRender(res mirror.FetchResult) bool {
	if d == nil || res.Rendered || !strings.HasPrefix(res.ContentType, "text/html") {
		return false
	}
	switch {
	case d.thinDocumentWithScripts(res.Body):
		return true
	case d.containsMarkers(res.Body):
		return true
	default:
		return d.sparseVisibleText(res.Body)
	}
}

func (d *Heuristic) thinDocumentWithScripts(body []byte) bool {
	return d.minHTMLBytes > 0 &&
		len(body) < d.minHTMLBytes &&
		bytes.Contains(bytes.ToLower(body), []byte("<script"))
}

func (d *Heuristic) containsMarkers(body []byte) bool {
	if len(body) == 0 || len(d.markers) == 0 {
		return false
	}
	lowerBody := bytes.ToLower(body)
	for _, m := range d.markers {
		if bytes.Contains(lowerBody, m) {
			return true
		}
	}
	return false
}

// sparseVisibleText reports pages whose scripts outweigh their visible
// content, the shape a server-side shell around a client app has.
func (d *Heuristic) sparseVisibleText(body []byte) bool {
	if len(body) == 0 || d.minTextBytes <= 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	if doc.Find("script").Length() == 0 {
		return false
	}
	sel := doc.Find("body")
	sel.Find("script,style,noscript").Remove()
	text := strings.TrimSpace(sel.Text())
	return len(text) < d.minTextBytes
}
