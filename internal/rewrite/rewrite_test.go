package rewrite

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stillweb/stillweb/internal/canonical"
	"github.com/stillweb/stillweb/internal/mirror"
)

func mapTarget(m map[mirror.CanonicalURL]string) TargetFunc {
	return func(u mirror.CanonicalURL) (string, bool) {
		p, ok := m[u]
		return p, ok
	}
}

func TestRelativePath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to, want string
	}{
		{"index.html", "about.html", "about.html"},
		{"index.html", "docs/intro.html", "docs/intro.html"},
		{"docs/intro.html", "docs/next.html", "next.html"},
		{"docs/intro.html", "index.html", "../index.html"},
		{"docs/guide/a.html", "img/logo.png", "../../img/logo.png"},
		{"docs/guide/a.html", "docs/other/b.html", "../other/b.html"},
		{"docs/a.html", "docs/a.html", "a.html"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, relativePath(tc.from, tc.to), "from %s to %s", tc.from, tc.to)
	}
}

func TestDocumentRewritesStoredLinks(t *testing.T) {
	t.Parallel()

	targets := mapTarget(map[mirror.CanonicalURL]string{
		"https://example.com/":             "index.html",
		"https://example.com/about":        "about.html",
		"https://example.com/img/logo.png": "img/logo.png",
		"https://example.com/css/site.css": "css/site.css",
		"https://example.com/docs/intro":   "docs/intro.html",
	})
	r := New(targets, canonical.Options{SortQuery: true}, false, zap.NewNop())

	page := mirror.StoredResource{
		URL:         "https://example.com/",
		LocalPath:   "index.html",
		ContentType: "text/html",
	}
	body := []byte(`<html><head>
<link rel="stylesheet" href="/css/site.css">
</head><body>
<a href="/about">About</a>
<a href="/about#team">Team</a>
<a href="/missing">Missing</a>
<a href="https://other.com/page">External</a>
<img src="img/logo.png">
</body></html>`)

	out, changed, err := r.Document(page, body)
	require.NoError(t, err)
	require.True(t, changed)

	html := string(out)
	require.Contains(t, html, `href="css/site.css"`)
	require.Contains(t, html, `href="about.html"`)
	require.Contains(t, html, `href="about.html#team"`)
	// Not stored: absolutized to the live site.
	require.Contains(t, html, `href="https://example.com/missing"`)
	require.Contains(t, html, `href="https://other.com/page"`)
	require.Contains(t, html, `src="img/logo.png"`)
}

func TestDocumentRelativeFromSubdirectory(t *testing.T) {
	t.Parallel()

	targets := mapTarget(map[mirror.CanonicalURL]string{
		"https://example.com/":             "index.html",
		"https://example.com/docs/intro":   "docs/intro.html",
		"https://example.com/img/logo.png": "img/logo.png",
	})
	r := New(targets, canonical.Options{}, false, zap.NewNop())

	page := mirror.StoredResource{
		URL:         "https://example.com/docs/intro",
		LocalPath:   "docs/intro.html",
		ContentType: "text/html",
	}
	body := []byte(`<a href="/">Home</a><img src="/img/logo.png">`)

	out, changed, err := r.Document(page, body)
	require.NoError(t, err)
	require.True(t, changed)
	require.Contains(t, string(out), `href="../index.html"`)
	require.Contains(t, string(out), `src="../img/logo.png"`)
}

func TestDocumentStrictModeUsesPlaceholder(t *testing.T) {
	t.Parallel()

	targets := mapTarget(map[mirror.CanonicalURL]string{
		"https://example.com/": "index.html",
	})
	r := New(targets, canonical.Options{}, true, zap.NewNop())

	page := mirror.StoredResource{URL: "https://example.com/", LocalPath: "index.html", ContentType: "text/html"}
	body := []byte(`<a href="/gone">Gone</a><a href="/gone#frag">Gone frag</a>`)

	out, changed, err := r.Document(page, body)
	require.NoError(t, err)
	require.True(t, changed)
	require.Contains(t, string(out), `href="about:blank"`)
	require.NotContains(t, string(out), `about:blank#frag`)
}

func TestDocumentRewritesSrcset(t *testing.T) {
	t.Parallel()

	targets := mapTarget(map[mirror.CanonicalURL]string{
		"https://example.com/":            "index.html",
		"https://example.com/img/a.png":   "img/a.png",
		"https://example.com/img/a2x.png": "img/a2x.png",
	})
	r := New(targets, canonical.Options{}, false, zap.NewNop())

	page := mirror.StoredResource{URL: "https://example.com/", LocalPath: "index.html", ContentType: "text/html"}
	body := []byte(`<img srcset="/img/a.png 1x, /img/a2x.png 2x">`)

	out, changed, err := r.Document(page, body)
	require.NoError(t, err)
	require.True(t, changed)
	require.Contains(t, string(out), `srcset="img/a.png 1x, img/a2x.png 2x"`)
}

func TestDocumentRewritesStyleBlocks(t *testing.T) {
	t.Parallel()

	targets := mapTarget(map[mirror.CanonicalURL]string{
		"https://example.com/":           "index.html",
		"https://example.com/img/bg.png": "img/bg.png",
	})
	r := New(targets, canonical.Options{}, false, zap.NewNop())

	page := mirror.StoredResource{URL: "https://example.com/", LocalPath: "index.html", ContentType: "text/html"}
	body := []byte(`<style>body { background: url("/img/bg.png"); }</style>`)

	out, changed, err := r.Document(page, body)
	require.NoError(t, err)
	require.True(t, changed)
	require.Contains(t, string(out), `url("img/bg.png")`)
}

func TestDocumentRewritesCSSFiles(t *testing.T) {
	t.Parallel()

	targets := mapTarget(map[mirror.CanonicalURL]string{
		"https://example.com/css/site.css": "css/site.css",
		"https://example.com/css/base.css": "css/base.css",
		"https://example.com/img/bg.png":   "img/bg.png",
	})
	r := New(targets, canonical.Options{}, false, zap.NewNop())

	sheet := mirror.StoredResource{
		URL:         "https://example.com/css/site.css",
		LocalPath:   "css/site.css",
		ContentType: "text/css",
	}
	body := []byte(`@import "base.css"; body { background: url(../img/bg.png); }`)

	out, changed, err := r.Document(sheet, body)
	require.NoError(t, err)
	require.True(t, changed)
	require.Contains(t, string(out), `@import "base.css"`)
	require.Contains(t, string(out), `url("../img/bg.png")`)
}

func TestDocumentLeavesUnchangedDocsAlone(t *testing.T) {
	t.Parallel()

	r := New(mapTarget(nil), canonical.Options{}, false, zap.NewNop())
	page := mirror.StoredResource{URL: "https://example.com/", LocalPath: "index.html", ContentType: "text/html"}
	body := []byte(`<p>no links at all</p>`)

	out, changed, err := r.Document(page, body)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, body, out)
}

func TestRewritable(t *testing.T) {
	t.Parallel()

	require.True(t, Rewritable("text/html"))
	require.True(t, Rewritable("text/css"))
	require.False(t, Rewritable("image/png"))
	require.False(t, Rewritable("application/pdf"))
}
