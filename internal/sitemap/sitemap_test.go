package sitemap

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stillweb/stillweb/internal/mirror"
)

func urlset(locs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, loc := range locs {
		fmt.Fprintf(&b, "<url><loc>%s</loc></url>", loc)
	}
	b.WriteString("</urlset>")
	return b.String()
}

func sitemapIndex(locs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, loc := range locs {
		fmt.Fprintf(&b, "<sitemap><loc>%s</loc></sitemap>", loc)
	}
	b.WriteString("</sitemapindex>")
	return b.String()
}

func TestDiscoverViaRobotsIndex(t *testing.T) {
	t.Parallel()

	var (
		indexFetches atomic.Int32
		gotAgent     atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := "http://" + r.Host
		switch r.URL.Path {
		case "/robots.txt":
			gotAgent.Store(r.Header.Get("User-Agent"))
			fmt.Fprintf(w, "User-agent: *\nAllow: /\nSitemap: %s/sitemap-index.xml\n", base)
		case "/sitemap-index.xml":
			indexFetches.Add(1)
			// The index references itself; discovery must not loop.
			fmt.Fprint(w, sitemapIndex(
				base+"/sitemap-a.xml",
				base+"/sitemap-b.xml",
				base+"/sitemap-index.xml",
			))
		case "/sitemap-a.xml":
			fmt.Fprint(w, urlset(base+"/", base+"/docs/install"))
		case "/sitemap-b.xml":
			fmt.Fprint(w, urlset(base+"/blog/launch"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := New(Config{UserAgent: "stillweb-test"})
	got := s.Discover(context.Background(), mirror.CanonicalURL(srv.URL+"/"))

	require.Equal(t, []string{
		srv.URL + "/",
		srv.URL + "/docs/install",
		srv.URL + "/blog/launch",
	}, got)
	require.EqualValues(t, 1, indexFetches.Load())
	require.Equal(t, "stillweb-test", gotAgent.Load())
}

func TestDiscoverFallsBackToDefaultSitemap(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := "http://" + r.Host
		if r.URL.Path == "/sitemap.xml" {
			fmt.Fprint(w, urlset(base+"/pricing", base+"/about"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := New(Config{})
	got := s.Discover(context.Background(), mirror.CanonicalURL(srv.URL+"/"))
	require.Equal(t, []string{srv.URL + "/pricing", srv.URL + "/about"}, got)
}

func TestDiscoverNoSitemaps(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := New(Config{})
	require.Empty(t, s.Discover(context.Background(), mirror.CanonicalURL(srv.URL+"/")))
}

func TestDiscoverCapsURLCount(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := "http://" + r.Host
		if r.URL.Path == "/sitemap.xml" {
			fmt.Fprint(w, urlset(base+"/1", base+"/2", base+"/3"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := New(Config{MaxURLs: 2})
	got := s.Discover(context.Background(), mirror.CanonicalURL(srv.URL+"/"))
	require.Equal(t, []string{srv.URL + "/1", srv.URL + "/2"}, got)
}

func TestDiscoverBoundsDocumentFetches(t *testing.T) {
	t.Parallel()

	var childFetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := "http://" + r.Host
		switch r.URL.Path {
		case "/sitemap.xml":
			fmt.Fprint(w, sitemapIndex(base+"/sitemap-child.xml"))
		case "/sitemap-child.xml":
			childFetches.Add(1)
			fmt.Fprint(w, urlset(base+"/page"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := New(Config{MaxDocuments: 1})
	require.Empty(t, s.Discover(context.Background(), mirror.CanonicalURL(srv.URL+"/")))
	require.EqualValues(t, 0, childFetches.Load())
}
