// Package sitemap discovers seed URLs from a host's published sitemaps.
// It reads Sitemap directives from robots.txt, falls back to the
// conventional /sitemap.xml location, and walks sitemap index files
// with bounds on both document fetches and collected URLs. Discovery is
// best effort: a host without sitemaps simply contributes no extra
// seeds.
package sitemap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/stillweb/stillweb/internal/mirror"
)

const (
	defaultMaxDocuments = 32
	defaultMaxURLs      = 10000
	defaultTimeout      = 15 * time.Second

	// maxFetchBytes bounds a single robots.txt or sitemap download.
	maxFetchBytes = 10 << 20
)

// Config controls sitemap discovery for a Seeder.
type Config struct {
	// UserAgent is sent with every discovery request when non-empty.
	UserAgent string

	// MaxDocuments caps how many sitemap documents are fetched per
	// host, including index files. Defaults to 32.
	MaxDocuments int

	// MaxURLs caps how many page URLs discovery returns. Defaults to
	// 10000.
	MaxURLs int

	// Timeout applies per discovery request. Defaults to 15s.
	Timeout time.Duration

	Logger *zap.Logger
}

// Seeder expands a crawl seed into the page URLs its host advertises
// through sitemaps.
type Seeder struct {
	client    *http.Client
	userAgent string
	maxDocs   int
	maxURLs   int
	logger    *zap.Logger
}

// New builds a Seeder, applying defaults for zero config values.
func New(cfg Config) *Seeder {
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = defaultMaxDocuments
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = defaultMaxURLs
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		maxDocs:   cfg.MaxDocuments,
		maxURLs:   cfg.MaxURLs,
		logger:    logger,
	}
}

// Discover returns the page URLs advertised by the seed's host. The
// result is raw location text in document order; callers canonicalize
// and scope-filter it like any other discovered link. Failures along
// the way are logged and skipped, so a host without usable sitemaps
// yields an empty slice.
func (s *Seeder) Discover(ctx context.Context, seed mirror.CanonicalURL) []string {
	parsed, err := seed.Parse()
	if err != nil {
		s.logger.Debug("sitemap discovery skipped", zap.String("seed", seed.String()), zap.Error(err))
		return nil
	}

	var (
		pages   []string
		seen    = make(map[string]struct{})
		queue   = s.sitemapLocations(ctx, parsed)
		fetched int
	)
	for len(queue) > 0 && fetched < s.maxDocs && len(pages) < s.maxURLs {
		loc := queue[0]
		queue = queue[1:]
		if _, dup := seen[loc]; dup {
			continue
		}
		seen[loc] = struct{}{}
		fetched++

		found, children, err := s.fetchSitemap(ctx, loc)
		if err != nil {
			s.logger.Debug("sitemap fetch failed", zap.String("sitemap", loc), zap.Error(err))
			continue
		}
		queue = append(queue, children...)
		for _, p := range found {
			if len(pages) >= s.maxURLs {
				break
			}
			pages = append(pages, p)
		}
	}

	if len(pages) > 0 {
		s.logger.Debug("sitemap discovery finished",
			zap.String("host", parsed.Host),
			zap.Int("documents", fetched),
			zap.Int("urls", len(pages)))
	}
	return pages
}

// sitemapLocations resolves the starting sitemap set for a host:
// whatever robots.txt lists, or the conventional /sitemap.xml when
// robots.txt names none.
func (s *Seeder) sitemapLocations(ctx context.Context, parsed *url.URL) []string {
	robotsURL := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	status, body, err := s.get(ctx, robotsURL.String())
	if err == nil {
		if data, parseErr := robotstxt.FromStatusAndBytes(status, body); parseErr == nil && len(data.Sitemaps) > 0 {
			return data.Sitemaps
		}
	} else {
		s.logger.Debug("robots.txt unavailable for sitemap discovery",
			zap.String("host", parsed.Host), zap.Error(err))
	}

	fallback := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/sitemap.xml"}
	return []string{fallback.String()}
}

// fetchSitemap downloads one sitemap document and splits its locations
// into page URLs and, for index files, nested sitemap URLs.
func (s *Seeder) fetchSitemap(ctx context.Context, loc string) (pages, children []string, err error) {
	status, body, err := s.get(ctx, loc)
	if err != nil {
		return nil, nil, err
	}
	if status != http.StatusOK {
		return nil, nil, fmt.Errorf("sitemap %s: http status %d", loc, status)
	}

	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse sitemap %s: %w", loc, err)
	}
	for _, n := range xmlquery.Find(doc, "//urlset/url/loc") {
		if text := strings.TrimSpace(n.InnerText()); text != "" {
			pages = append(pages, text)
		}
	}
	for _, n := range xmlquery.Find(doc, "//sitemapindex/sitemap/loc") {
		if text := strings.TrimSpace(n.InnerText()); text != "" {
			children = append(children, text)
		}
	}
	return pages, children, nil
}

func (s *Seeder) get(ctx context.Context, rawURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
