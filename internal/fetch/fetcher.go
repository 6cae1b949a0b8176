// Package fetch downloads resources over plain HTTP using Colly.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/stillweb/stillweb/internal/extract"
	"github.com/stillweb/stillweb/internal/mirror"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxRedirects bounds how many redirect hops a single fetch may
	// follow. Zero follows none.
	MaxRedirects int
	// MaxBodyBytes caps the response body read per fetch. Zero keeps
	// the collector default.
	MaxBodyBytes int64
	Filter       *TypeFilter
}

// Fetcher implements mirror.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	filter        *TypeFilter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState accumulates what the collector callbacks observe during a
// single visit.
type fetchState struct {
	result      mirror.FetchResult
	visitErr    error
	fetchErr    error
	errStatus   int
	unsupported string
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	opts := []colly.CollectorOption{
		colly.Async(false),
		// The engine owns dedup and retries, so the same URL must be
		// visitable more than once.
		colly.AllowURLRevisit(),
		// Robots admission happens before a fetch is attempted.
		colly.IgnoreRobotsTxt(),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	if cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(int(cfg.MaxBodyBytes)))
	}

	c := colly.NewCollector(opts...)
	c.WithTransport(newHTTPTransport())

	filter := cfg.Filter
	if filter == nil {
		filter = NewTypeFilter(mirror.ContentTypeFilter{})
	}

	return &Fetcher{
		cfg:           cfg,
		filter:        filter,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET and classifies the outcome into the
// crawl error taxonomy.
func (f *Fetcher) Fetch(ctx context.Context, request mirror.FetchRequest) (mirror.FetchResult, error) {
	var state fetchState
	start := time.Now()
	collector := f.buildCollector(request, start, &state)

	if err := f.runCollector(ctx, collector, request.URL.String(), &state); err != nil {
		return mirror.FetchResult{}, err
	}
	if err := state.terminalError(); err != nil {
		return mirror.FetchResult{}, err
	}
	return state.result, nil
}

func (f *Fetcher) buildCollector(request mirror.FetchRequest, start time.Time, state *fetchState) *colly.Collector {
	collector := f.baseCollector.Clone()

	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	maxRedirects := f.cfg.MaxRedirects
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return mirror.ErrTooManyRedirects
		}
		return nil
	})

	f.configureCollectorHooks(collector, request, start, state)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request mirror.FetchRequest,
	start time.Time,
	state *fetchState,
) {
	hooks.OnResponseHeaders(func(r *colly.Response) {
		mediaType := extract.MediaType(r.Headers.Get("Content-Type"))
		if !f.filter.Allowed(mediaType) {
			if mediaType == "" {
				mediaType = "unknown"
			}
			state.unsupported = mediaType
			r.Request.Abort()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		mediaType := extract.MediaType(r.Headers.Get("Content-Type"))
		body := append([]byte(nil), r.Body...)
		state.result = mirror.FetchResult{
			URL:         request.URL,
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: mediaType,
			Body:        body,
			Refs:        extract.Refs(body, mediaType),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			state.errStatus = r.StatusCode
		}
		state.fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, state *fetchState) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch %s canceled: %w", url, ctx.Err())
	case err := <-done:
		state.visitErr = err
		return nil
	}
}

// terminalError reduces everything the callbacks saw to a single error,
// or nil when the visit produced a usable response.
func (s *fetchState) terminalError() error {
	switch {
	case s.unsupported != "":
		return fmt.Errorf("%w: %s", mirror.ErrUnsupportedContentType, s.unsupported)
	case s.fetchErr != nil:
		return mapFetchError(s.fetchErr, s.errStatus)
	case s.visitErr != nil:
		return &mirror.NetworkError{Err: s.visitErr}
	case s.result.StatusCode == 0:
		return &mirror.NetworkError{Err: errors.New("no response received")}
	}
	return nil
}

func mapFetchError(err error, status int) error {
	switch {
	case errors.Is(err, mirror.ErrTooManyRedirects):
		return mirror.ErrTooManyRedirects
	case status > 0:
		return &mirror.HTTPError{Status: status}
	default:
		return &mirror.NetworkError{Err: err}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
