// Package render fetches pages with a headless browser so markup built
// by client-side scripts ends up in the mirrored copy.
package render

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/stillweb/stillweb/internal/extract"
	"github.com/stillweb/stillweb/internal/mirror"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle decides how long a page gets to finish loading after the
	// DOM is ready. In delay mode the delay is slept verbatim; in
	// network-idle mode it is the quiet window that must pass without
	// network activity.
	Settle mirror.RenderSettle
}

// Fetcher implements mirror.RenderFetcher using chromedp and headless
// Chrome. A weighted semaphore bounds concurrent browser tabs.
type Fetcher struct {
	cfg         Config
	sem         *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless fetcher backed by chromedp. The browser
// process starts lazily on the first fetch.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Settle.Delay <= 0 {
		cfg.Settle.Delay = 500 * time.Millisecond
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		sem:         semaphore.NewWeighted(int64(cfg.MaxParallel)),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, shutting down the browser.
func (f *Fetcher) Close(context.Context) error {
	f.allocCancel()
	return nil
}

// Fetch navigates with a headless browser and returns the fully
// rendered DOM. A navigation that outlives the configured timeout maps
// to mirror.ErrRenderTimeout so callers can retry with a shorter
// settle.
func (f *Fetcher) Fetch(ctx context.Context, request mirror.FetchRequest) (mirror.FetchResult, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return mirror.FetchResult{}, fmt.Errorf("acquire render slot: %w", err)
	}
	defer f.sem.Release(1)

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.runBrowser(taskCtx, request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return mirror.FetchResult{}, fmt.Errorf("%w: %s", mirror.ErrRenderTimeout, request.URL)
		}
		return mirror.FetchResult{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	status, mediaType, responseURL := meta.snapshotWithFallbacks(request.URL.String(), finalURL)
	if status >= http.StatusBadRequest {
		return mirror.FetchResult{}, &mirror.HTTPError{Status: status}
	}

	body := []byte(html)
	return mirror.FetchResult{
		URL:         request.URL,
		FinalURL:    responseURL,
		StatusCode:  status,
		ContentType: mediaType,
		Body:        body,
		Refs:        extract.Refs(body, mediaType),
		Rendered:    true,
		Duration:    time.Since(start),
	}, nil
}

func (f *Fetcher) runBrowser(ctx context.Context, request mirror.FetchRequest) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(request.URL.String()),
		chromedp.WaitReady("body", chromedp.ByQuery),
		f.settleAction(request.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", err
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// settleAction picks the wait strategy for the current fetch. A
// positive override shortens the configured settle, which retries use
// to spend less of their budget waiting on a page that already timed
// out once.
func (f *Fetcher) settleAction(override time.Duration) chromedp.Action {
	settle := f.cfg.Settle.Delay
	if override > 0 {
		settle = override
	}
	if f.cfg.Settle.Mode == mirror.SettleNetworkIdle {
		return networkIdleAction(settle)
	}
	return chromedp.Sleep(settle)
}

// networkIdleAction waits until no network events arrive for the quiet
// window. The surrounding navigation timeout bounds the total wait.
func networkIdleAction(quiet time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		activity := make(chan struct{}, 1)
		lctx, cancel := context.WithCancel(ctx)
		defer cancel()
		chromedp.ListenTarget(lctx, func(ev interface{}) {
			switch ev.(type) {
			case *network.EventRequestWillBeSent, *network.EventLoadingFinished, *network.EventLoadingFailed:
			default:
				return
			}
			select {
			case activity <- struct{}{}:
			default:
			}
		})

		timer := time.NewTimer(quiet)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-activity:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(quiet)
			case <-timer.C:
				return nil
			}
		}
	})
}

type responseMeta struct {
	mu       sync.RWMutex
	status   int
	mimeType string
	url      string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

// captureEvent records the most recent document response. Redirect hops
// emit their own document events, so the last one wins.
func (m *responseMeta) captureEvent(ev interface{}) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.mimeType = resp.Response.MimeType
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string, string) {
	m.mu.RLock()
	status, mimeType, responseURL := m.status, m.mimeType, m.url
	m.mu.RUnlock()

	switch {
	case responseURL != "":
	case finalURL != "":
		responseURL = finalURL
	default:
		responseURL = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if mimeType == "" {
		mimeType = "text/html"
	}
	return status, extract.MediaType(mimeType), responseURL
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
