package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stillweb/stillweb/internal/mirror"
	"github.com/stillweb/stillweb/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns
// the collectors for crawl lifecycle, per-site fetch traffic, and
// resource outcome counts.
type PrometheusSink struct {
	crawlsStarted   prometheus.Counter
	crawlsCompleted prometheus.Counter
	crawlsRunning   prometheus.Gauge
	crawlRuntime    prometheus.Histogram

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchRetries  prometheus.Counter
	renderedPages prometheus.Counter

	resourceOutcomes *prometheus.CounterVec
	skipReasons      *prometheus.CounterVec
	rewrittenDocs    prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided
// registry. A nil registry falls back to the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		crawlsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stillweb_crawls_started_total",
			Help: "Total crawl runs that have started.",
		}),
		crawlsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stillweb_crawls_completed_total",
			Help: "Total crawl runs that reached completion.",
		}),
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stillweb_crawls_running",
			Help: "Current number of running crawls.",
		}),
		crawlRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stillweb_crawl_runtime_seconds",
			Help:    "Wall time per completed crawl.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stillweb_fetch_requests_total",
			Help: "Fetch completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stillweb_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stillweb_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site", "status_class"}),
		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stillweb_fetch_retries_total",
			Help: "Retries spent on transient fetch failures.",
		}),
		renderedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stillweb_rendered_pages_total",
			Help: "Pages fetched through the headless browser.",
		}),
		resourceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stillweb_resources_total",
			Help: "Terminal resource outcomes partitioned by state.",
		}, []string{"outcome"}),
		skipReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stillweb_skipped_resources_total",
			Help: "Skipped resources partitioned by reason.",
		}, []string{"reason"}),
		rewrittenDocs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stillweb_rewritten_documents_total",
			Help: "Stored documents whose references were rewritten.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.crawlsStarted,
		s.crawlsCompleted,
		s.crawlsRunning,
		s.crawlRuntime,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
		s.fetchRetries,
		s.renderedPages,
		s.resourceOutcomes,
		s.skipReasons,
		s.rewrittenDocs,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
// It is safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCrawlStart:
		s.crawlsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.crawlsRunning.Inc()
		}
	case progress.StageCrawlDone:
		s.crawlsCompleted.Inc()
		if evt.Dur > 0 {
			s.crawlRuntime.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.crawlsRunning.Dec()
		}
	case progress.StageFetchDone:
		s.handleFetchEvent(evt)
	case progress.StageRetry:
		s.fetchRetries.Inc()
	case progress.StageStored:
		s.resourceOutcomes.WithLabelValues("stored").Inc()
	case progress.StageSkipped:
		s.resourceOutcomes.WithLabelValues("skipped").Inc()
		s.skipReasons.WithLabelValues(reasonLabel(evt.Reason)).Inc()
	case progress.StageFailed:
		s.resourceOutcomes.WithLabelValues("failed").Inc()
	case progress.StageRewritten:
		s.rewrittenDocs.Inc()
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchRequests.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
	if evt.Rendered {
		s.renderedPages.Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// reasonLabel keeps the skip reason label space bounded to the known
// vocabulary.
func reasonLabel(reason string) string {
	switch reason {
	case mirror.SkipOutOfScope, mirror.SkipBudgetExhausted, mirror.SkipUnsupportedContent,
		mirror.SkipRobotsDisallowed, mirror.SkipCanceled:
		return reason
	default:
		return "other"
	}
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
