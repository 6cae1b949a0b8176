// Package engine runs the crawl state machine over the frontier.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stillweb/stillweb/internal/canonical"
	"github.com/stillweb/stillweb/internal/frontier"
	"github.com/stillweb/stillweb/internal/mirror"
	"github.com/stillweb/stillweb/internal/progress"
	"github.com/stillweb/stillweb/internal/ratelimit"
	"github.com/stillweb/stillweb/internal/rewrite"
	"github.com/stillweb/stillweb/internal/store"
)

// minSettle floors the settle window when render timeouts shrink it between
// retries.
const minSettle = 250 * time.Millisecond

// Seeder expands a seed host into extra depth-0 URLs, typically from its
// published sitemaps.
type Seeder interface {
	Discover(ctx context.Context, seed mirror.CanonicalURL) []string
}

// OutcomeJournal persists the terminal outcome of every URL a run decided.
// The sqlite catalog implements it.
type OutcomeJournal interface {
	RecordOutcomes(ctx context.Context, outcomes []mirror.Outcome) error
}

// Options wires an Engine. Store and Plain are required; Rendered is
// required when the rules enable rendering. Everything else defaults to a
// no-op collaborator.
type Options struct {
	Rules    mirror.JobRules
	Store    *store.Store
	Plain    mirror.Fetcher
	Rendered mirror.Fetcher
	Detector mirror.Detector
	Robots   mirror.RobotsPolicy
	Retry    mirror.RetryPolicy
	Seeder   Seeder
	Journal  OutcomeJournal
	Emitter  progress.Emitter
	Logger   *zap.Logger

	// RunID tags events, catalog rows, and the summary. Zero means a
	// fresh identifier is generated, which suits every caller that does
	// not share the ID with collaborators built before the engine.
	RunID uuid.UUID
}

// Engine coordinates one crawl run. Construct with New, run once with Run.
type Engine struct {
	rules    mirror.JobRules
	copts    canonical.Options
	store    *store.Store
	plain    mirror.Fetcher
	rendered mirror.Fetcher
	detector mirror.Detector
	robots   mirror.RobotsPolicy
	retry    mirror.RetryPolicy
	seeder   Seeder
	journal  OutcomeJournal
	emitter  progress.Emitter
	logger   *zap.Logger

	runID    uuid.UUID
	frontier *frontier.Frontier
	limiter  *ratelimit.Limiter
	budget   *budget
	scope    *canonical.Scope

	mu             sync.Mutex
	outstanding    int
	outcomes       map[mirror.CanonicalURL]mirror.Outcome
	pendingRewrite []mirror.StoredResource
}

// New assembles an Engine from its collaborators.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Plain == nil {
		return nil, errors.New("engine: plain fetcher is required")
	}
	if opts.Rules.RenderEnabled() && opts.Rendered == nil {
		return nil, fmt.Errorf("engine: rendered fetcher is required for renderMode %q", opts.Rules.RenderMode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := opts.Retry
	if retry == nil {
		retry = NewExponentialRetry(opts.Rules.RetryLimit, 0, 0)
	}
	runID := opts.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}

	limiter := ratelimit.New(ratelimit.Config{RPS: opts.Rules.RateLimitPerHost, Burst: 1})
	limiter.OnDelay = func(host string, delay time.Duration) {
		logger.Debug("rate limit delay", zap.String("host", host), zap.Duration("delay", delay))
	}

	return &Engine{
		rules:    opts.Rules,
		copts:    canonical.Options{SortQuery: opts.Rules.SortQuery},
		store:    opts.Store,
		plain:    opts.Plain,
		rendered: opts.Rendered,
		detector: opts.Detector,
		robots:   opts.Robots,
		retry:    retry,
		seeder:   opts.Seeder,
		journal:  opts.Journal,
		emitter:  opts.Emitter,
		logger:   logger,
		runID:    runID,
		frontier: frontier.New(0),
		limiter:  limiter,
		budget:   newBudget(opts.Rules.MaxResources),
		outcomes: make(map[mirror.CanonicalURL]mirror.Outcome),
	}, nil
}

// RunID identifies this run on events, catalog rows, and the summary.
func (e *Engine) RunID() uuid.UUID { return e.runID }

// Run executes the crawl to completion and returns its summary. The only
// errors are the fatal pre-crawl ones: invalid rules and an unresolvable
// seed set. Per-URL failures are bookkeeping and end up in the summary.
func (e *Engine) Run(ctx context.Context) (mirror.Summary, error) {
	start := time.Now()
	if err := e.rules.Validate(); err != nil {
		return mirror.Summary{}, err
	}
	seeds := e.resolveSeeds()
	if len(seeds) == 0 {
		return mirror.Summary{}, fmt.Errorf("%w: tried %d seeds", mirror.ErrNoResolvableSeeds, len(e.rules.Seeds))
	}
	scope, err := canonical.NewScope(e.rules, seeds)
	if err != nil {
		return mirror.Summary{}, err
	}
	e.scope = scope

	runCtx := ctx
	if e.rules.MaxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.rules.MaxDuration)
		defer cancel()
	}

	// A dying run context must wake workers blocked on the frontier.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			e.frontier.Close()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	e.logger.Info("crawl starting",
		zap.String("run_id", e.runID.String()),
		zap.Int("seeds", len(seeds)),
		zap.Int("concurrency", e.rules.Concurrency),
	)
	e.emit(progress.Event{Stage: progress.StageCrawlStart})

	e.holdWork() // held for the duration of seeding
	var wg sync.WaitGroup
	for i := 0; i < e.rules.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(runCtx)
		}()
	}
	e.seedFrontier(runCtx, seeds)
	e.releaseWork()
	wg.Wait()

	// Entries still queued after the workers exit were abandoned by a
	// canceled or expired run.
	for _, entry := range e.frontier.Drain() {
		e.finish(entry, skipped(entry, drainReason(runCtx)))
	}

	e.recordOutcomes()
	rewritten := 0
	if ctx.Err() == nil {
		rewritten = e.rewritePass()
	}

	summary := e.buildSummary(start, rewritten)
	e.emit(progress.Event{Stage: progress.StageCrawlDone, Dur: summary.Duration})
	e.logger.Info("crawl finished",
		zap.String("run_id", summary.RunID),
		zap.Int("stored", summary.Stored),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("rewritten", summary.Rewritten),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (e *Engine) worker(ctx context.Context) {
	for {
		entry, ok := e.frontier.Pop()
		if !ok {
			return
		}
		e.process(ctx, entry)
	}
}

// process drives one frontier entry to its terminal outcome.
func (e *Engine) process(ctx context.Context, entry mirror.FrontierEntry) {
	if ctx.Err() != nil {
		e.finish(entry, skipped(entry, drainReason(ctx)))
		return
	}
	if e.robots != nil && !e.robots.Allowed(ctx, entry.URL) {
		e.finish(entry, skipped(entry, mirror.SkipRobotsDisallowed))
		return
	}
	if !e.budget.Reserve() {
		e.finish(entry, skipped(entry, mirror.SkipBudgetExhausted))
		return
	}

	res, attempts, err := e.fetchWithRetry(ctx, entry)
	e.emitFetchDone(entry, res, err)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			e.budget.Release()
			e.finish(entry, skipped(entry, drainReason(ctx)))
		case errors.Is(err, mirror.ErrUnsupportedContentType):
			e.budget.Release()
			e.finish(entry, skipped(entry, mirror.SkipUnsupportedContent))
		default:
			e.finish(entry, failed(entry, err.Error(), attempts))
		}
		return
	}

	// The plain fetcher truncates at the body cap instead of erroring, so a
	// body that filled the cap counts as oversized.
	if e.rules.MaxBodyBytes > 0 && int64(len(res.Body)) >= e.rules.MaxBodyBytes {
		e.finish(entry, failed(entry, fmt.Sprintf("body reached the %d byte cap", e.rules.MaxBodyBytes), attempts))
		return
	}

	stored, err := e.store.Put(ctx, entry.URL, res.Body, res.ContentType)
	if err != nil {
		e.finish(entry, failed(entry, fmt.Sprintf("store resource: %v", err), attempts))
		return
	}
	if rewrite.Rewritable(stored.ContentType) {
		e.mu.Lock()
		e.pendingRewrite = append(e.pendingRewrite, stored)
		e.mu.Unlock()
	}

	e.expandChildren(res, entry)
	e.finish(entry, mirror.Outcome{URL: entry.URL, State: mirror.StateStored, Attempts: attempts})
	e.logger.Debug("resource stored",
		zap.String("url", entry.URL.String()),
		zap.String("path", stored.LocalPath),
		zap.Int("depth", entry.Depth),
		zap.Int("attempts", attempts),
	)
}

// fetchWithRetry runs the rate gate and fetch until success, a terminal
// error, or retry exhaustion. It returns the attempts spent. Render
// timeouts shrink the settle window on each retry.
func (e *Engine) fetchWithRetry(ctx context.Context, entry mirror.FrontierEntry) (mirror.FetchResult, int, error) {
	attempts := 0
	var settle time.Duration
	for {
		if err := e.limiter.Wait(ctx, entry.URL); err != nil {
			return mirror.FetchResult{}, attempts, err
		}
		res, err := e.fetchOnce(ctx, entry, settle)
		attempts++
		if err == nil {
			return res, attempts, nil
		}
		if ctx.Err() != nil {
			return mirror.FetchResult{}, attempts, err
		}
		if !e.retry.ShouldRetry(err, attempts) {
			return mirror.FetchResult{}, attempts, err
		}
		if errors.Is(err, mirror.ErrRenderTimeout) {
			settle = halvedSettle(settle, e.rules.RenderSettle.Delay)
		}
		e.emit(progress.Event{
			Stage:   progress.StageRetry,
			Site:    entry.URL.Host(),
			URL:     entry.URL.String(),
			Depth:   entry.Depth,
			Attempt: attempts,
			Reason:  err.Error(),
		})
		e.logger.Debug("retrying fetch",
			zap.String("url", entry.URL.String()),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		select {
		case <-time.After(e.retry.Backoff(attempts)):
		case <-ctx.Done():
			return mirror.FetchResult{}, attempts, fmt.Errorf("retry wait: %w", ctx.Err())
		}
	}
}

// fetchOnce picks the transport for one attempt. In auto mode a plain
// result that smells like a script-driven shell is refetched through the
// browser; a failed promotion keeps the plain result.
func (e *Engine) fetchOnce(ctx context.Context, entry mirror.FrontierEntry, settle time.Duration) (mirror.FetchResult, error) {
	req := mirror.FetchRequest{URL: entry.URL, Depth: entry.Depth, Settle: settle}
	switch e.rules.RenderMode {
	case mirror.RenderAlways:
		return e.rendered.Fetch(ctx, req)
	case mirror.RenderAuto:
		res, err := e.plain.Fetch(ctx, req)
		if err != nil || e.rendered == nil || e.detector == nil || !e.detector.NeedsRender(res) {
			return res, err
		}
		promoted, perr := e.rendered.Fetch(ctx, req)
		if perr != nil {
			e.logger.Warn("render promotion failed",
				zap.String("url", entry.URL.String()),
				zap.Error(perr),
			)
			return res, nil
		}
		return promoted, nil
	default:
		return e.plain.Fetch(ctx, req)
	}
}

// halvedSettle shrinks the settle window after a render timeout, starting
// from the configured delay and never below the floor.
func halvedSettle(current, configured time.Duration) time.Duration {
	base := current
	if base <= 0 {
		base = configured
	}
	half := base / 2
	if half < minSettle {
		half = minSettle
	}
	return half
}

// expandChildren canonicalizes the outbound refs of a fetched page against
// its final URL and admits the survivors one depth deeper. Children past
// maxDepth are dropped before they reach the frontier.
func (e *Engine) expandChildren(res mirror.FetchResult, entry mirror.FrontierEntry) {
	if entry.Depth >= e.rules.MaxDepth || len(res.Refs) == 0 {
		return
	}
	base, err := url.Parse(res.FinalURL)
	if err != nil || !base.IsAbs() {
		base, err = entry.URL.Parse()
		if err != nil {
			return
		}
	}
	for _, raw := range res.Refs {
		child, err := canonical.Resolve(raw, base, e.copts)
		if err != nil {
			// Malformed references are dropped, never fatal.
			continue
		}
		e.admit(mirror.FrontierEntry{URL: child, Depth: entry.Depth + 1, Parent: entry.URL})
	}
}

// admit routes one discovered URL: out-of-scope URLs record a one-time
// skip, in-scope URLs enter the frontier unless already seen.
func (e *Engine) admit(entry mirror.FrontierEntry) {
	if !e.scope.Allows(entry.URL) {
		if e.frontier.MarkSeen(entry.URL) {
			e.recordDetached(entry, mirror.SkipOutOfScope)
		}
		return
	}
	e.holdWork()
	if !e.frontier.Add(entry) {
		e.releaseWork()
	}
}

// seedFrontier admits the seeds and, when enabled, the sitemap discoveries
// of each seed host. Sitemap locations outside the scope are dropped
// without an outcome; only references found on fetched pages record
// out-of-scope skips.
func (e *Engine) seedFrontier(ctx context.Context, seeds []mirror.CanonicalURL) {
	for _, seed := range seeds {
		e.admit(mirror.FrontierEntry{URL: seed, Depth: 0})
	}
	if !e.rules.SitemapSeeding || e.seeder == nil {
		return
	}
	hosts := make(map[string]struct{})
	for _, seed := range seeds {
		if _, done := hosts[seed.Host()]; done {
			continue
		}
		hosts[seed.Host()] = struct{}{}
		for _, raw := range e.seeder.Discover(ctx, seed) {
			cu, err := canonical.Canonicalize(raw, e.copts)
			if err != nil {
				continue
			}
			if !e.scope.Allows(cu) {
				continue
			}
			e.admit(mirror.FrontierEntry{URL: cu, Depth: 0, Parent: seed})
		}
	}
}

func (e *Engine) resolveSeeds() []mirror.CanonicalURL {
	seeds := make([]mirror.CanonicalURL, 0, len(e.rules.Seeds))
	dedup := make(map[mirror.CanonicalURL]struct{})
	for _, raw := range e.rules.Seeds {
		cu, err := canonical.Canonicalize(raw, e.copts)
		if err != nil {
			e.logger.Warn("seed rejected", zap.String("seed", raw), zap.Error(err))
			continue
		}
		if _, dup := dedup[cu]; dup {
			continue
		}
		dedup[cu] = struct{}{}
		seeds = append(seeds, cu)
	}
	return seeds
}

// finish records the terminal outcome of a frontier entry and releases its
// unit of outstanding work.
func (e *Engine) finish(entry mirror.FrontierEntry, out mirror.Outcome) {
	e.storeOutcome(out)
	e.emitOutcome(entry, out)
	e.releaseWork()
}

// recordDetached records an outcome for a URL that never entered the
// frontier, such as an out-of-scope discovery.
func (e *Engine) recordDetached(entry mirror.FrontierEntry, reason string) {
	out := skipped(entry, reason)
	e.storeOutcome(out)
	e.emitOutcome(entry, out)
}

func (e *Engine) storeOutcome(out mirror.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.outcomes[out.URL]; exists {
		return
	}
	e.outcomes[out.URL] = out
}

func (e *Engine) holdWork() {
	e.mu.Lock()
	e.outstanding++
	e.mu.Unlock()
}

// releaseWork drops one unit of outstanding work and closes the frontier
// when none remains, which is the natural end of the fetch phase.
func (e *Engine) releaseWork() {
	e.mu.Lock()
	e.outstanding--
	idle := e.outstanding == 0
	e.mu.Unlock()
	if idle {
		e.frontier.Close()
	}
}

// rewritePass rewrites intra-site references in every stored markup and CSS
// resource. It runs strictly after the fetch phase, so every reference
// resolves against a final outcome.
func (e *Engine) rewritePass() int {
	e.mu.Lock()
	pending := make([]mirror.StoredResource, len(e.pendingRewrite))
	copy(pending, e.pendingRewrite)
	e.mu.Unlock()
	if len(pending) == 0 {
		return 0
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].URL < pending[j].URL })

	rewriter := rewrite.New(e.store.PathFor, e.copts, e.rules.StrictOfflineMode, e.logger)
	rewritten := 0
	for _, res := range pending {
		body, err := e.store.ReadFile(res)
		if err != nil {
			e.logger.Warn("rewrite read failed", zap.String("path", res.LocalPath), zap.Error(err))
			continue
		}
		out, changed, err := rewriter.Document(res, body)
		if err != nil {
			e.logger.Warn("rewrite failed", zap.String("url", res.URL.String()), zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		if err := e.store.Rewrite(res, out); err != nil {
			e.logger.Warn("rewrite commit failed", zap.String("path", res.LocalPath), zap.Error(err))
			continue
		}
		rewritten++
		e.emit(progress.Event{
			Stage: progress.StageRewritten,
			Site:  res.URL.Host(),
			URL:   res.URL.String(),
			Bytes: int64(len(out)),
		})
	}
	return rewritten
}

// recordOutcomes writes the outcome batch to the journal. The run context
// may already be dead by now, so the write gets its own bounded window.
func (e *Engine) recordOutcomes() {
	if e.journal == nil {
		return
	}
	outcomes := e.snapshotOutcomes()
	if len(outcomes) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.journal.RecordOutcomes(ctx, outcomes); err != nil {
		e.logger.Warn("outcome journal write failed", zap.Error(err))
	}
}

func (e *Engine) snapshotOutcomes() []mirror.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]mirror.Outcome, 0, len(e.outcomes))
	for _, o := range e.outcomes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (e *Engine) buildSummary(start time.Time, rewritten int) mirror.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	summary := mirror.Summary{
		RunID:     e.runID.String(),
		Rewritten: rewritten,
		Duration:  time.Since(start),
	}
	for _, out := range e.outcomes {
		switch out.State {
		case mirror.StateStored:
			summary.Stored++
		case mirror.StateSkipped:
			summary.Skipped++
		case mirror.StateFailed:
			summary.Failed++
			summary.Failures = append(summary.Failures, mirror.FailureDetail{URL: out.URL, Reason: out.Reason})
		}
	}
	sort.Slice(summary.Failures, func(i, j int) bool { return summary.Failures[i].URL < summary.Failures[j].URL })
	return summary
}

func (e *Engine) emit(evt progress.Event) {
	if e.emitter == nil {
		return
	}
	evt.RunID = progress.UUIDToBytes(e.runID)
	evt.TS = time.Now().UTC()
	e.emitter.Emit(evt)
}

func (e *Engine) emitFetchDone(entry mirror.FrontierEntry, res mirror.FetchResult, err error) {
	e.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		Site:        entry.URL.Host(),
		URL:         entry.URL.String(),
		Depth:       entry.Depth,
		Bytes:       int64(len(res.Body)),
		StatusClass: fetchStatusClass(res, err),
		Dur:         res.Duration,
		Rendered:    res.Rendered,
	})
}

func (e *Engine) emitOutcome(entry mirror.FrontierEntry, out mirror.Outcome) {
	evt := progress.Event{
		Site:    entry.URL.Host(),
		URL:     out.URL.String(),
		Depth:   entry.Depth,
		Attempt: out.Attempts,
		Reason:  out.Reason,
	}
	switch out.State {
	case mirror.StateStored:
		evt.Stage = progress.StageStored
	case mirror.StateSkipped:
		evt.Stage = progress.StageSkipped
	case mirror.StateFailed:
		evt.Stage = progress.StageFailed
	default:
		return
	}
	e.emit(evt)
}

func fetchStatusClass(res mirror.FetchResult, err error) progress.StatusClass {
	if err == nil {
		return progress.ClassifyStatus(res.StatusCode)
	}
	var httpErr *mirror.HTTPError
	if errors.As(err, &httpErr) {
		return progress.ClassifyStatus(httpErr.Status)
	}
	return progress.StatusOther
}

// drainReason labels entries a dying run abandoned: a deadline means the
// time budget ran out, anything else is an external cancellation.
func drainReason(ctx context.Context) string {
	if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return mirror.SkipBudgetExhausted
	}
	if ctx.Err() != nil {
		return mirror.SkipCanceled
	}
	return mirror.SkipBudgetExhausted
}

func skipped(entry mirror.FrontierEntry, reason string) mirror.Outcome {
	return mirror.Outcome{URL: entry.URL, State: mirror.StateSkipped, Reason: reason}
}

func failed(entry mirror.FrontierEntry, reason string, attempts int) mirror.Outcome {
	return mirror.Outcome{URL: entry.URL, State: mirror.StateFailed, Reason: reason, Attempts: attempts}
}
