package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stillweb/stillweb/internal/catalog"
	"github.com/stillweb/stillweb/internal/config"
	"github.com/stillweb/stillweb/internal/engine"
	"github.com/stillweb/stillweb/internal/fetch"
	"github.com/stillweb/stillweb/internal/mirror"
	"github.com/stillweb/stillweb/internal/progress"
	"github.com/stillweb/stillweb/internal/progress/sinks"
	"github.com/stillweb/stillweb/internal/render"
	"github.com/stillweb/stillweb/internal/sitemap"
	"github.com/stillweb/stillweb/internal/store"
	"github.com/stillweb/stillweb/internal/webui"
)

// newCrawlCmd configures the crawl subcommand. Seeds come from the job
// document, positional URLs, or both; flags override individual job
// settings without a second defaults mechanism.
func newCrawlCmd() *cobra.Command {
	var (
		jobPath        string
		outputRoot     string
		statusAddr     string
		renderMode     string
		maxDepth       int
		maxResources   int
		concurrency    int
		maxDuration    time.Duration
		sitemapSeeding bool
		strictOffline  bool
	)

	cmd := &cobra.Command{
		Use:   "crawl [url ...]",
		Short: "Crawl one or more sites into an offline mirror",
		Long: `Crawls the seed URLs breadth-first within the configured scope, stores
every fetched resource under the output root, and rewrites links between
stored documents so the mirror can be browsed from disk. Terminal
per-URL outcomes and the stored-resource manifest are recorded in a
sqlite catalog inside the output root; re-running against the same root
resumes from that manifest instead of re-downloading.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			rules, err := config.Load(jobPath, func(doc *config.Document) {
				doc.Seeds = append(doc.Seeds, args...)
				if flags.Changed("root") {
					doc.Output.Root = outputRoot
				}
				if flags.Changed("status-addr") {
					doc.StatusAddr = statusAddr
				}
				if flags.Changed("render") {
					doc.Render.Mode = renderMode
				}
				if flags.Changed("depth") {
					doc.Limits.MaxDepth = maxDepth
				}
				if flags.Changed("max-resources") {
					doc.Limits.MaxResources = maxResources
				}
				if flags.Changed("concurrency") {
					doc.Limits.Concurrency = concurrency
				}
				if flags.Changed("max-duration") {
					doc.Limits.MaxDuration = maxDuration
				}
				if flags.Changed("sitemap-seeding") {
					doc.Fetch.SitemapSeeding = sitemapSeeding
				}
				if flags.Changed("strict-offline") {
					doc.Output.StrictOffline = strictOffline
				}
			})
			if err != nil {
				return err
			}
			return runCrawl(cmd, rules)
		},
	}

	cmd.Flags().StringVarP(&jobPath, "job", "j", "", "job document (YAML or JSON)")
	cmd.Flags().StringVar(&outputRoot, "root", "", "directory the mirror is written to")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "expose /healthz and /metrics on this address while crawling")
	cmd.Flags().StringVar(&renderMode, "render", "", "JavaScript rendering mode: off, auto, or always")
	cmd.Flags().IntVar(&maxDepth, "depth", 0, "maximum link depth from the seeds")
	cmd.Flags().IntVar(&maxResources, "max-resources", 0, "stop after storing this many resources (0 = unlimited)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of concurrent fetch workers")
	cmd.Flags().DurationVar(&maxDuration, "max-duration", 0, "wall-clock budget for the whole crawl (0 = unlimited)")
	cmd.Flags().BoolVar(&sitemapSeeding, "sitemap-seeding", false, "expand seeds with URLs advertised by each host's sitemaps")
	cmd.Flags().BoolVar(&strictOffline, "strict-offline", false, "rewrite references to unmirrored URLs to an inert placeholder")

	return cmd
}

// runCrawl wires the collaborators around one engine run and prints the
// summary as JSON on stdout. The status listener, when configured, lives
// exactly as long as the crawl.
func runCrawl(cmd *cobra.Command, rules mirror.JobRules) error {
	logger := zap.L()
	runID := uuid.New()

	cat, err := catalog.Open(catalog.DefaultPath(rules.OutputRoot), runID.String())
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() {
		if cerr := cat.Close(); cerr != nil {
			logger.Warn("catalog close failed", zap.Error(cerr))
		}
	}()

	st, err := store.New(rules.OutputRoot, cat, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if prior, perr := cat.Resources(cmd.Context()); perr != nil {
		logger.Warn("catalog preload failed", zap.Error(perr))
	} else {
		st.Preload(prior)
	}

	plain := fetch.New(fetch.Config{
		UserAgent:    rules.UserAgent,
		Timeout:      rules.RequestTimeout,
		MaxRedirects: rules.MaxRedirects,
		MaxBodyBytes: rules.MaxBodyBytes,
		Filter:       fetch.NewTypeFilter(rules.ContentTypes),
	})

	rendered, closeRenderer, err := buildRenderer(rules, logger)
	if err != nil {
		return err
	}
	if closeRenderer != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if cerr := closeRenderer(closeCtx); cerr != nil {
				logger.Warn("renderer close failed", zap.Error(cerr))
			}
		}()
	}

	hub, err := buildProgressHub(rules, cat, logger)
	if err != nil {
		return err
	}

	var seeder engine.Seeder
	if rules.SitemapSeeding {
		seeder = sitemap.New(sitemap.Config{
			UserAgent: rules.UserAgent,
			Logger:    logger.Named("sitemap"),
		})
	}

	eng, err := engine.New(engine.Options{
		Rules:    rules,
		Store:    st,
		Plain:    plain,
		Rendered: rendered,
		Detector: render.NewHeuristic(),
		Robots:   fetch.NewRobotsEnforcer(rules.RespectRobots, rules.UserAgent, logger.Named("robots")),
		Seeder:   seeder,
		Journal:  cat,
		Emitter:  hub,
		Logger:   logger.Named("engine"),
		RunID:    runID,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var summary mirror.Summary
	g.Go(func() error {
		// Stops the status listener once the crawl is done.
		defer cancel()
		var runErr error
		summary, runErr = eng.Run(gctx)
		return runErr
	})
	if rules.StatusAddr != "" {
		status := webui.NewStatus(logger.Named("status"))
		g.Go(func() error {
			logger.Info("status listener started", zap.String("addr", rules.StatusAddr))
			return status.Run(gctx, rules.StatusAddr)
		})
	}
	err = g.Wait()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	if cerr := hub.Close(flushCtx); cerr != nil {
		logger.Warn("progress flush incomplete", zap.Error(cerr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	out, merr := json.MarshalIndent(summary, "", "  ")
	if merr != nil {
		return fmt.Errorf("encode summary: %w", merr)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// buildRenderer returns the rendered-page fetcher for the job, or a noop
// stand-in when the browser cannot start and the job merely prefers
// rendering. renderMode always insists on a working browser.
func buildRenderer(rules mirror.JobRules, logger *zap.Logger) (mirror.Fetcher, func(context.Context) error, error) {
	if !rules.RenderEnabled() {
		return nil, nil, nil
	}
	fetcher, err := render.New(render.Config{
		MaxParallel:       rules.RenderConcurrency,
		UserAgent:         rules.UserAgent,
		NavigationTimeout: rules.RequestTimeout,
		Settle:            rules.RenderSettle,
	})
	if err != nil {
		if rules.RenderMode == mirror.RenderAlways {
			return nil, nil, fmt.Errorf("init renderer: %w", err)
		}
		logger.Warn("renderer unavailable; continuing with plain fetches only", zap.Error(err))
		return render.NewNoop(), nil, nil
	}
	return fetcher, fetcher.Close, nil
}

func buildProgressHub(rules mirror.JobRules, cat *catalog.Catalog, logger *zap.Logger) (*progress.Hub, error) {
	sinkList := []progress.Sink{
		sinks.NewLogSink(logger.Named("progress")),
		sinks.NewCatalogSink(cat, logger.Named("stats")),
	}
	if rules.StatusAddr != "" {
		prom, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		sinkList = append(sinkList, prom)
	}
	return progress.NewHub(progress.Config{Logger: logger.Named("progress")}, sinkList...), nil
}
