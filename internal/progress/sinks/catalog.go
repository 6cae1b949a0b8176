package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stillweb/stillweb/internal/progress"
)

// SiteStatsRecorder persists aggregated per-site crawl counters.
type SiteStatsRecorder interface {
	UpsertSiteStats(ctx context.Context, runID uuid.UUID, site, statusClass string, visits, bytes int64, at time.Time) error
}

// CatalogSink collapses fetch completions into per-site deltas before
// persisting them, which keeps write amplification low on the catalog
// database.
type CatalogSink struct {
	recorder SiteStatsRecorder
	logger   *zap.Logger
}

// NewCatalogSink constructs a CatalogSink for the provided recorder.
func NewCatalogSink(recorder SiteStatsRecorder, logger *zap.Logger) *CatalogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogSink{recorder: recorder, logger: logger}
}

// Consume aggregates the batch and forwards one upsert per site and
// status class. It respects ctx deadlines and returns recorder errors
// verbatim.
func (s *CatalogSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.recorder == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)

	for _, evt := range batch {
		if evt.Stage != progress.StageFetchDone || evt.Site == "" {
			continue
		}
		key := statsKey{
			runID:       evt.RunUUID(),
			site:        evt.Site,
			statusClass: string(evt.StatusClass),
		}
		delta := stats[key]
		if delta == nil {
			delta = &statsDelta{}
			stats[key] = delta
		}
		delta.visits++
		delta.bytes += evt.Bytes
		if evt.TS.After(delta.at) {
			delta.at = evt.TS
		}
	}

	for key, delta := range stats {
		err := s.recorder.UpsertSiteStats(ctx, key.runID, key.site, key.statusClass, delta.visits, delta.bytes, delta.at)
		if err != nil {
			return fmt.Errorf("upsert site stats: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *CatalogSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	runID       uuid.UUID
	site        string
	statusClass string
}

type statsDelta struct {
	visits int64
	bytes  int64
	at     time.Time
}
