package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stillweb/stillweb/internal/progress"
)

// TestCatalogSinkCollapsesDeltas ensures fetch completions are summed
// per site and status class before persisting.
func TestCatalogSinkCollapsesDeltas(t *testing.T) {
	t.Parallel()

	recorder := &fakeStatsRecorder{}
	sink := NewCatalogSink(recorder, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageCrawlStart, TS: now},
		{
			RunID:       runID,
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			Bytes:       100,
			StatusClass: progress.Status2xx,
			TS:          now.Add(1 * time.Second),
		},
		{
			RunID:       runID,
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			Bytes:       50,
			StatusClass: progress.Status2xx,
			TS:          now.Add(2 * time.Second),
		},
		{
			RunID:       runID,
			Stage:       progress.StageFetchDone,
			Site:        "cdn.example.com",
			Bytes:       10,
			StatusClass: progress.Status2xx,
			TS:          now.Add(2 * time.Second),
		},
		{RunID: runID, Stage: progress.StageCrawlDone, TS: now.Add(3 * time.Second), Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Len(t, recorder.calls, 2)

	byHost := map[string]statsCall{}
	for _, call := range recorder.calls {
		require.Equal(t, runUUID, call.runID)
		byHost[call.site] = call
	}
	require.Equal(t, int64(2), byHost["example.com"].visits)
	require.Equal(t, int64(150), byHost["example.com"].bytes)
	require.Equal(t, int64(1), byHost["cdn.example.com"].visits)
	require.Equal(t, int64(10), byHost["cdn.example.com"].bytes)
}

// TestCatalogSinkSurfacesErrors returns recorder failures to the hub.
func TestCatalogSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	recorder := &fakeStatsRecorder{fail: true}
	sink := NewCatalogSink(recorder, nil)
	runID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{
			RunID:       runID,
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			StatusClass: progress.Status2xx,
			TS:          time.Now(),
		},
	})
	require.Error(t, err)
}

type fakeStatsRecorder struct {
	fail  bool
	calls []statsCall
}

type statsCall struct {
	runID       uuid.UUID
	site        string
	statusClass string
	visits      int64
	bytes       int64
}

func (f *fakeStatsRecorder) UpsertSiteStats(
	_ context.Context,
	runID uuid.UUID,
	site, statusClass string,
	visits, bytes int64,
	_ time.Time,
) error {
	if f.fail {
		return assertErr("stats")
	}
	f.calls = append(f.calls, statsCall{
		runID:       runID,
		site:        site,
		statusClass: statusClass,
		visits:      visits,
		bytes:       bytes,
	})
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
