package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/stillweb/stillweb/internal/progress"
)

// LogSink renders the event stream as structured log lines, the default
// way to watch a crawl from a terminal.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink that writes to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume writes one line per event. Failed resources log at warn so
// they stand out in a live tail; everything else logs at info.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		write := s.logger.Info
		if evt.Stage == progress.StageFailed {
			write = s.logger.Warn
		}
		write("progress",
			zap.String("stage", string(evt.Stage)),
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("site", evt.Site),
			zap.String("url", evt.URL),
			zap.Int("depth", evt.Depth),
			zap.Int("attempt", evt.Attempt),
			zap.Int64("bytes", evt.Bytes),
			zap.String("status_class", string(evt.StatusClass)),
			zap.Duration("duration", evt.Dur),
			zap.Bool("rendered", evt.Rendered),
			zap.String("reason", evt.Reason),
		)
	}
	return nil
}

// Close is a no-op; the logger outlives the sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
