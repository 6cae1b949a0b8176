package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes Hub buffering. BufferSize is the emit channel capacity,
// MaxBatchEvents caps a single sink delivery, MaxBatchWait bounds how
// long a partial batch may age before delivery, and SinkTimeout limits
// each sink call. BaseContext, when set, parents every sink context so
// sinks shut down with the process. Zero values select the defaults.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 2048
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second

	// dropWarnInterval spaces out buffer-full warnings so a saturated
	// hub does not flood the log.
	dropWarnInterval = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub decouples the crawl hot path from its observers. Emit is a
// non-blocking enqueue; a single goroutine batches the stream and hands
// each batch to every sink in turn. Under sustained backpressure events
// are dropped, counted, and reported at a bounded log rate.
type Hub struct {
	cfg    Config
	sinks  []Sink
	in     chan Event
	quit   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	drops    dropCounter
	stopping atomic.Bool
	stopOnce sync.Once
	flushCtx context.Context
}

var _ Emitter = (*Hub)(nil)

// NewHub starts the delivery goroutine over sinks and returns a Hub
// ready to accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		in:     make(chan Event, cfg.BufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.run()
	return h
}

// Emit queues one event for delivery and returns without blocking. A
// full buffer drops the event; a malformed one is discarded before it
// can reach a sink. Emit after Close is a no-op.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.stopping.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding malformed progress event",
			zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	select {
	case h.in <- evt:
	default:
		if n, warn := h.drops.note(time.Now()); warn {
			h.logger.Warn("progress buffer full, dropping events", zap.Int64("dropped", n))
		}
	}
}

// Close stops intake, drains buffered events through the sinks, closes
// them, and waits for the delivery goroutine. Concurrent and repeated
// calls are safe; each waits for the same drain under its own ctx.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		h.flushCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain progress hub: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)

	flushEvery := time.NewTicker(h.cfg.MaxBatchWait)
	defer flushEvery.Stop()

	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	for {
		select {
		case evt := <-h.in:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				pending = h.deliver(pending)
			}
		case <-flushEvery.C:
			pending = h.deliver(pending)
		case <-h.quit:
			h.shutdown(pending)
			return
		}
	}
}

// deliver hands a copy of the batch to each sink under its own timeout
// and returns the pending slice emptied for reuse. One sink failing
// does not keep the batch from the rest.
func (h *Hub) deliver(pending []Event) []Event {
	if len(pending) == 0 {
		return pending
	}
	batch := append([]Event(nil), pending...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink rejected batch",
				zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
	return pending[:0]
}

// shutdown empties whatever Emit managed to queue before intake
// stopped, delivers it, and closes the sinks under the Close caller's
// context.
func (h *Hub) shutdown(pending []Event) {
	for draining := true; draining; {
		select {
		case evt := <-h.in:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				pending = h.deliver(pending)
			}
		default:
			draining = false
		}
	}
	h.deliver(pending)

	ctx := h.flushCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// dropCounter tallies events lost to backpressure and limits how often
// the loss is logged.
type dropCounter struct {
	mu       sync.Mutex
	count    int64
	lastWarn time.Time
}

// note records one drop. It returns the accumulated count and true when
// enough time has passed since the previous warning to log again.
func (d *dropCounter) note(now time.Time) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	if now.Sub(d.lastWarn) < dropWarnInterval {
		return 0, false
	}
	d.lastWarn = now
	n := d.count
	d.count = 0
	return n, true
}
