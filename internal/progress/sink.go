package progress

import "context"

// Sink receives event batches from a Hub. Consume must respect the
// deadline on ctx; a slow or failing sink costs the hub its per-sink
// timeout but never stalls the crawl. Close flushes whatever the sink
// still buffers and is called once, after the final batch.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the write side handed to the engine. A Hub satisfies it,
// as does any test double that records events.
type Emitter interface {
	Emit(evt Event)
}
