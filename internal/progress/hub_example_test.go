package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tallySink counts terminal resource outcomes by stage.
type tallySink struct {
	stored int
	failed int
}

func (s *tallySink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case StageStored:
			s.stored++
		case StageFailed:
			s.failed++
		}
	}
	return nil
}

func (s *tallySink) Close(context.Context) error { return nil }

// ExampleHub shows the emit-then-close lifecycle: Close flushes
// whatever is still buffered before the sinks shut down.
func ExampleHub() {
	sink := &tallySink{}
	hub := NewHub(Config{MaxBatchWait: time.Hour}, sink)

	run := UUIDToBytes(uuid.MustParse("11111111-2222-3333-4444-555555555555"))
	hub.Emit(Event{RunID: run, TS: time.Unix(1, 0), Stage: StageStored, URL: "https://example.com/"})
	hub.Emit(Event{RunID: run, TS: time.Unix(2, 0), Stage: StageStored, URL: "https://example.com/about"})
	hub.Emit(Event{RunID: run, TS: time.Unix(3, 0), Stage: StageFailed, Reason: "http status 404"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("stored=%d failed=%d\n", sink.stored, sink.failed)
	// Output:
	// stored=2 failed=1
}
