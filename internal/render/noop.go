package render

import (
	"context"
	"errors"

	"github.com/stillweb/stillweb/internal/mirror"
)

// ErrDisabled indicates rendering has been turned off for the job.
var ErrDisabled = errors.New("rendering disabled")

// Noop implements mirror.RenderFetcher but always returns ErrDisabled.
// It stands in when a job runs with rendering off so callers never have
// to branch on a nil fetcher.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch returns ErrDisabled since this is a stub implementation.
func (Noop) Fetch(context.Context, mirror.FetchRequest) (mirror.FetchResult, error) {
	return mirror.FetchResult{}, ErrDisabled
}

// Close is a no-op.
func (Noop) Close(context.Context) error { return nil }
