package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names the milestone an Event reports.
type Stage string

const (
	// StageCrawlStart opens a run; StageCrawlDone closes it.
	StageCrawlStart Stage = "CRAWL_START"
	StageCrawlDone  Stage = "CRAWL_DONE"

	// StageFetchDone fires once per completed fetch attempt, successful
	// or not, and carries the traffic accounting fields.
	StageFetchDone Stage = "FETCH_DONE"
	// StageRetry fires before a transient failure is attempted again.
	StageRetry Stage = "FETCH_RETRY"

	// Terminal resource milestones, at most one per URL.
	StageStored  Stage = "RESOURCE_STORED"
	StageSkipped Stage = "RESOURCE_SKIPPED"
	StageFailed  Stage = "RESOURCE_FAILED"

	// StageRewritten fires for each stored document whose references
	// were redirected to local copies.
	StageRewritten Stage = "DOCUMENT_REWRITTEN"
)

// StatusClass buckets HTTP response codes for aggregation.
type StatusClass string

// Status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// ClassifyStatus maps an HTTP status code to its class.
func ClassifyStatus(code int) StatusClass {
	switch code / 100 {
	case 2:
		return Status2xx
	case 3:
		return Status3xx
	case 4:
		return Status4xx
	case 5:
		return Status5xx
	default:
		return StatusOther
	}
}

// Event is one crawl milestone. RunID and TS are stamped by the
// emitting engine; which of the remaining fields are meaningful depends
// on the stage.
type Event struct {
	RunID [16]byte
	TS    time.Time
	Stage Stage

	// Site is the host label for fetch and resource events.
	Site string
	// URL is the canonical resource URL the event concerns.
	URL string
	// Depth is the frontier depth of the resource, seeds at zero.
	Depth int
	// Bytes is the response size for fetch and store events.
	Bytes int64
	// StatusClass buckets the HTTP response on FETCH_DONE events.
	StatusClass StatusClass
	// Dur is the fetch latency, or total runtime on CRAWL_DONE.
	Dur time.Duration
	// Rendered marks fetches served by the headless browser.
	Rendered bool
	// Attempt counts retries already spent on the resource.
	Attempt int
	// Reason explains a skip or failure in short free text.
	Reason string
}

// Validate reports whether the event carries the fields its stage
// requires. The Hub discards events that fail here rather than handing
// sinks partial data.
func (e Event) Validate() error {
	if e.RunID == ([16]byte{}) {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	switch e.Stage {
	case StageCrawlStart, StageCrawlDone, StageRewritten:
		return nil
	case StageFetchDone:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
		if e.StatusClass == "" {
			return fmt.Errorf("%s requires status class", e.Stage)
		}
		return nil
	case StageRetry, StageStored:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
		return nil
	case StageSkipped, StageFailed:
		if e.Reason == "" {
			return fmt.Errorf("%s requires reason", e.Stage)
		}
		return nil
	default:
		return fmt.Errorf("unrecognized stage %q", e.Stage)
	}
}

// RunUUID returns the run identifier in uuid form.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes converts a run identifier to the form Event carries.
func UUIDToBytes(id uuid.UUID) [16]byte {
	return [16]byte(id)
}
