package extract

import (
	"errors"
	"time"

	"github.com/Nebiros96/ScrobblingAnalysis/internal/checkpoint"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/dataset"
)

// ErrExtractionInProgress is returned when another run already holds the
// user's lock.
var ErrExtractionInProgress = errors.New("an extraction for this user is already in progress")

// Status is the terminal state of a run
type Status int

const (
	// StatusComplete means every page was processed and the dataset is final.
	StatusComplete Status = iota
	// StatusPaused means progress was checkpointed and a later run resumes it.
	StatusPaused
	// StatusFailed means the service rejected the request itself.
	StatusFailed
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusPaused:
		return "paused"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes how a run ended
type Result struct {
	Status Status
	RunID  string
	Kind   checkpoint.Kind

	// Rows is the finalized dataset. Set only when Status is complete.
	Rows []dataset.Row

	// New holds the raw rows fetched by this run, deduplicated and sorted
	// ascending. For incremental runs these are strictly newer than Since.
	New []dataset.Scrobble

	Since        time.Time
	PagesFetched int
	TotalPages   int
	SkippedPages []int

	// ResumePage is where the next run starts. Set only when paused.
	ResumePage int

	// Reason explains a pause or failure.
	Reason error

	Elapsed time.Duration
}
