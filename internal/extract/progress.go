package extract

import (
	"time"

	"github.com/Nebiros96/ScrobblingAnalysis/internal/ratelimit"
)

// Progress is reported after every successfully fetched page
type Progress struct {
	RunID              string          `json:"run_id"`
	Kind               string          `json:"kind"`
	User               string          `json:"user"`
	Page               int             `json:"page"`
	TotalPages         int             `json:"total_pages"`
	RowsSoFar          int             `json:"rows_so_far"`
	RowsThisPage       int             `json:"rows_this_page"`
	RateLimit          ratelimit.Stats `json:"rate_limiter_stats"`
	EstimatedRemaining time.Duration   `json:"estimated_remaining_ns"`
}

// ProgressFunc receives progress synchronously from the fetch loop. It
// must return quickly; a nil ProgressFunc is allowed.
type ProgressFunc func(Progress)

// StatsSource exposes recent request volume, typically *ratelimit.Limiter
type StatsSource interface {
	Stats() ratelimit.Stats
}

// estimateRemaining extrapolates the average page time of this run over
// the pages still to fetch.
func estimateRemaining(elapsed time.Duration, fetched, page, totalPages int) time.Duration {
	if fetched <= 0 || totalPages <= page {
		return 0
	}
	perPage := elapsed / time.Duration(fetched)
	return perPage * time.Duration(totalPages-page)
}
