// Package extract drives a paginated download of a user's listening
// history, checkpointing along the way so that long extractions survive
// interruptions, and produces the finalized dataset.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Nebiros96/ScrobblingAnalysis/internal/checkpoint"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/dataset"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/fetcher"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Defaults for Options
const (
	DefaultPageSize             = 200
	DefaultCheckpointEvery      = 50
	DefaultMaxConsecutiveErrors = 10
	DefaultProgressLogInterval  = 15 * time.Second
)

// PageFetcher fetches a single page. *fetcher.Fetcher implements it.
type PageFetcher interface {
	FetchPage(ctx context.Context, req fetcher.PageRequest) fetcher.PageResult
}

// CheckpointStore persists partial runs. *checkpoint.Store implements it.
type CheckpointStore interface {
	Save(ctx context.Context, cp *checkpoint.Checkpoint) error
	Load(ctx context.Context, user string, kind checkpoint.Kind) (*checkpoint.Checkpoint, error)
	Clear(user string, kind checkpoint.Kind) error
	Lock(user, runID string) (*checkpoint.RunLock, error)
}

// Options tunes the orchestrator. Zero values take the defaults.
type Options struct {
	PageSize             int
	CheckpointEvery      int // pages between periodic checkpoints
	MaxConsecutiveErrors int // failed pages in a row before pausing

	// Location for derived calendar fields. Nil means UTC.
	Location *time.Location

	// Limiter supplies rate limiter stats for progress reports. Optional.
	Limiter StatsSource

	// ProgressLogInterval throttles info-level progress logs.
	ProgressLogInterval time.Duration

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Request identifies the user to extract and how
type Request struct {
	User     string
	Resume   bool // continue from a stored checkpoint if one exists
	Progress ProgressFunc
}

// Orchestrator runs extractions. It holds no per-run state and may be
// used for several users concurrently; runs for the same user are
// serialized through the checkpoint store's lock.
type Orchestrator struct {
	fetcher     PageFetcher
	checkpoints CheckpointStore
	opts        Options
	finalizer   dataset.Finalizer
	logger      zerolog.Logger
}

// New creates an Orchestrator
func New(f PageFetcher, checkpoints CheckpointStore, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = DefaultCheckpointEvery
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if opts.ProgressLogInterval <= 0 {
		opts.ProgressLogInterval = DefaultProgressLogInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Orchestrator{
		fetcher:     f,
		checkpoints: checkpoints,
		opts:        opts,
		finalizer:   dataset.Finalizer{Location: opts.Location},
		logger:      logger.With().Str("component", "extract").Logger(),
	}
}

// Extract downloads the user's complete history.
//
// A paused result is not an error: err is nil and the checkpoint is left
// on disk for the next call with Resume set. A failed result is returned
// together with the fatal error.
func (o *Orchestrator) Extract(ctx context.Context, req Request) (*Result, error) {
	return o.run(ctx, req, checkpoint.KindFull, time.Time{})
}

// FetchSince downloads only plays strictly after since, walking pages
// newest first and stopping at the first row at or before since.
func (o *Orchestrator) FetchSince(ctx context.Context, req Request, since time.Time) (*Result, error) {
	if since.IsZero() {
		return nil, fmt.Errorf("since is required for an incremental extraction")
	}
	return o.run(ctx, req, checkpoint.KindIncremental, since.UTC())
}

// Update brings an existing dataset up to date. With no existing rows it
// performs a full extraction; otherwise it fetches plays newer than the
// latest existing one and merges them in. On completion Rows holds the
// finalized merged dataset.
func (o *Orchestrator) Update(ctx context.Context, req Request, existing []dataset.Scrobble) (*Result, error) {
	if len(existing) == 0 {
		return o.Extract(ctx, req)
	}

	res, err := o.FetchSince(ctx, req, dataset.Latest(existing))
	if err != nil || res.Status != StatusComplete {
		return res, err
	}

	res.Rows = o.finalizer.Finalize(dataset.Merge(existing, res.New))
	return res, nil
}

// run is a single extraction pass
type run struct {
	o      *Orchestrator
	req    Request
	kind   checkpoint.Kind
	since  time.Time
	upper  time.Time
	runID  string
	logger zerolog.Logger

	rows        []dataset.Scrobble
	page        int
	totalPages  int
	lastPage    int
	skipped     []int
	fetched     int
	consecutive int
	resumed     bool // state restored from a checkpoint
	started     time.Time
	progressLog rate.Sometimes
}

func (o *Orchestrator) run(ctx context.Context, req Request, kind checkpoint.Kind, since time.Time) (*Result, error) {
	req.User = strings.TrimSpace(req.User)
	if req.User == "" {
		return nil, fmt.Errorf("user is required")
	}

	r := &run{
		o:           o,
		req:         req,
		kind:        kind,
		since:       since,
		runID:       uuid.NewString(),
		page:        1,
		started:     o.opts.Now(),
		progressLog: rate.Sometimes{First: 1, Interval: o.opts.ProgressLogInterval},
	}
	r.upper = r.started.UTC().Truncate(time.Second)

	lock, err := o.checkpoints.Lock(req.User, r.runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrLocked) {
			return nil, fmt.Errorf("%w: %v", ErrExtractionInProgress, err)
		}
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			o.logger.Warn().Err(err).Str("user", req.User).Msg("Failed to release run lock")
		}
	}()

	if req.Resume {
		r.restore(ctx)
	}

	r.logger = o.logger.With().
		Str("run_id", r.runID).
		Str("user", req.User).
		Str("kind", string(kind)).
		Logger()

	event := r.logger.Info().Int("start_page", r.page).Int("rows", len(r.rows)).Time("upper_bound", r.upper)
	if !since.IsZero() {
		event = event.Time("since", since)
	}
	event.Msg("Starting extraction")

	res, err := r.loop(ctx)
	if res != nil {
		res.Elapsed = o.opts.Now().Sub(r.started)
		metrics.RecordRun(string(kind), res.Status.String(), res.Elapsed)
	}
	return res, err
}

// restore loads a compatible checkpoint into the run. Incompatible or
// unreadable checkpoints are ignored and overwritten by this run.
func (r *run) restore(ctx context.Context) {
	logger := r.o.logger.With().Str("user", r.req.User).Str("kind", string(r.kind)).Logger()

	cp, err := r.o.checkpoints.Load(ctx, r.req.User, r.kind)
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring unreadable checkpoint")
		return
	}
	if cp == nil {
		return
	}
	if cp.PageSize != r.o.opts.PageSize {
		logger.Warn().
			Int("checkpoint_page_size", cp.PageSize).
			Int("page_size", r.o.opts.PageSize).
			Msg("Ignoring checkpoint taken with a different page size")
		return
	}
	if r.kind == checkpoint.KindIncremental && !cp.Since.Equal(r.since) {
		logger.Info().
			Time("checkpoint_since", cp.Since).
			Time("since", r.since).
			Msg("Ignoring incremental checkpoint for a different watermark")
		return
	}

	r.resumed = true
	r.rows = cp.Rows
	r.page = cp.ResumePage()
	r.lastPage = r.page - 1
	r.totalPages = cp.TotalPages
	if !cp.UpperBound.IsZero() {
		r.upper = cp.UpperBound
	}
	if cp.RunID != "" {
		r.runID = cp.RunID
	}
	for _, p := range cp.SkippedPages {
		if p < r.page {
			r.skipped = append(r.skipped, p)
		}
	}

	logger.Info().
		Int("rows", len(cp.Rows)).
		Int("resume_page", r.page).
		Time("saved_at", cp.SavedAt).
		Msg("Resuming from checkpoint")
}

func (r *run) loop(ctx context.Context) (*Result, error) {
	opts := r.o.opts
	sizedTotal := false

	for !sizedTotal || r.page <= r.totalPages {
		if err := ctx.Err(); err != nil {
			return r.pause(err)
		}

		req := fetcher.PageRequest{
			User:     r.req.User,
			Page:     r.page,
			PageSize: opts.PageSize,
			To:       r.upper,
		}
		if r.kind == checkpoint.KindIncremental {
			req.From = r.since
		}

		res := r.o.fetcher.FetchPage(ctx, req)
		if err := ctx.Err(); err != nil {
			return r.pause(err)
		}

		switch res.Kind {
		case fetcher.Success:
			if !sizedTotal {
				r.totalPages = res.TotalPages
				sizedTotal = true
			}
			if res.TotalCount == 0 && r.fetched == 0 && len(r.rows) == 0 {
				r.logger.Info().Msg("No plays reported, nothing to fetch")
				return r.complete(), nil
			}

			rows, reachedSince := r.boundary(res.Rows)
			r.rows = append(r.rows, rows...)
			r.lastPage = r.page
			r.fetched++
			r.consecutive = 0
			metrics.RecordPage(len(rows))

			r.reportProgress(len(rows))

			if reachedSince {
				r.logger.Debug().Int("page", r.page).Msg("Reached previously known plays")
				return r.complete(), nil
			}

			r.page++
			switch {
			case r.fetched == 1 && !r.resumed:
				r.checkpoint(ctx, "initial")
			case r.fetched%opts.CheckpointEvery == 0:
				r.checkpoint(ctx, "periodic")
			}

		case fetcher.Retryable:
			r.consecutive++
			if r.consecutive >= opts.MaxConsecutiveErrors {
				r.logger.Warn().
					Err(res.Err).
					Int("page", r.page).
					Int("consecutive_errors", r.consecutive).
					Msg("Too many consecutive failures, pausing")
				return r.pause(res.Err)
			}
			r.logger.Warn().
				Err(res.Err).
				Int("page", r.page).
				Int("consecutive_errors", r.consecutive).
				Msg("Skipping page after exhausting retries")
			r.skipped = append(r.skipped, r.page)
			metrics.RecordSkippedPage()
			r.page++

		case fetcher.Fatal:
			return r.fail(res.Err)
		}
	}

	return r.complete(), nil
}

// boundary drops rows at or before the incremental watermark. Pages are
// newest first, so the first such row ends the scan.
func (r *run) boundary(rows []dataset.Scrobble) ([]dataset.Scrobble, bool) {
	if r.kind != checkpoint.KindIncremental {
		return rows, false
	}
	for i, row := range rows {
		if !row.Timestamp.After(r.since) {
			return rows[:i], true
		}
	}
	return rows, false
}

func (r *run) reportProgress(rowsThisPage int) {
	elapsed := r.o.opts.Now().Sub(r.started)
	p := Progress{
		RunID:              r.runID,
		Kind:               string(r.kind),
		User:               r.req.User,
		Page:               r.page,
		TotalPages:         r.totalPages,
		RowsSoFar:          len(r.rows),
		RowsThisPage:       rowsThisPage,
		EstimatedRemaining: estimateRemaining(elapsed, r.fetched, r.page, r.totalPages),
	}
	if r.o.opts.Limiter != nil {
		p.RateLimit = r.o.opts.Limiter.Stats()
	}

	r.logger.Debug().
		Int("page", p.Page).
		Int("total_pages", p.TotalPages).
		Int("rows_this_page", p.RowsThisPage).
		Msg("Page processed")
	r.progressLog.Do(func() {
		r.logger.Info().
			Int("page", p.Page).
			Int("total_pages", p.TotalPages).
			Int("rows", p.RowsSoFar).
			Dur("eta", p.EstimatedRemaining).
			Msg("Extraction progress")
	})

	if r.req.Progress == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error().Interface("panic", v).Msg("Progress callback panicked")
		}
	}()
	r.req.Progress(p)
}

func (r *run) snapshot() *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		RunID:           r.runID,
		Kind:            r.kind,
		User:            r.req.User,
		PageSize:        r.o.opts.PageSize,
		Rows:            r.rows,
		LastPageFetched: r.lastPage,
		TotalPages:      r.totalPages,
		UpperBound:      r.upper,
		Since:           r.since,
		SkippedPages:    r.skipped,
	}
}

// checkpoint saves progress. Failures are logged; the run continues.
func (r *run) checkpoint(ctx context.Context, reason string) {
	err := r.o.checkpoints.Save(ctx, r.snapshot())
	metrics.RecordCheckpoint(err)
	if err != nil {
		r.logger.Error().Err(err).Str("reason", reason).Msg("Failed to save checkpoint")
		return
	}
	r.logger.Info().
		Str("reason", reason).
		Int("page", r.lastPage).
		Int("total_pages", r.totalPages).
		Int("rows", len(r.rows)).
		Msg("Checkpoint saved")
}

// pause checkpoints and returns a resumable result. The save uses a
// fresh context since ctx may be the reason for pausing.
func (r *run) pause(reason error) (*Result, error) {
	cp := r.snapshot()
	err := r.o.checkpoints.Save(context.Background(), cp)
	metrics.RecordCheckpoint(err)

	res := &Result{
		Status:       StatusPaused,
		RunID:        r.runID,
		Kind:         r.kind,
		Since:        r.since,
		PagesFetched: r.fetched,
		TotalPages:   r.totalPages,
		SkippedPages: r.skipped,
		ResumePage:   cp.ResumePage(),
		Reason:       reason,
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to save checkpoint while pausing")
		return res, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	r.logger.Warn().
		Err(reason).
		Int("rows", len(r.rows)).
		Int("resume_page", res.ResumePage).
		Msg("Extraction paused")
	return res, nil
}

func (r *run) fail(err error) (*Result, error) {
	r.logger.Error().Err(err).Int("page", r.page).Msg("Extraction failed")
	return &Result{
		Status:       StatusFailed,
		RunID:        r.runID,
		Kind:         r.kind,
		Since:        r.since,
		PagesFetched: r.fetched,
		TotalPages:   r.totalPages,
		SkippedPages: r.skipped,
		Reason:       err,
	}, err
}

func (r *run) complete() *Result {
	raw := dataset.Dedupe(r.rows)

	if err := r.o.checkpoints.Clear(r.req.User, r.kind); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to remove checkpoint")
	}

	event := r.logger.Info().
		Int("rows", len(raw)).
		Int("pages_fetched", r.fetched).
		Int("total_pages", r.totalPages)
	if len(r.skipped) > 0 {
		event = event.Ints("skipped_pages", r.skipped)
	}
	event.Msg("Extraction complete")

	return &Result{
		Status:       StatusComplete,
		RunID:        r.runID,
		Kind:         r.kind,
		Rows:         r.o.finalizer.Finalize(raw),
		New:          raw,
		Since:        r.since,
		PagesFetched: r.fetched,
		TotalPages:   r.totalPages,
		SkippedPages: r.skipped,
	}
}
