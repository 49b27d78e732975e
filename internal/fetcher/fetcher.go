// Package fetcher retrieves single pages of a user's listening history,
// applying the rate limiter and a retry policy around every request.
package fetcher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Nebiros96/ScrobblingAnalysis/internal/dataset"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/metrics"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/ratelimit"
	"github.com/Nebiros96/ScrobblingAnalysis/pkg/lastfm"
	"github.com/rs/zerolog"
)

// dateTextLayout is the human readable date Last.fm sends next to uts
const dateTextLayout = "2 Jan 2006, 15:04"

// RecentTracksClient is the part of the Last.fm client the fetcher needs.
// *lastfm.UserService implements it.
type RecentTracksClient interface {
	GetRecentTracks(ctx context.Context, p lastfm.RecentTracksParams) (*lastfm.RecentTracksPage, error)
}

// Kind is the outcome of a page fetch
type Kind int

const (
	Success Kind = iota
	Retryable
	Fatal
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// PageRequest identifies one page of history
type PageRequest struct {
	User     string
	Page     int       // 1-based
	PageSize int       // rows per page, at most 200
	From     time.Time // optional lower bound
	To       time.Time // optional upper bound pinning pagination
}

// PageResult is the outcome of FetchPage.
//
// For Success, Rows holds the completed plays of the page (newest first)
// and TotalPages/TotalCount the totals reported by the service. For
// Retryable the retry budget was exhausted or ctx was cancelled. For
// Fatal, Err is a *FatalError.
type PageResult struct {
	Kind       Kind
	Rows       []dataset.Scrobble
	TotalPages int
	TotalCount int
	Attempts   int
	Err        error
}

// Fetcher fetches pages through a shared rate limiter
type Fetcher struct {
	client  RecentTracksClient
	limiter *ratelimit.Limiter
	policy  Policy
	logger  zerolog.Logger

	sleep   func(ctx context.Context, d time.Duration) error
	timeout func(page int) time.Duration
}

// New creates a Fetcher. A nil limiter disables client-side throttling.
func New(client RecentTracksClient, limiter *ratelimit.Limiter, policy Policy, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		client:  client,
		limiter: limiter,
		policy:  policy.withDefaults(),
		logger:  logger.With().Str("component", "fetcher").Logger(),
		sleep:   sleepContext,
		timeout: Timeout,
	}
}

// Policy returns the effective retry policy
func (f *Fetcher) Policy() Policy {
	return f.policy
}

// FetchPage fetches one page, retrying transient failures and waiting out
// rate limits. It never returns a Success with an error and never retries
// a fatal failure.
func (f *Fetcher) FetchPage(ctx context.Context, req PageRequest) PageResult {
	params := lastfm.RecentTracksParams{
		User:  req.User,
		Page:  req.Page,
		Limit: req.PageSize,
		From:  req.From,
		To:    req.To,
	}

	logger := f.logger.With().Int("page", req.Page).Logger()

	var (
		attempts       int
		failures       int
		rateLimitWaits int
		lastErr        error
	)

	for failures < f.policy.MaxAttempts {
		if err := f.acquire(ctx); err != nil {
			return cancelled(req.Page, attempts, err)
		}

		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, f.timeout(req.Page))
		start := time.Now()
		page, err := f.client.GetRecentTracks(attemptCtx, params)
		elapsed := time.Since(start)
		cancel()

		if err == nil {
			metrics.RecordRequest("success", elapsed)
			rows := convertTracks(req.User, page.Tracks)
			logger.Debug().
				Int("rows", len(rows)).
				Int("total_pages", page.TotalPages).
				Int("attempts", attempts).
				Dur("elapsed", elapsed).
				Msg("Fetched page")
			return PageResult{
				Kind:       Success,
				Rows:       rows,
				TotalPages: page.TotalPages,
				TotalCount: page.Total,
				Attempts:   attempts,
			}
		}

		if ctx.Err() != nil {
			return cancelled(req.Page, attempts, ctx.Err())
		}

		c := Classify(err)
		metrics.RecordRequest(c.Class.String(), elapsed)

		switch c.Class {
		case ClassFatal:
			logger.Error().Err(err).Str("kind", c.Kind.String()).Msg("Fatal error fetching page")
			return PageResult{
				Kind:     Fatal,
				Attempts: attempts,
				Err:      &FatalError{Kind: c.Kind, Err: err},
			}

		case ClassRateLimited:
			lastErr = err
			rateLimitWaits++
			if rateLimitWaits > f.policy.MaxRateLimitWaits {
				return PageResult{
					Kind:     Retryable,
					Attempts: attempts,
					Err:      fmt.Errorf("page %d: still rate limited after %d waits: %w", req.Page, f.policy.MaxRateLimitWaits, err),
				}
			}
			wait := f.policy.RateLimitWait(c.RetryAfter)
			logger.Warn().
				Dur("wait", wait).
				Int("wait_number", rateLimitWaits).
				Msg("Rate limited by Last.fm, backing off")
			metrics.RecordRateLimitWait(wait)
			if err := f.sleep(ctx, wait); err != nil {
				return cancelled(req.Page, attempts, err)
			}

		default:
			lastErr = err
			failures++
			if failures < f.policy.MaxAttempts {
				delay := f.policy.Backoff(failures)
				logger.Warn().
					Err(err).
					Int("attempt", failures).
					Dur("retry_in", delay).
					Msg("Transient error fetching page, retrying")
				if err := f.sleep(ctx, delay); err != nil {
					return cancelled(req.Page, attempts, err)
				}
			}
		}
	}

	logger.Error().Err(lastErr).Int("attempts", attempts).Msg("Giving up on page")
	return PageResult{
		Kind:     Retryable,
		Attempts: attempts,
		Err:      fmt.Errorf("page %d: giving up after %d attempts: %w", req.Page, failures, lastErr),
	}
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.limiter == nil {
		return nil
	}
	return f.limiter.Acquire(ctx)
}

// cancelled reports a fetch interrupted by the caller's context
func cancelled(page, attempts int, err error) PageResult {
	return PageResult{
		Kind:     Retryable,
		Attempts: attempts,
		Err:      fmt.Errorf("page %d: %w", page, err),
	}
}

// convertTracks keeps completed plays only. The now-playing entry and
// entries without a usable timestamp are dropped.
func convertTracks(user string, tracks []lastfm.RecentTrack) []dataset.Scrobble {
	rows := make([]dataset.Scrobble, 0, len(tracks))
	for _, t := range tracks {
		if t.NowPlaying || t.Date == nil {
			continue
		}
		ts, ok := parseTimestamp(t.Date)
		if !ok {
			continue
		}
		rows = append(rows, dataset.Scrobble{
			User:      user,
			Timestamp: ts,
			Artist:    t.Artist,
			Album:     t.Album,
			Track:     t.Name,
			URL:       t.URL,
		})
	}
	return rows
}

// parseTimestamp reads uts, falling back to the text form (UTC)
func parseTimestamp(d *lastfm.TrackDate) (time.Time, bool) {
	if d.UTS != "" {
		if secs, err := strconv.ParseInt(d.UTS, 10, 64); err == nil && secs > 0 {
			return time.Unix(secs, 0).UTC(), true
		}
	}
	if d.Text != "" {
		if t, err := time.ParseInLocation(dateTextLayout, d.Text, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
