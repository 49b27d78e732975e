// Package ratelimit throttles outbound Last.fm requests with a rolling log
// of request instants checked against per-second, per-minute and per-hour
// ceilings.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Default ceilings sit at roughly 80% of what Last.fm tolerates for a
// single API key (about 5 requests per second averaged over five minutes).
const (
	DefaultPerSecond = 4
	DefaultPerMinute = 200
	DefaultPerHour   = 10000

	// DefaultPollInterval is the step Wait sleeps between checks.
	DefaultPollInterval = 50 * time.Millisecond
)

// Config sets the three independent ceilings. A zero value disables
// that ceiling.
type Config struct {
	PerSecond int
	PerMinute int
	PerHour   int
}

// DefaultConfig returns the conservative default ceilings.
func DefaultConfig() Config {
	return Config{
		PerSecond: DefaultPerSecond,
		PerMinute: DefaultPerMinute,
		PerHour:   DefaultPerHour,
	}
}

// Stats is a snapshot of recent request volume.
type Stats struct {
	LastSecond int `json:"last_second"`
	LastMinute int `json:"last_minute"`
	LastHour   int `json:"last_hour"`
}

// Limiter is safe for concurrent use.
type Limiter struct {
	mu  sync.Mutex
	cfg Config
	log []time.Time // ascending request instants within the last hour

	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	pollInterval time.Duration
}

// New creates a limiter with the given ceilings.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:          cfg,
		now:          time.Now,
		sleep:        sleepContext,
		pollInterval: DefaultPollInterval,
	}
}

// CanProceed reports whether a request issued now would stay under every
// ceiling.
func (l *Limiter) CanProceed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.canProceedLocked(l.now())
}

// Record logs a request issued now.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purgeLocked(now)
	l.log = append(l.log, now)
}

// Wait blocks in small increments until CanProceed is true or ctx is done.
// The wait is bounded by the hourly window.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.CanProceed() {
			return nil
		}
		if err := l.sleep(ctx, l.pollInterval); err != nil {
			return err
		}
	}
}

// Acquire is Wait followed by Record, done under one lock so that
// concurrent callers cannot both pass the same free slot. Callers that
// issue requests should use Acquire; CanProceed, Record and Wait are the
// separate steps for callers that need to decide in between.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		if l.canProceedLocked(now) {
			l.log = append(l.log, now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		if err := l.sleep(ctx, l.pollInterval); err != nil {
			return err
		}
	}
}

// Stats returns request counts over the trailing second, minute and hour.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purgeLocked(now)
	return Stats{
		LastSecond: l.countSinceLocked(now.Add(-time.Second)),
		LastMinute: l.countSinceLocked(now.Add(-time.Minute)),
		LastHour:   len(l.log),
	}
}

func (l *Limiter) canProceedLocked(now time.Time) bool {
	l.purgeLocked(now)

	if l.cfg.PerHour > 0 && len(l.log) >= l.cfg.PerHour {
		return false
	}
	if l.cfg.PerMinute > 0 && l.countSinceLocked(now.Add(-time.Minute)) >= l.cfg.PerMinute {
		return false
	}
	if l.cfg.PerSecond > 0 && l.countSinceLocked(now.Add(-time.Second)) >= l.cfg.PerSecond {
		return false
	}
	return true
}

// purgeLocked drops entries older than one hour.
func (l *Limiter) purgeLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(l.log) && !l.log[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.log = append(l.log[:0], l.log[i:]...)
	}
}

// countSinceLocked counts entries strictly after since. The log is sorted,
// so it scans from the newest end.
func (l *Limiter) countSinceLocked(since time.Time) int {
	n := 0
	for i := len(l.log) - 1; i >= 0 && l.log[i].After(since); i-- {
		n++
	}
	return n
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
