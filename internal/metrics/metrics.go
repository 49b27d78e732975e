// Package metrics holds the Prometheus instrumentation for extraction runs.
//
// The CLI is short-lived, so instead of serving /metrics the collected
// values can be dumped in the node_exporter textfile format with
// WriteTextfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request Metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrobbling_lastfm_requests_total",
			Help: "Total number of user.getRecentTracks attempts by outcome",
		},
		[]string{"outcome"}, // "success", "retryable", "rate_limited", "fatal"
	)

	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scrobbling_lastfm_request_duration_seconds",
			Help:    "Duration of user.getRecentTracks attempts in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	RateLimitWaitSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrobbling_rate_limit_wait_seconds_total",
			Help: "Total time spent waiting after rate-limit responses",
		},
	)

	// Extraction Metrics
	PagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrobbling_pages_total",
			Help: "Total number of pages processed by outcome",
		},
		[]string{"outcome"}, // "fetched", "skipped"
	)

	RowsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrobbling_rows_fetched_total",
			Help: "Total number of scrobbles fetched",
		},
	)

	CheckpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrobbling_checkpoints_total",
			Help: "Total number of checkpoint saves by result",
		},
		[]string{"result"}, // "saved", "failed"
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrobbling_runs_total",
			Help: "Total number of extraction runs by mode and final status",
		},
		[]string{"mode", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrobbling_run_duration_seconds",
			Help:    "Duration of extraction runs in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1s .. ~4.5h
		},
		[]string{"mode"},
	)
)

// RecordRequest records one Last.fm attempt
func RecordRequest(outcome string, d time.Duration) {
	RequestsTotal.WithLabelValues(outcome).Inc()
	RequestDuration.Observe(d.Seconds())
}

// RecordRateLimitWait records time spent backing off after a rate limit
func RecordRateLimitWait(d time.Duration) {
	RateLimitWaitSeconds.Add(d.Seconds())
}

// RecordPage records a fetched page and its row count
func RecordPage(rows int) {
	PagesTotal.WithLabelValues("fetched").Inc()
	RowsFetched.Add(float64(rows))
}

// RecordSkippedPage records a page abandoned after exhausting retries
func RecordSkippedPage() {
	PagesTotal.WithLabelValues("skipped").Inc()
}

// RecordCheckpoint records a checkpoint save attempt
func RecordCheckpoint(err error) {
	result := "saved"
	if err != nil {
		result = "failed"
	}
	CheckpointsTotal.WithLabelValues(result).Inc()
}

// RecordRun records a finished extraction run
func RecordRun(mode, status string, d time.Duration) {
	RunsTotal.WithLabelValues(mode, status).Inc()
	RunDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// WriteTextfile writes every registered metric to path in the text
// exposition format. The file is written atomically.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
