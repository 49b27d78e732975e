package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Nebiros96/ScrobblingAnalysis/internal/checkpoint"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/config"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/dataset"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/extract"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/fetcher"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/metrics"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/ratelimit"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/store"
	"github.com/Nebiros96/ScrobblingAnalysis/pkg/lastfm"
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch <username>",
	Short: "Download or update a user's listening history",
	Long: `Download a Last.fm user's listening history into the local dataset.

The first fetch for a user downloads the complete history. Later fetches
only download scrobbles newer than the latest one already stored and
merge them in. Use --full to download everything again.

Progress is checkpointed every few pages. If a fetch is interrupted
(Ctrl-C, network trouble, too many failed pages) the next fetch for the
same user resumes where it stopped unless --no-resume is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().Bool("full", false, "Download the complete history even if a dataset exists")
	fetchCmd.Flags().Bool("no-resume", false, "Ignore saved progress and start over")
	fetchCmd.Flags().Bool("json", false, "Print progress and the result as JSON lines")
	fetchCmd.Flags().String("metrics-file", "", "Write Prometheus metrics to this file when done")
}

// fetchOptions are the per-invocation settings of a fetch
type fetchOptions struct {
	User        string
	Full        bool
	NoResume    bool
	JSON        bool
	MetricsFile string
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := fetchOptions{User: args[0]}
	opts.Full, _ = cmd.Flags().GetBool("full")
	opts.NoResume, _ = cmd.Flags().GetBool("no-resume")
	opts.JSON, _ = cmd.Flags().GetBool("json")
	opts.MetricsFile, _ = cmd.Flags().GetString("metrics-file")

	logger := setupLogger(logFileFlag, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fetchHistory(ctx, cfg, opts, cmd.OutOrStdout(), logger)
}

// fetchHistory wires the extraction pipeline from configuration and runs
// it for one user.
func fetchHistory(ctx context.Context, cfg *config.Config, opts fetchOptions, out io.Writer, logger zerolog.Logger) error {
	if cfg.LastFM.APIKey == "" {
		return fmt.Errorf("no Last.fm API key configured; set lastfm.api_key in %s or export SCROBBLING_LASTFM_API_KEY",
			filepath.Join(config.GetConfigDir(), "config.yaml"))
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	cache, err := store.Open(cfg.CachePath())
	if err != nil {
		return fmt.Errorf("failed to open dataset cache: %w", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close dataset cache")
		}
	}()

	checkpoints, err := checkpoint.NewStore(cfg.CheckpointDir())
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	client, err := lastfm.NewClient(lastfm.Config{
		APIKey:     cfg.LastFM.APIKey,
		BaseURL:    cfg.LastFM.BaseURL,
		HTTPClient: &http.Client{},
		Logger:     clientLogger{logger: logger.With().Str("component", "lastfm").Logger()},
	})
	if err != nil {
		return fmt.Errorf("failed to create Last.fm client: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		PerSecond: cfg.RateLimit.PerSecond,
		PerMinute: cfg.RateLimit.PerMinute,
		PerHour:   cfg.RateLimit.PerHour,
	})

	f := fetcher.New(client.User(), limiter, fetcher.Policy{
		MaxAttempts:       cfg.Extract.MaxAttempts,
		BackoffBase:       cfg.Extract.BackoffBase,
		RateLimitFallback: cfg.Extract.RateLimitFallback,
		RateLimitMargin:   cfg.Extract.RateLimitMargin,
	}, logger)

	orchestrator := extract.New(f, checkpoints, extract.Options{
		PageSize:             cfg.Extract.PageSize,
		CheckpointEvery:      cfg.Extract.CheckpointEvery,
		MaxConsecutiveErrors: cfg.Extract.MaxConsecutiveErrors,
		Location:             loc,
		Limiter:              limiter,
	}, logger)

	// An unfinished full download takes precedence over an incremental update
	full := opts.Full
	if !full && !opts.NoResume {
		full, err = checkpoints.Exists(opts.User, checkpoint.KindFull)
		if err != nil {
			return err
		}
		if full {
			logger.Info().Str("user", opts.User).Msg("Resuming unfinished full download")
		}
	}

	var existing []dataset.Scrobble
	if !full {
		existing, _, err = cache.Get(ctx, opts.User)
		if err != nil {
			return fmt.Errorf("failed to read dataset cache: %w", err)
		}
	}

	progress := newProgressPrinter(out, opts.JSON)
	req := extract.Request{
		User:     opts.User,
		Resume:   !opts.NoResume,
		Progress: progress.Report,
	}

	res, runErr := orchestrator.Update(ctx, req, existing)
	progress.Finish(opts.User, res)

	if opts.MetricsFile != "" {
		if err := metrics.WriteTextfile(opts.MetricsFile); err != nil {
			logger.Warn().Err(err).Str("path", opts.MetricsFile).Msg("Failed to write metrics")
		}
	}

	if runErr != nil && (res == nil || res.Status != extract.StatusFailed) {
		if errors.Is(runErr, extract.ErrExtractionInProgress) {
			return fmt.Errorf("another fetch for %s is already running; wait for it to finish", opts.User)
		}
		return runErr
	}

	if res.Status == extract.StatusComplete {
		// A full refetch replaces whatever was cached before
		if err := cache.Put(context.Background(), opts.User, dataset.Raw(res.Rows)); err != nil {
			return fmt.Errorf("failed to save dataset: %w", err)
		}
	}

	if opts.JSON {
		return outcomeError(opts.User, res)
	}
	return reportOutcome(out, opts.User, res)
}

// reportOutcome prints a human readable summary of the run
func reportOutcome(out io.Writer, user string, res *extract.Result) error {
	switch res.Status {
	case extract.StatusComplete:
		if res.Kind == checkpoint.KindIncremental && len(res.New) == 0 {
			fmt.Fprintf(out, "%s is up to date (%s scrobbles).\n", user, formatCount(len(res.Rows)))
		} else if res.Kind == checkpoint.KindIncremental {
			fmt.Fprintf(out, "Fetched %s new scrobbles for %s (%s total) in %s.\n",
				formatCount(len(res.New)), user, formatCount(len(res.Rows)), res.Elapsed.Round(time.Second))
		} else {
			fmt.Fprintf(out, "Fetched %s scrobbles for %s across %d pages in %s.\n",
				formatCount(len(res.Rows)), user, res.PagesFetched, res.Elapsed.Round(time.Second))
		}
		if len(res.SkippedPages) > 0 {
			fmt.Fprintf(out, "Warning: pages %s could not be fetched and are missing from the dataset.\n"+
				"Run 'scrobbling fetch --full %s' later to fill the gap.\n", formatPages(res.SkippedPages), user)
		}
		return nil

	case extract.StatusPaused:
		fmt.Fprintf(out, "Fetch paused: %v\n", res.Reason)
		fmt.Fprintf(out, "Progress was saved. Run '%s' to resume from page %d.\n", resumeCommand(user, res.Kind), res.ResumePage)
		return nil

	default:
		return outcomeError(user, res)
	}
}

// resumeCommand is the command that continues a paused run of kind
func resumeCommand(user string, kind checkpoint.Kind) string {
	if kind == checkpoint.KindFull {
		return "scrobbling fetch --full " + user
	}
	return "scrobbling fetch " + user
}

// outcomeError turns a failed result into an actionable error
func outcomeError(user string, res *extract.Result) error {
	if res.Status != extract.StatusFailed {
		return nil
	}
	switch {
	case errors.Is(res.Reason, fetcher.ErrUserNotFound):
		return fmt.Errorf("user %q was not found on Last.fm; check the username", user)
	case errors.Is(res.Reason, fetcher.ErrInvalidCredentials):
		return errors.New("the Last.fm API key was rejected; check lastfm.api_key or SCROBBLING_LASTFM_API_KEY")
	default:
		return fmt.Errorf("fetch failed: %w", res.Reason)
	}
}
