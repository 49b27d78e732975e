package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Nebiros96/ScrobblingAnalysis/internal/dataset"
	"github.com/Nebiros96/ScrobblingAnalysis/internal/store"
)

// showCmd represents the show command
var showCmd = &cobra.Command{
	Use:   "show [username]",
	Short: "Summarize a downloaded listening history",
	Long: `Print totals and the most recent scrobbles of a downloaded history.

Without a username, lists the users with a downloaded history.
Times are shown in the configured timezone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)

	showCmd.Flags().IntP("limit", "n", 10, "Number of recent scrobbles to list")
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	if _, err := os.Stat(cfg.CachePath()); os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing downloaded yet. Run 'scrobbling fetch <username>' first.")
		return nil
	}

	cache, err := store.Open(cfg.CachePath())
	if err != nil {
		return fmt.Errorf("failed to open dataset cache: %w", err)
	}
	defer cache.Close()

	ctx := context.Background()
	if len(args) == 0 {
		return listUsers(ctx, cache, cmd.OutOrStdout())
	}

	rows, ok, err := cache.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to read dataset cache: %w", err)
	}
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "No history for %s. Run 'scrobbling fetch %s' first.\n", args[0], args[0])
		return nil
	}

	table := dataset.Finalizer{Location: loc}.Finalize(rows)
	printSummary(cmd.OutOrStdout(), args[0], table, loc, limit)
	return nil
}

func listUsers(ctx context.Context, cache *store.SQLite, out io.Writer) error {
	users, err := cache.Users(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(out, "Nothing downloaded yet. Run 'scrobbling fetch <username>' first.")
		return nil
	}
	for _, user := range users {
		count, err := cache.Count(ctx, user)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s  %s scrobbles\n", padToWidth(user, 20), formatCount(count))
	}
	return nil
}

// printSummary prints totals followed by the newest limit rows, newest first
func printSummary(out io.Writer, user string, rows []dataset.Row, loc *time.Location, limit int) {
	s := dataset.Summarize(rows)

	fmt.Fprintf(out, "%s\n\n", user)
	fmt.Fprintf(out, "  Scrobbles   %s\n", formatCount(s.Scrobbles))
	fmt.Fprintf(out, "  Artists     %s\n", formatCount(s.Artists))
	fmt.Fprintf(out, "  Albums      %s\n", formatCount(s.Albums))
	fmt.Fprintf(out, "  Tracks      %s\n", formatCount(s.Tracks))
	if s.Scrobbles > 0 {
		fmt.Fprintf(out, "  Days        %s\n", formatCount(s.Days))
		fmt.Fprintf(out, "  First play  %s\n", s.First.In(loc).Format("2006-01-02 15:04"))
		fmt.Fprintf(out, "  Last play   %s\n", s.Last.In(loc).Format("2006-01-02 15:04"))
	}

	if limit <= 0 || len(rows) == 0 {
		return
	}

	fmt.Fprintln(out)
	for i := len(rows) - 1; i >= 0 && i >= len(rows)-limit; i-- {
		r := rows[i]
		fmt.Fprintf(out, "  %s  %s  %s  %s\n",
			r.Timestamp.In(loc).Format("2006-01-02 15:04"),
			padToWidth(r.Artist, 24),
			padToWidth(r.Track, 32),
			r.Album)
	}
}
