package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Nebiros96/ScrobblingAnalysis/internal/checkpoint"
)

// checkpointCmd groups checkpoint maintenance commands
var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or discard saved fetch progress",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List interrupted fetches that can be resumed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCheckpoints()
		if err != nil {
			return err
		}
		return listCheckpoints(cmd.Context(), store, cmd.OutOrStdout())
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear <username>",
	Short: "Discard saved progress for a user",
	Long: `Discard saved progress for a user so that the next fetch starts
from the first page.

By default both full and incremental checkpoints are removed; use --kind
to remove only one of them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kindFlag, _ := cmd.Flags().GetString("kind")
		kinds, err := parseKinds(kindFlag)
		if err != nil {
			return err
		}

		store, err := openCheckpoints()
		if err != nil {
			return err
		}
		return clearCheckpoints(store, args[0], kinds, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)

	checkpointClearCmd.Flags().String("kind", "all", "Checkpoint kind to remove: full, incremental or all")
}

func openCheckpoints() (*checkpoint.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.NewStore(cfg.CheckpointDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return store, nil
}

func parseKinds(s string) ([]checkpoint.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return []checkpoint.Kind{checkpoint.KindFull, checkpoint.KindIncremental}, nil
	case string(checkpoint.KindFull):
		return []checkpoint.Kind{checkpoint.KindFull}, nil
	case string(checkpoint.KindIncremental):
		return []checkpoint.Kind{checkpoint.KindIncremental}, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint kind %q (want full, incremental or all)", s)
	}
}

func listCheckpoints(ctx context.Context, store *checkpoint.Store, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	infos, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No saved progress.")
		return nil
	}

	fmt.Fprintf(out, "%s  %s  %s  %s  %s  %s\n",
		padToWidth("USER", 20), padToWidth("KIND", 11), padToWidth("ROWS", 10),
		padToWidth("PAGES", 11), padToWidth("SAVED", 16), "SKIPPED")
	for _, info := range infos {
		if info.Err != nil {
			fmt.Fprintf(out, "%s  %s  %s  %s  %s  %s\n",
				padToWidth(info.User, 20),
				padToWidth(string(info.Kind), 11),
				padToWidth("-", 10),
				padToWidth("-", 11),
				padToWidth("-", 16),
				"unreadable: "+info.Err.Error())
			continue
		}
		pages := fmt.Sprintf("%d/%d", info.LastPageFetched, info.TotalPages)
		skipped := formatPages(info.SkippedPages)
		if skipped == "" {
			skipped = "-"
		}
		fmt.Fprintf(out, "%s  %s  %s  %s  %s  %s\n",
			padToWidth(info.User, 20),
			padToWidth(string(info.Kind), 11),
			padToWidth(formatCount(info.RowCount), 10),
			padToWidth(pages, 11),
			padToWidth(info.SavedAt.Local().Format("2006-01-02 15:04"), 16),
			skipped)
	}
	return nil
}

func clearCheckpoints(store *checkpoint.Store, user string, kinds []checkpoint.Kind, out io.Writer) error {
	removed := 0
	for _, kind := range kinds {
		exists, err := store.Exists(user, kind)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if err := store.Clear(user, kind); err != nil {
			return err
		}
		removed++
		fmt.Fprintf(out, "Removed %s checkpoint for %s.\n", kind, user)
	}
	if removed == 0 {
		fmt.Fprintf(out, "No saved progress for %s.\n", user)
	}
	return nil
}
