package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-threader/model"
	"github.com/dhcgn/mbox-threader/state"
)

var (
	chunksStateDB string
	chunksArchive string
)

var chunksCmd = &cobra.Command{
	Use:   "chunks",
	Short: "Inspect and administer the chunk state store",
}

var chunksStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chunk counts by status, optionally listing one archive's chunks",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		counts, err := store.GetStats(cmd.Context())
		if err != nil {
			return err
		}
		for _, status := range []model.ChunkStatus{model.StatusPending, model.StatusProcessing, model.StatusCompleted, model.StatusFailed} {
			fmt.Printf("%-12s %d\n", status, counts[status])
		}

		if chunksArchive == "" {
			return nil
		}

		chunks, err := store.GetByArchive(cmd.Context(), chunksArchive)
		if err != nil {
			return err
		}
		fmt.Println()
		for _, chunk := range chunks {
			fmt.Printf("%s  %-10s  %10d bytes  offset %d\n", chunk.ID, chunk.Status, chunk.SizeBytes, chunk.ResumeOffset)
		}
		return nil
	},
}

var chunksLogCmd = &cobra.Command{
	Use:   "log [chunk-id]",
	Short: "Show the transition log of one chunk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.GetLog(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, entry := range entries {
			line := fmt.Sprintf("%s  %-12s", entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Status)
			if entry.Offset != nil {
				line += fmt.Sprintf("  offset %d", *entry.Offset)
			}
			if entry.Error != nil {
				line += "  " + *entry.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

var chunksResetCmd = &cobra.Command{
	Use:   "reset [chunk-id]",
	Short: "Return a completed or failed chunk to pending for retry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Reset(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("chunk %s reset to pending\n", args[0])
		return nil
	},
}

var chunksClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe all chunks and the processing log (destructive)",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.ClearAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("chunk state cleared")
		return nil
	},
}

func openStore() (*state.Store, error) {
	logger, _, err := setupLogger("warn", "")
	if err != nil {
		return nil, err
	}
	return state.NewStore(chunksStateDB, logger)
}

func init() {
	chunksCmd.PersistentFlags().StringVar(&chunksStateDB, "state-db", "", "Path to the chunk state database")
	chunksCmd.PersistentFlags().StringVar(&chunksArchive, "archive", "", "Archive path to list chunks for")
	_ = chunksCmd.MarkPersistentFlagRequired("state-db")

	chunksCmd.AddCommand(chunksStatusCmd, chunksLogCmd, chunksResetCmd, chunksClearCmd)
	rootCmd.AddCommand(chunksCmd)
}
