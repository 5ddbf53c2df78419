package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-threader/config"
	"github.com/dhcgn/mbox-threader/runner"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run the full pipeline: split, claim chunks, parse messages, reconstruct threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cmd)
		if err != nil {
			return err
		}

		logger, cleanup, err := setupLogger(cfg.LogLevel, cfg.LogDir)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		slog.SetDefault(logger)
		logger.Info("starting mbox-threader",
			"mbox", cfg.MboxPath,
			"chunkSizeMB", cfg.ChunkSizeMB,
			"workers", cfg.Workers,
			"orderBy", cfg.OrderBy,
			"resume", cfg.Resume)

		r, err := runner.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("runner.New: %w", err)
		}
		defer func() {
			_ = r.Close()
		}()

		_, err = r.Run(cmd.Context())
		return err
	},
}

func init() {
	if err := config.RegisterFlags(processCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(processCmd)
}
