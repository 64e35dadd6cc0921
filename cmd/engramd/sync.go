package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hikarudo/engram/internal/memory"
	"github.com/hikarudo/engram/internal/observability"
)

// syncCmd flushes the outbox without starting the API server. Useful after
// the remote backend comes back from an outage.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain queued writes to the remote store and report sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		observability.Setup(cfg.LogLevel, cfg.LogFormat)
		logger := slog.Default()
		ctx := cmd.Context()

		db, err := memory.OpenDB(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		remote, err := openRemote(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer remote.Close()

		outbox, err := memory.NewOutbox(db, remote, outboxConfig(cfg), logger)
		if err != nil {
			return err
		}

		stats, err := outbox.Drain(ctx)
		if err != nil {
			return err
		}
		pending, dead, err := outbox.Counts(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("processed: %d\n", stats.Processed)
		fmt.Printf("acked: %d\n", stats.Acked)
		fmt.Printf("retried: %d\n", stats.Retried)
		fmt.Printf("dead-lettered: %d\n", stats.DeadLettered)
		fmt.Printf("still pending: %d\n", pending)
		fmt.Printf("dead letters: %d\n", dead)
		return nil
	},
}
