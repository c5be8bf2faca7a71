package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark finished subscriptions as completed",
		Long: `sweep moves every ACTIVE subscription whose end date has passed and which
has no scheduled appointments left to COMPLETED. Run it from cron.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime()
			if err != nil {
				return err
			}
			if cfg.StorageBackend != "postgres" {
				return errPostgresRequired
			}

			st, closeStore, err := openStore(cmd.Context(), cfg, log, false)
			if err != nil {
				return err
			}
			defer closeStore()

			res, err := newService(cfg, st, log, nil, nil).CompleteFinished(cmd.Context())
			log.Info("sweep finished",
				slog.Int("completed", len(res.Completed)),
				slog.Int("skipped", res.Skipped),
			)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "completed %d subscriptions, %d still have pending appointments\n", len(res.Completed), res.Skipped)
			return nil
		},
	}
}
