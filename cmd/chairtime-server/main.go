package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "chairtime-server"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Default().Error("command failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   serviceName,
		Short: "Barber subscription scheduling service",
		Long: `chairtime-server books recurring barber appointments for subscription
clients and keeps them consistent through plan changes, pauses and cancellations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newSweepCmd())
	return root
}
