package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/harunnryd/genji/internal/gateway"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the provider gateway",
	Long:  `Starts the streaming gateway that fronts the configured model providers and exposes the unified chat endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv, err := gateway.NewServer(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to build gateway: %w", err)
		}

		slog.Info("gateway listening", "port", cfg.Server.Port, "default_provider", cfg.Providers.Default)

		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		slog.Info("gateway stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
