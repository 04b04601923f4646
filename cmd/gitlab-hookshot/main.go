package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/gitlab-hookshot/internal/daemon"
)

var (
	flagConfigPath string
	flagVerbose    int

	defaultConfigPath = "/etc/gitlab-hookshot.toml"
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", defaultConfigPath, "Path to the TOML configuration file")
	rootCmd.PersistentFlags().CountVarP(&flagVerbose, "verbose", "v", "Increase log verbosity (repeat for debug)")

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		slog.Error("gitlab-hookshot failed", slog.Any("error", err))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "gitlab-hookshot",
	Short:   "Receives GitLab webhooks and runs configured actions serially",
	Version: "0.1.0",
	RunE:    runDaemon,
}

func logLevel(verbose int) slog.Level {
	switch {
	case verbose < 0:
		return slog.LevelWarn
	case verbose == 0:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(flagVerbose),
	}))

	d, err := daemon.New(flagConfigPath, logger)
	if err != nil {
		logger.Error("startup failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Run(ctx, flagConfigPath); err != nil {
		d.Shutdown(err.Error())
		logger.Error("daemon exited with error", slog.Any("error", err))
		return err
	}
	return nil
}
