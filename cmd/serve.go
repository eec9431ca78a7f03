package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/autoforwardx/autoforwardx/internal/config"
	"github.com/autoforwardx/autoforwardx/internal/engine"
)

// Exit codes: 0 clean stop, 2 config error, 3 runtime failure.
const (
	exitConfig  = 2
	exitRuntime = 3
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the forwarding engine and control-plane API",
		Run: func(cmd *cobra.Command, args []string) {
			runEngine()
		},
	}
}

func runEngine() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(exitConfig)
	}

	eng, err := engine.New(cfg, cfgPath)
	if err != nil {
		slog.Error("engine init failed", "error", err)
		os.Exit(exitRuntime)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		slog.Error("engine failed", "error", err)
		os.Exit(exitRuntime)
	}
}
