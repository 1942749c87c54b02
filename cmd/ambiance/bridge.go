package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/ambiance/internal/bridge"
	"github.com/MrWong99/ambiance/internal/config"
	"github.com/MrWong99/ambiance/internal/observe"
	"github.com/MrWong99/ambiance/pkg/audio/discord"
)

var bridgeLogLevel string

// bridgeCmd runs the voice bridge over stdin/stdout. Stdout carries the
// protocol, so logs go to stderr only.
var bridgeCmd = &cobra.Command{
	Use:    "bridge",
	Short:  "Run the Discord voice bridge process (spawned by the host)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runBridge,
}

func init() {
	bridgeCmd.Flags().StringVar(&bridgeLogLevel, "log-level", string(config.LogInfo), "log level (debug, info, warn, error)")
}

func runBridge(cmd *cobra.Command, _ []string) error {
	logs := newLogger(config.LogLevel(bridgeLogLevel), "")
	slog.SetDefault(logs.Logger.With("component", "bridge"))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{Role: observe.RoleBridge, Version: Version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownOTel(context.Background()) }()

	b := bridge.New(discord.Dial, func() (bridge.Encoder, error) {
		return discord.NewOpusEncoder()
	})
	srv := bridge.NewServer(b, os.Stdin, os.Stdout)

	slog.Info("bridge ready", "pid", os.Getpid())
	err = srv.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := b.Shutdown(sctx); serr != nil {
		slog.Warn("bridge shutdown error", "err", serr)
	}
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	slog.Info("bridge exited")
	return nil
}
