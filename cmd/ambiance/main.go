// Command ambiance is the tabletop soundboard host. Run without a subcommand
// it serves the control surface and renders the mix; the "bridge" subcommand
// is the Discord voice bridge process the host spawns.
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

	"github.com/MrWong99/ambiance/internal/app"
	"github.com/MrWong99/ambiance/internal/config"
	"github.com/MrWong99/ambiance/internal/observe"
)

// Version information, set during build.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ambiance",
	Short: "Layered ambience soundboard with a Discord voice bridge",
	Long: `Ambiance mixes looping ambience, music and effects for tabletop sessions.

The host plays the mix on the local sound device or streams it into a Discord
voice channel through a separate bridge process.`,
	SilenceUsage: true,
	RunE:         runHost,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ambiance version %s (%s)\n", Version, GitCommit)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d elements, %d groups, output %s)\n",
			configPath, len(cfg.Library.Elements), len(cfg.Library.Groups), cfg.Output.Mode)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(versionCmd, validateCmd, bridgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runHost loads the config, starts the app and blocks until a signal.
func runHost(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", configPath)
		}
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logs := newLogger(cfg.Server.LogLevel, cfg.Server.LogFile)
	defer logs.Close()
	slog.SetDefault(logs.Logger)

	slog.Info("ambiance starting",
		"version", Version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"output", cfg.Output.Mode,
		"elements", len(cfg.Library.Elements),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{Role: observe.RoleHost, Version: Version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Settings service ──────────────────────────────────────────────────────
	// Polling starts only once the app exists, so every reload has a target.
	var application *app.App
	watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.Empty() {
			return
		}
		if diff.LogLevelChanged {
			logs.SetLevel(diff.NewLogLevel)
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		application.ApplyConfig(diff, new)
	})
	if err != nil {
		return err
	}

	application, err = app.New(ctx, watcher.Current(), app.WithSettings(watcher))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	go watcher.Watch(ctx)
	go reloadOnHangup(ctx, watcher)

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	return runErr
}

// reloadOnHangup re-reads the config file on SIGHUP without waiting for the
// next poll.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				slog.Warn("config: SIGHUP reload failed", "err", err)
				continue
			}
			slog.Info("config: SIGHUP reload", "changed", changed)
		}
	}
}
