package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lakowske/podserve/internal/config"
	"github.com/lakowske/podserve/internal/logger"
	"github.com/lakowske/podserve/internal/metrics"
	"github.com/lakowske/podserve/internal/service"
	"github.com/lakowske/podserve/internal/signals"
	"github.com/lakowske/podserve/internal/supervisor"
	"github.com/lakowske/podserve/internal/watcher"
)

var runCmd = &cobra.Command{
	Use:   "run <service>",
	Short: "Supervise a service in the foreground",
	Long: `Configure and supervise one service in the foreground.

The service's daemons are launched as child processes and monitored until
SIGTERM or SIGINT arrives. Health endpoints are served on
HEALTH_CHECK_PORT (default 8080).`,
	Args: cobra.ExactArgs(1),
	Run:  runService,
}

func runService(cmd *cobra.Command, args []string) {
	kind, err := service.ParseKind(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, closer := buildLogger()
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	cfg := config.New(string(kind), log)
	defaultsPath := envFilePath()
	if defaultsPath != "" {
		if err := cfg.ApplyDefaultsFile(defaultsPath); err != nil {
			slog.Error("Failed to apply defaults file", "path", defaultsPath, "error", err)
			os.Exit(1)
		}
	}

	svc, err := service.New(kind, cfg, log)
	if err != nil {
		slog.Error("Failed to create service", "error", err)
		os.Exit(1)
	}

	slog.Info("podserve starting",
		"version", version,
		"service", kind,
		"pid", os.Getpid(),
	)
	metrics.SetBuildInfo(version, string(kind))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PID 1 in a container must reap orphaned children.
	if signals.IsPID1() {
		go signals.ReapZombies(ctx, log)
	}

	sup := supervisor.New(svc, cfg, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigChan
		slog.Info("Received shutdown signal", "signal", sig.String())
		sup.Shutdown()
	}()

	if defaultsPath != "" {
		w := startEnvWatcher(ctx, defaultsPath, func() error {
			if err := cfg.ApplyDefaultsFile(defaultsPath); err != nil {
				return err
			}
			return sup.Reload(ctx)
		}, log)
		if w != nil {
			defer w.Stop()
		}
	}

	if err := sup.Run(ctx); err != nil {
		slog.Error("Supervisor exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("podserve shutdown complete")
}

// startEnvWatcher watches the defaults file and invokes handler on change.
// Returns nil on failure: a broken watcher is not fatal, the service just
// loses live reload. The caller owns Stop.
func startEnvWatcher(ctx context.Context, path string, handler watcher.ReloadHandler, log *slog.Logger) *watcher.Watcher {
	w, err := watcher.New(watcher.Config{
		Path:    path,
		Logger:  log,
		Handler: handler,
	})
	if err != nil {
		log.Warn("Failed to create defaults file watcher", "path", path, "error", err)
		return nil
	}
	if err := w.Start(ctx); err != nil {
		log.Warn("Failed to start defaults file watcher", "path", path, "error", err)
		w.Stop()
		return nil
	}
	return w
}

// buildLogger resolves logging settings from flags with environment
// fallbacks.
func buildLogger() (*slog.Logger, io.Closer) {
	level := logLevel
	if level == "" {
		level = getenvDefault("LOG_LEVEL", "info")
	}
	format := logFormat
	if format == "" {
		format = getenvDefault("LOG_FORMAT", "text")
	}
	file := logFile
	if file == "" {
		file = os.Getenv("LOG_FILE")
	}

	if file != "" {
		return logger.NewWithFile(level, format, file)
	}
	return logger.New(level, format), nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
