// Command vigil is the host-local intrusion detection daemon. It loads a
// YAML configuration file, starts the enabled samplers, the rule engine, the
// alert pipeline, and the web dashboard, prints a startup banner, and shuts
// down gracefully on SIGTERM or SIGINT. A second signal forces exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/vigil/vigil/internal/config"
	"github.com/vigil/vigil/internal/engine"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the Vigil YAML configuration file")
	verbose := flag.Bool("v", false, "log at debug level regardless of config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	logger := newLogger(level)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("rules_path", cfg.RulesPath),
		slog.String("log_level", level),
	)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	// Give the samplers a moment to capture their baselines so the banner
	// reflects any degraded monitor.
	readyCtx, readyCancel := context.WithTimeout(ctx, 10*time.Second)
	eng.WaitReady(readyCtx)
	readyCancel()

	printBanner(cfg, eng)

	// Block until SIGTERM or SIGINT; a second signal skips the graceful path.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	go func() {
		sig := <-sigCh
		logger.Warn("second signal, forcing exit", slog.String("signal", sig.String()))
		os.Exit(1)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	eng.Stop(shutdownCtx)

	logger.Info("vigil exited cleanly")
}

// printBanner writes the human-readable startup summary to stdout. Log
// records go to stderr; the banner is the one thing meant for eyes.
func printBanner(cfg *config.Config, eng *engine.Engine) {
	fmt.Println("vigil — host intrusion detection")

	statuses := eng.MonitorStatuses()
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-12s %s\n", name, statuses[name])
	}

	if addr := eng.DashboardAddr(); addr != "" {
		fmt.Printf("  dashboard    http://%s\n", addr)
	}
	fmt.Printf("  alerts       %s\n", cfg.Alerts.LogFile)
}

// newLogger constructs a *slog.Logger writing JSON records to stderr at the
// requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
