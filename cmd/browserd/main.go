// Command browserd runs the browser session pool service: it admits
// automation jobs over HTTP, drives one isolated browser session per
// job, and keeps a crash-durable ledger of every job's lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/entrhq/browserd/pkg/automation"
	"github.com/entrhq/browserd/pkg/config"
	"github.com/entrhq/browserd/pkg/ledger"
	"github.com/entrhq/browserd/pkg/pool"
	"github.com/entrhq/browserd/pkg/profile"
	"github.com/entrhq/browserd/pkg/report"
	"github.com/entrhq/browserd/pkg/server"
	"github.com/entrhq/browserd/pkg/session"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listenAddr := flag.String("listen", "", "override the configured listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "browserd: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("browserd exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	alloc, err := profile.NewAllocator(cfg.ScratchRoot, logger)
	if err != nil {
		return err
	}
	led, err := ledger.NewFileLedger(cfg.LedgerRoot, logger)
	if err != nil {
		return err
	}
	writer, err := report.NewFileWriter(cfg.ReportsRoot, logger)
	if err != nil {
		return err
	}
	launcher, err := session.NewPlaywrightLauncher(logger)
	if err != nil {
		return err
	}

	mgr := pool.NewManager(pool.Options{
		MaxSessions:          cfg.MaxConcurrentSessions,
		DefaultTimeout:       cfg.PerJobTimeout(),
		AdmissionMode:        cfg.AdmissionMode,
		StartupRetries:       cfg.StartupRetries,
		TerminateGrace:       cfg.TerminateGrace(),
		QueueSaturationGrace: cfg.QueueSaturationGrace,
	}, alloc, launcher, led, writer, automation.NewRegistry(), logger)

	// Process-exit contract: reconcile the ledger against the live
	// process set before any admission is accepted.
	if err := mgr.Reconcile(ledger.OSChecker{}); err != nil {
		return err
	}

	go pruneLoop(ctx, led, cfg.FinishedRetention(), logger)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(mgr, cfg.Headless, logger).Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("browserd listening", "addr", cfg.ListenAddr,
			"max_sessions", cfg.MaxConcurrentSessions, "headless", cfg.Headless)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	case err := <-mgr.Fatal():
		// No working ledger means no way to track jobs.
		runErr = fmt.Errorf("ledger unavailable: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pool shutdown incomplete", "error", err)
	}

	logger.Info("browserd stopped")
	return runErr
}

// pruneLoop applies the finished-ledger retention policy at startup and
// then once a day. The startup pass matters for deployments that
// restart more often than the ticker fires.
func pruneLoop(ctx context.Context, led *ledger.FileLedger, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}

	prune := func() {
		removed, err := led.Prune(retention)
		if err != nil {
			logger.Warn("retention prune failed", "error", err)
			return
		}
		if removed > 0 {
			logger.Info("pruned finished ledger entries", "removed", removed)
		}
	}

	prune()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
