package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"flywheel/internal/automation"
	"flywheel/internal/browser"
	appcfg "flywheel/internal/config"
	"flywheel/internal/items"
	"flywheel/internal/orchestrator"
	"flywheel/internal/publisher"
	"flywheel/internal/scheduler"
	"flywheel/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the flywheel server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServer(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to config file (default $FLYWHEEL_CONFIG, then config.yaml)")
	rootCmd.AddCommand(serveCmd)
}

func runServer(configPath string) error {
	// Load config
	cfg, err := appcfg.Load(configPath)
	if err != nil {
		return err
	}

	// Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store (SQLite)
	store, err := items.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// Browser session, shared by the single-flight engine
	driver, err := browser.NewChrome(rootCtx, cfg.Automation.Headless)
	if err != nil {
		return err
	}
	defer func() { _ = driver.Close() }()

	// Pipeline
	engine := automation.New(logger, cfg.Automation, store, driver)
	pub := publisher.New(logger, cfg.Publisher, store)
	orc := orchestrator.New(logger, store, engine, pub)

	sched := scheduler.New(logger, store, pub, cfg.Scheduler.Interval)
	sched.Start(rootCtx)
	defer sched.Stop()

	// HTTP server
	svc := &server.Service{
		Log:   logger,
		Cfg:   cfg,
		Store: store,
		Orc:   orc,
		Auth:  engine,
	}
	httpSrv := server.NewHTTPServer(svc)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	return nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
