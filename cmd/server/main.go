// Command server is the main entry point for the verdict orchestration
// engine's HTTP surface: session creation, recording upload, analysis
// triggering, and the per-session event stream, plus health and metrics
// endpoints for the platform it runs on.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiaraoke/verdict/internal/app"
	"github.com/kiaraoke/verdict/internal/apperr"
	"github.com/kiaraoke/verdict/internal/config"
	"github.com/kiaraoke/verdict/internal/health"
	"github.com/kiaraoke/verdict/internal/httpapi"
	"github.com/kiaraoke/verdict/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "verdict: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "verdict: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("verdict starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "verdict"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	api := httpapi.New(application.Sessions(), application.Refprep(), application.Analysis(), application.Blobs(), application.Events(), application.Tasks(), metrics, logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/", api.Router())
	mux.Handle("/metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "redis", Check: func(ctx context.Context) error {
			// A miss on a probe key that will never exist still proves Redis
			// answered; any other error means the store itself is unreachable.
			_, err := application.Sessions().Get(ctx, "__readyz_probe__")
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return err
			}
			return nil
		}},
	).Register(mux)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	appErrCh := make(chan error, 1)
	go func() { appErrCh <- application.Run(ctx) }()

	slog.Info("server ready — press Ctrl+C to shut down")

	appDone := false
	exitCode := 0
	select {
	case err := <-serveErrCh:
		if err != nil {
			slog.Error("http server error", "err", err)
			exitCode = 1
		}
		stop()
	case err := <-appErrCh:
		appDone = true
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
			exitCode = 1
		}
		stop()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if !appDone {
		<-appErrCh
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exitCode
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
