package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fjmerc/stashbox/internal/app"
	"github.com/fjmerc/stashbox/internal/config"
	"github.com/fjmerc/stashbox/internal/handlers"
	"github.com/fjmerc/stashbox/internal/metrics"
	"github.com/fjmerc/stashbox/internal/middleware"
	"github.com/fjmerc/stashbox/internal/utils"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(parseLogLevel(cfg.LogLevel))

	slog.Info("starting stashbox",
		"port", cfg.Port,
		"db_driver", cfg.DBDriver,
		"storage_type", cfg.StorageType,
		"max_file_size", int64(cfg.MaxFileSize),
		"files_route", cfg.FilesRoute,
		"thumbnails", cfg.ThumbnailsEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	uploadTracker := utils.NewUploadTracker()
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      buildHandler(a, uploadTracker, time.Now()),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	a.StartWorkers(ctx)

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "address", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		slog.Info("shutdown signal received", "signal", sig)

		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer drainCancel()

		// Uploads are refused from here on; in-flight ones get the full timeout.
		uploadTracker.Wait(drainCtx)

		if err := server.Shutdown(drainCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			if err := server.Close(); err != nil {
				slog.Error("server close failed", "error", err)
			}
		}

		cancel()
		slog.Info("server shutdown complete")
	}
}

// buildHandler registers every route and wraps the mux in the middleware chain
// (order: Recovery -> Logging -> Security -> Metrics -> handlers).
func buildHandler(a *app.App, uploadTracker *utils.UploadTracker, start time.Time) http.Handler {
	cfg := a.Config

	mux := handlers.NewRouter(handlers.Dependencies{
		Config:        cfg,
		Uploads:       a.Uploads,
		Streamer:      a.Streamer,
		Tracker:       a.Tracker,
		Sessions:      a.Repos.IncompleteUploads,
		Storage:       a.Storage,
		UploadTracker: uploadTracker,
		StartTime:     start,
	})
	mux.Handle("/metrics", handlers.MetricsHandler(a.Repos.IncompleteUploads, a.Storage))

	return middleware.RecoveryMiddleware(
		middleware.LoggingMiddleware(utils.ParseTrustedProxies(cfg.TrustedProxies))(
			middleware.SecurityHeadersMiddleware(cfg.FilesRoute)(
				metrics.Middleware(cfg.FilesRoute)(mux),
			),
		),
	)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
