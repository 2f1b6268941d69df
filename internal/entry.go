// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/tessone/quire/internal/annotstore"
	"github.com/tessone/quire/internal/api"
	"github.com/tessone/quire/internal/library"
	"github.com/tessone/quire/internal/mcpserver"
	"github.com/tessone/quire/internal/pagesource"
	"github.com/tessone/quire/internal/rastercache"
	"github.com/tessone/quire/internal/sse"
	"github.com/tessone/quire/internal/storage"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	if app.mcp {
		// stdout carries the MCP transport; keep logs on stderr.
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: cfg.App.LogLevel,
		}))
	}
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("library_path", cfg.Library.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure library directory exists.
	if err := os.MkdirAll(cfg.Library.Path, 0o755); err != nil {
		return fmt.Errorf("create library dir: %w", err)
	}

	// Initialize document storage.
	files, err := storage.NewFS(cfg.Library.Path)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	// Initialize SQLite annotation store.
	store, err := annotstore.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init annotation store: %w", err)
	}
	defer store.Close()

	// Raster caches and document library.
	caches := rastercache.NewManager(cfg.Viewer.CacheCap)
	defer caches.CloseAll()

	lib := library.New(files, pagesource.NewFitz(), caches, logger)
	defer lib.Close()
	if err := lib.Refresh(); err != nil {
		logger.Warn("initial library scan failed", slog.String("error", err.Error()))
	}

	// SSE broker.
	broker := sse.NewBroker(cfg.Export.AnnotationThrottle)
	defer broker.Close()

	// Build API service.
	svc := api.NewService(lib, store, caches, broker, api.ServiceConfig{
		RenderRetries:    cfg.Viewer.RenderRetries,
		RetryDelay:       cfg.Viewer.RetryDelay,
		WatchdogAfter:    cfg.Viewer.WatchdogAfter,
		PreloadNeighbors: cfg.Viewer.PreloadNeighbors,
		PollInterval:     cfg.Viewer.PollInterval,
		ExportSizeCap:    cfg.Export.SizeCap,
	}, logger)
	defer svc.Close()

	if app.mcp {
		logger.Info("Starting MCP server on stdio")
		return mcpserver.New(lib, svc).ServeStdio()
	}

	apiRouter := api.NewRouter(svc, nil, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Watch the library directory for documents added, replaced, or
	// removed on disk.
	g.Go(func() error {
		if err := lib.Watch(gCtx, cfg.Library.Path); err != nil {
			logger.Warn("library watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
