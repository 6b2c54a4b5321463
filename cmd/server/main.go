// Package main is the entry point for the tile selection server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/minipath/server/internal/api"
	"github.com/minipath/server/internal/cache"
	"github.com/minipath/server/internal/config"
	"github.com/minipath/server/internal/data/slide"
	"github.com/minipath/server/internal/extract"
	"github.com/minipath/server/internal/foreground"
	"github.com/minipath/server/internal/pairing"
	"github.com/minipath/server/internal/render"
	"github.com/minipath/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Validated by Load.
	level, _ := cfg.Server.SlogLevel()
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting tile selection server", "port", cfg.Server.Port)

	ctx := context.Background()

	catalog, err := slide.NewCatalog(cfg.Data.SlidesDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open slide catalog: %w", err)
	}
	logger.Info("slide catalog loaded", "dir", cfg.Data.SlidesDir, "slides", len(catalog.List()))

	pairings, err := pairing.NewStore(cfg.Data.PairingDB)
	if err != nil {
		return fmt.Errorf("failed to open pairing store: %w", err)
	}
	defer pairings.Close()

	if cfg.Data.PairingCSV != "" {
		n, err := pairings.ImportCSVFile(ctx, cfg.Data.PairingCSV)
		if err != nil {
			return fmt.Errorf("failed to import pairings: %w", err)
		}
		logger.Info("imported pairings", "csv", cfg.Data.PairingCSV, "rows", n)
	}

	// Initialize cache manager (shared by every slide)
	cacheManager, err := cache.NewManager(cache.Config{
		FrameCacheSizeMB: cfg.Cache.FrameSizeMB,
		FrameTTL:         time.Duration(cfg.Cache.FrameTTLMinutes) * time.Minute,
		GridCacheSize:    cfg.Cache.GridCacheSize,
		ResultCacheSize:  cfg.Cache.ResultCacheSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	extractor := extract.NewExtractor(extract.Config{
		MemoryBudgetBytes: int64(cfg.Extraction.MemoryBudgetMB) << 20,
		Classifier: foreground.Classifier{
			Threshold:             uint8(cfg.Extraction.BackgroundThreshold),
			MaxBackgroundFraction: cfg.Extraction.MaxBackgroundFraction,
		},
	}, cacheManager, logger)

	renderer := render.NewOverlayRenderer(render.Config{
		CellSize:        cfg.Render.CellSize,
		GridCells:       cfg.Ranking.ImageSize / cfg.Ranking.PatchSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	svc := service.NewSlideService(service.SlideServiceConfig{
		Catalog:   catalog,
		Pairings:  pairings,
		Cache:     cacheManager,
		Extractor: extractor,
		Renderer:  renderer,
		Ranking:   cfg.Ranking.Config,
		Subset:    cfg.Ranking.Subset,
		AllFrames: cfg.Extraction.AllFrames,
		Logger:    logger,
	})

	// Initialize job manager for selection jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize job manager: %w", err)
	}
	logger.Info("selection job manager ready",
		"max_concurrent", cfg.Jobs.MaxConcurrent,
		"retention_days", cfg.Jobs.RetentionDays,
		"sqlite", cfg.Jobs.SQLitePath)

	jobManager.Executor = svc.ExecuteSelectJob
	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Service:     svc,
		Cache:       cacheManager,
		JobManager:  jobManager,
		CORSOrigins: cfg.Server.CORSOrigins,
		ImageFormat: cfg.Render.Format,
		Logger:      logger,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", "err", err)
	}

	logger.Info("server stopped")
	return nil
}
