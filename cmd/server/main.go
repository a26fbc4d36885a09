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

	"reelforge/internal/assembly"
	"reelforge/internal/assets"
	"reelforge/internal/config"
	"reelforge/internal/endpoints"
	"reelforge/internal/ffmpeg"
	"reelforge/internal/hooks"
	"reelforge/internal/project"
	"reelforge/internal/provider"
	"reelforge/internal/queue"
	"reelforge/internal/server"
	"reelforge/internal/uploadcache"
)

// imageResolver bridges the upload cache and the provider's file host.
type imageResolver struct {
	cache  *uploadcache.Cache
	client *provider.Client
}

func (r *imageResolver) Resolve(ctx context.Context, localPath string) (string, bool, error) {
	res, err := r.cache.GetOrUpload(ctx, localPath, r.client.Upload)
	if err != nil {
		return "", false, err
	}
	return res.URL, res.Cached, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})
	slog.SetDefault(slog.New(jsonHandler))

	tools, err := ffmpeg.Discover(cfg.FFmpegPath, cfg.FFprobePath)
	if err != nil {
		slog.Error("media tools unavailable", "error", err)
		os.Exit(1)
	}

	storage, err := assets.NewStorage(cfg.StorageDir, cfg.DownloadTimeout)
	if err != nil {
		slog.Error("cannot initialize storage", "error", err)
		os.Exit(1)
	}

	client := provider.NewClient(cfg.APIURL, cfg.APIKey)
	store := project.NewStore(provider.VideoDurations())
	q := queue.NewQueue(client, cfg.GenerationTimeout)
	hooks.New(store, storage).RegisterAll(q)

	pipeline := assembly.NewPipeline(ffmpeg.NewRunner(tools), storage, store)
	images := &imageResolver{cache: uploadcache.New(0, 0), client: client}

	srv := server.NewServer(cfg.Port, endpoints.Deps{
		Store:                store,
		Queue:                q,
		Images:               images,
		Pipeline:             pipeline,
		Usage:                storage,
		Downloads:            storage,
		MaxParallelDownloads: cfg.MaxParallelDownloads,
		CostWarnThreshold:    cfg.CostWarnThreshold,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed to start", "error", err)
			cancel()
		}
	}()

	slog.Info("Reelforge server started", "port", cfg.Port, "storage", storage.Root())

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("Context cancelled")
	}

	// Graceful shutdown: stop accepting requests, then drain the workers.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	q.Shutdown()
	slog.Info("Server exited gracefully")
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
