package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"offlinemap/internal/cache"
	"offlinemap/internal/config"
	"offlinemap/internal/downloader"
	httphandlers "offlinemap/internal/http"
	"offlinemap/internal/logger"
	"offlinemap/internal/metrics"
	"offlinemap/internal/offline_map"
	"offlinemap/internal/single_flight"
	"offlinemap/internal/supervisor"
	"offlinemap/internal/tile_fetcher"
	"offlinemap/internal/tile_grid"
	"offlinemap/internal/tile_image"
	"offlinemap/internal/tile_store"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if !tile_grid.ValidZoomRange(cfg.MinZoom, cfg.MaxZoom) {
		log.Fatal("Invalid zoom configuration",
			zap.Int("min_zoom", cfg.MinZoom),
			zap.Int("max_zoom", cfg.MaxZoom))
	}

	log.Info("Starting offline map server",
		zap.Int("port", cfg.Port),
		zap.String("db_path", cfg.MapDBPath),
		zap.String("tile_server", cfg.TileServer),
	)

	store, err := tile_store.Open(cfg.MapDBPath,
		tile_store.WithMustExist(cfg.MapDBMustExist),
		tile_store.WithLogger(log))
	if err != nil {
		log.Fatal("Failed to open tile store", zap.String("path", cfg.MapDBPath), zap.Error(err))
	}
	defer store.Close()

	var fetcherOpts []tile_fetcher.Option
	if cfg.ValidateTiles {
		tile_image.Startup(tile_image.Config{
			Concurrency: cfg.VipsConcurrency,
			MaxCacheMB:  cfg.VipsMaxCacheMB,
		}, log)
		defer tile_image.Shutdown()
		fetcherOpts = append(fetcherOpts, tile_fetcher.WithValidator(tile_image.NewInspector(log)))
	}

	fetcher := tile_fetcher.New(store, tile_fetcher.Options{
		BaseURL:   cfg.TileServer,
		UserAgent: cfg.TileUserAgent,
		Timeout:   cfg.TileTimeout,
		MaxConns:  cfg.TileMaxConns,
	}, log, fetcherOpts...)

	dl := downloader.New(store, fetcher, log, downloader.Options{
		BatchSize:            cfg.BatchSize,
		BatchPause:           cfg.BatchPause,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
	})

	var rdb *redis.Client
	if cfg.UseRedisLock() {
		rdb = openRedis(cfg, log)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	tileCache, err := cache.NewCache(cache.Options{
		Type:        cfg.CacheType,
		MemoryTiles: cfg.CacheMemoryTiles,
		MemoryMB:    cfg.CacheMemoryMB,
		Redis:       rdb,
		RedisPrefix: "offlinemap:tile:",
		RedisTTL:    cfg.CacheRedisTTL,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	service := offline_map.New(store, dl, tileCache, log)

	var guard single_flight.Guard = single_flight.NewMemoryGuard()
	if rdb != nil {
		log.Info("Using Redis download guard", zap.String("key", cfg.LockKey))
		guard = single_flight.NewRedisGuard(rdb, cfg.LockKey, cfg.LockTTL, log)
	}

	sup := supervisor.New(service, store, guard, log, supervisor.Options{
		RadiusMiles: cfg.RadiusMiles,
		MinZoom:     cfg.MinZoom,
		MaxZoom:     cfg.MaxZoom,
		RetryWait:   cfg.RetryWait,
		MaxAttempts: cfg.MaxRetryAttempts,
	})

	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := sup.Start(startCtx); err != nil {
		log.Error("Failed to resume download", zap.Error(err))
	}
	startCancel()

	handlers := httphandlers.New(cfg, log, service, sup)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Routes(metrics.Handler()),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// Cancels an in-flight download; progress is durable and resumes on next start.
	sup.Stop()

	log.Info("Server stopped")
}

// openRedis returns nil when Redis is not reachable; the download guard then
// stays in-process.
func openRedis(cfg *config.Config, log *zap.Logger) *redis.Client {
	client := single_flight.OpenRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("Redis unavailable, continuing without it",
			zap.String("addr", cfg.RedisAddr), zap.Error(err))
		client.Close()
		return nil
	}

	log.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
	return client
}
