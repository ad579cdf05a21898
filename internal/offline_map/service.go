// Package offline_map is the boundary other parts of the application use to
// download, query and evict the offline tile cache.
package offline_map

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"offlinemap/internal/cache"
	"offlinemap/internal/downloader"
	"offlinemap/internal/metrics"
	"offlinemap/internal/tile_grid"
	"offlinemap/internal/tile_store"
)

type Service struct {
	// mu keeps read-through cache fills from landing after DeleteCache has
	// cleared the store and the cache.
	mu sync.RWMutex

	store      *tile_store.Store
	downloader *downloader.Downloader
	tileCache  cache.Cache
	logger     *zap.Logger
}

func New(store *tile_store.Store, dl *downloader.Downloader, tileCache cache.Cache, logger *zap.Logger) *Service {
	if tileCache == nil {
		tileCache = cache.NewNoopCache()
	}
	return &Service{
		store:      store,
		downloader: dl,
		tileCache:  tileCache,
		logger:     logger,
	}
}

// DownloadArea fetches every missing tile within radiusMiles of the center for
// zoom levels minZoom..maxZoom.
func (s *Service) DownloadArea(ctx context.Context, centerLat, centerLon, radiusMiles float64, minZoom, maxZoom int) downloader.Result {
	region := tile_grid.Region{CenterLat: centerLat, CenterLon: centerLon, RadiusMiles: radiusMiles}
	return s.downloader.Run(ctx, region, minZoom, maxZoom)
}

// Run lets the service stand in for the downloader inside the supervisor.
func (s *Service) Run(ctx context.Context, region tile_grid.Region, minZoom, maxZoom int) downloader.Result {
	return s.downloader.Run(ctx, region, minZoom, maxZoom)
}

// GetTile returns a cached tile, consulting the hot-tile cache first.
func (s *Service) GetTile(ctx context.Context, x, y, z int) ([]byte, bool, error) {
	key := tile_grid.Key{Z: z, X: x, Y: y}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if data, ok := s.tileCache.Get(ctx, key); ok {
		metrics.TileRequestsTotal.WithLabelValues("cache").Inc()
		return data, true, nil
	}

	data, ok, err := s.store.GetTile(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		metrics.TileRequestsTotal.WithLabelValues("miss").Inc()
		return nil, false, nil
	}

	metrics.TileRequestsTotal.WithLabelValues("store").Inc()
	s.tileCache.Set(ctx, key, data)
	return data, true, nil
}

func (s *Service) IsDownloadComplete(ctx context.Context) (bool, error) {
	return s.store.IsComplete(ctx)
}

func (s *Service) GetCachedCenter(ctx context.Context) (tile_store.Anchor, bool, error) {
	return s.store.CachedCenter(ctx)
}

// DeleteCache removes every stored tile. The completion flag and anchor are kept;
// resetting them is up to the caller's account policy.
func (s *Service) DeleteCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("delete cache: %w", err)
	}
	if err := s.tileCache.Clear(ctx); err != nil {
		s.logger.Warn("Failed to clear hot-tile cache", zap.Error(err))
	}
	s.logger.Info("Offline map cache deleted")
	return nil
}

func (s *Service) Status(ctx context.Context) (tile_store.Status, error) {
	return s.store.Status(ctx)
}
