package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATA_DIR", "/var/lib/offlinemap")

	cfg := Load()

	if cfg.MapDBPath != filepath.Join("/var/lib/offlinemap", "offline_map.db") {
		t.Errorf("MapDBPath = %q", cfg.MapDBPath)
	}
	if cfg.RadiusMiles != 10 || cfg.MinZoom != 0 || cfg.MaxZoom != 18 {
		t.Errorf("region defaults: radius=%v zoom=%d..%d", cfg.RadiusMiles, cfg.MinZoom, cfg.MaxZoom)
	}
	if cfg.BatchSize != 500 || cfg.BatchPause != 500*time.Millisecond || cfg.MaxConsecutiveErrors != 20 {
		t.Errorf("batch defaults: %d %v %d", cfg.BatchSize, cfg.BatchPause, cfg.MaxConsecutiveErrors)
	}
	if cfg.RetryWait != 15*time.Minute {
		t.Errorf("RetryWait = %v", cfg.RetryWait)
	}
	if cfg.UseRedisLock() {
		t.Error("redis lock should be off without REDIS_ADDR")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CACHED_MAP_RADIUS", "2.5")
	t.Setenv("CACHED_MAP_MAX_ZOOM_LEVEL", "14")
	t.Setenv("WAIT_BETWEEN_RETRIES", "90")
	t.Setenv("DOWNLOAD_BATCH_PAUSE", "250ms")
	t.Setenv("MAP_DB_MUST_EXIST", "true")
	t.Setenv("TILE_MAX_CONNS", "not-a-number")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg := Load()

	if cfg.RadiusMiles != 2.5 {
		t.Errorf("RadiusMiles = %v", cfg.RadiusMiles)
	}
	if cfg.MaxZoom != 14 {
		t.Errorf("MaxZoom = %d", cfg.MaxZoom)
	}
	if cfg.RetryWait != 90*time.Second {
		t.Errorf("RetryWait = %v", cfg.RetryWait)
	}
	if cfg.BatchPause != 250*time.Millisecond {
		t.Errorf("BatchPause = %v", cfg.BatchPause)
	}
	if !cfg.MapDBMustExist {
		t.Error("MapDBMustExist should be true")
	}
	if cfg.TileMaxConns != 500 {
		t.Errorf("invalid TILE_MAX_CONNS should fall back to 500, got %d", cfg.TileMaxConns)
	}
	if !cfg.UseRedisLock() {
		t.Error("redis lock should be on with REDIS_ADDR")
	}
}
