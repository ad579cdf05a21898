package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Options struct {
	// Type is "memory", "redis" or "disabled".
	Type        string
	MemoryTiles int
	MemoryMB    int
	Redis       *redis.Client
	RedisPrefix string
	RedisTTL    time.Duration
}

// NewCache creates a cache instance based on the cache type
func NewCache(opts Options, log *zap.Logger) (Cache, error) {
	switch opts.Type {
	case "memory":
		log.Info("Using memory cache",
			zap.Int("max_tiles", opts.MemoryTiles),
			zap.Int("max_mb", opts.MemoryMB))
		return NewMemoryCache(opts.MemoryTiles, int64(opts.MemoryMB)*1024*1024), nil
	case "redis":
		if opts.Redis == nil {
			return nil, errors.New("redis cache requires REDIS_ADDR")
		}
		log.Info("Using redis cache", zap.String("prefix", opts.RedisPrefix), zap.Duration("ttl", opts.RedisTTL))
		return NewRedisCache(opts.Redis, opts.RedisPrefix, opts.RedisTTL, log), nil
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, redis, disabled)", opts.Type)
	}
}
