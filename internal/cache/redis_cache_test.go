package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"offlinemap/internal/tile_grid"
)

func newTestRedisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, "offlinemap:tile:", ttl, zap.NewNop()), mr
}

func TestRedisCacheGetSet(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedisCache(t, time.Hour)
	key := tile_grid.Key{Z: 14, X: 9868, Y: 5160}

	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("empty cache returned a tile")
	}

	c.Set(ctx, key, []byte("\x89PNG"))

	got, ok := c.Get(ctx, key)
	if !ok || string(got) != "\x89PNG" {
		t.Fatalf("Get = %q ok=%v", got, ok)
	}
	if !mr.Exists("offlinemap:tile:14/9868/5160") {
		t.Error("tile not stored under the prefixed key")
	}
	if ttl := mr.TTL("offlinemap:tile:14/9868/5160"); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, ok := c.Get(ctx, key); ok {
		t.Error("tile should expire after the ttl")
	}
}

func TestRedisCacheClearKeepsForeignKeys(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedisCache(t, 0)

	for x := 0; x < 1200; x++ {
		c.Set(ctx, tile_grid.Key{Z: 11, X: x, Y: 7}, []byte("t"))
	}
	mr.Set("offlinemap:download", "lease-token")
	mr.Set("other:tile:1/0/0", "x")

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "offlinemap:tile:") {
			t.Fatalf("prefixed key %q survived Clear", k)
		}
	}
	if !mr.Exists("offlinemap:download") || !mr.Exists("other:tile:1/0/0") {
		t.Error("Clear removed keys outside its prefix")
	}
}

func TestRedisCacheUnavailableIsMiss(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedisCache(t, time.Minute)
	key := tile_grid.Key{Z: 1, X: 0, Y: 0}
	c.Set(ctx, key, []byte("t"))

	mr.Close()

	if _, ok := c.Get(ctx, key); ok {
		t.Error("unreachable redis should report a miss")
	}
	c.Set(ctx, key, []byte("t"))
	if err := c.Clear(ctx); err == nil {
		t.Error("Clear against unreachable redis should fail")
	}
}

func TestNewCacheRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c, err := NewCache(Options{Type: "redis", Redis: client, RedisPrefix: "p:"}, zap.NewNop())
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	rc, ok := c.(*RedisCache)
	if !ok {
		t.Fatalf("redis cache type %T", c)
	}
	if rc.ttl != DefaultRedisTTL {
		t.Errorf("ttl = %v, want default", rc.ttl)
	}
}
