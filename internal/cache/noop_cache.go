package cache

import (
	"context"

	"offlinemap/internal/tile_grid"
)

// NoopCache is used when CACHE=disabled; every read goes to the store.
type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (NoopCache) Get(context.Context, tile_grid.Key) ([]byte, bool) { return nil, false }

func (NoopCache) Set(context.Context, tile_grid.Key, []byte) {}

func (NoopCache) Clear(context.Context) error { return nil }
