package cache

import (
	"context"

	"offlinemap/internal/tile_grid"
)

// Cache holds recently served tiles in front of the tile store. A miss is
// never an error: backends that can fail log and report a miss instead.
type Cache interface {
	Get(ctx context.Context, key tile_grid.Key) ([]byte, bool)
	Set(ctx context.Context, key tile_grid.Key, value []byte)
	Clear(ctx context.Context) error
}
