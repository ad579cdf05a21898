// Package tile_import seeds the tile store from a directory laid out as
// {root}/{z}/{x}/{y}.{png,jpg,jpeg,webp}, the layout most tile exporters write.
package tile_import

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"offlinemap/internal/tile_grid"
)

type Store interface {
	PutTile(ctx context.Context, key tile_grid.Key, data []byte) error
	ExistingKeys(ctx context.Context, zoom int) (map[[2]int]struct{}, error)
}

type Validator interface {
	Validate(data []byte) error
}

type Stats struct {
	Imported int
	Skipped  int
	Invalid  int
}

type Importer struct {
	store     Store
	validator Validator
	overwrite bool
	logger    *zap.Logger
}

func New(store Store, validator Validator, overwrite bool, logger *zap.Logger) *Importer {
	return &Importer{
		store:     store,
		validator: validator,
		overwrite: overwrite,
		logger:    logger,
	}
}

var extensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// Import walks root and upserts every tile it finds. Tiles already in the store
// are left alone unless the importer overwrites.
func (i *Importer) Import(ctx context.Context, root string) (Stats, error) {
	var stats Stats

	zoomDirs, err := os.ReadDir(root)
	if err != nil {
		return stats, fmt.Errorf("failed to read import directory: %w", err)
	}

	for _, zoomDir := range zoomDirs {
		if !zoomDir.IsDir() {
			continue
		}
		z, err := strconv.Atoi(zoomDir.Name())
		if err != nil || z < 0 || z > tile_grid.MaxZoom {
			i.logger.Warn("Skipping non-zoom directory", zap.String("name", zoomDir.Name()))
			continue
		}

		if err := i.importZoom(ctx, filepath.Join(root, zoomDir.Name()), z, &stats); err != nil {
			return stats, err
		}
	}

	i.logger.Info("Tile import finished",
		zap.String("root", root),
		zap.Int("imported", stats.Imported),
		zap.Int("skipped", stats.Skipped),
		zap.Int("invalid", stats.Invalid))
	return stats, nil
}

func (i *Importer) importZoom(ctx context.Context, dir string, z int, stats *Stats) error {
	existing := map[[2]int]struct{}{}
	if !i.overwrite {
		var err error
		existing, err = i.store.ExistingKeys(ctx, z)
		if err != nil {
			return err
		}
	}

	xDirs, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read zoom directory: %w", err)
	}

	limit := 1 << z
	for _, xDir := range xDirs {
		x, err := strconv.Atoi(xDir.Name())
		if !xDir.IsDir() || err != nil || x < 0 || x >= limit {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(dir, xDir.Name()))
		if err != nil {
			return fmt.Errorf("failed to read column directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if !extensions[ext] {
				continue
			}
			y, err := strconv.Atoi(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
			if err != nil || y < 0 || y >= limit {
				continue
			}

			if _, ok := existing[[2]int{x, y}]; ok {
				stats.Skipped++
				continue
			}

			path := filepath.Join(dir, xDir.Name(), entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				i.logger.Warn("Error reading tile file", zap.String("path", path), zap.Error(err))
				stats.Invalid++
				continue
			}

			if i.validator != nil {
				if err := i.validator.Validate(data); err != nil {
					i.logger.Warn("Skipping invalid tile file", zap.String("path", path), zap.Error(err))
					stats.Invalid++
					continue
				}
			}

			key := tile_grid.Key{Z: z, X: x, Y: y}
			if err := i.store.PutTile(ctx, key, data); err != nil {
				return err
			}
			stats.Imported++
		}
	}
	return nil
}
