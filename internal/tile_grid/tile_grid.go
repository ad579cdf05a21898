// Package tile_grid converts geographic coordinates into Web Mercator tile indices
// and plans which tiles cover a circular region at each zoom level.
//
// The radius-to-degree conversion is an approximation (69 miles per degree of
// latitude, longitude scaled by 1/cos(lat)). It is adequate for small radii at
// moderate latitudes and degrades towards the poles.
package tile_grid

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/maptile"
)

const (
	// MilesPerDegree is the approximate length of one degree of latitude.
	MilesPerDegree = 69.0

	// MaxZoom is the deepest zoom level any tile service in use publishes.
	MaxZoom = 22
)

// Key identifies a single tile.
type Key struct {
	Z int
	X int
	Y int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Z, k.X, k.Y)
}

// Region is a circular download area around a center point.
type Region struct {
	CenterLat   float64
	CenterLon   float64
	RadiusMiles float64
}

// ZoomPlan is the rectangle of tiles covering a region at one zoom level.
type ZoomPlan struct {
	Zoom      int
	XMin      int
	YMin      int
	XMax      int
	YMax      int
	TileCount int
}

// Keys enumerates the plan row by row, x outer and y inner.
func (p ZoomPlan) Keys() []Key {
	keys := make([]Key, 0, p.TileCount)
	for x := p.XMin; x <= p.XMax; x++ {
		for y := p.YMin; y <= p.YMax; y++ {
			keys = append(keys, Key{Z: p.Zoom, X: x, Y: y})
		}
	}
	return keys
}

func (p ZoomPlan) Contains(x, y int) bool {
	return x >= p.XMin && x <= p.XMax && y >= p.YMin && y <= p.YMax
}

// ToIndex projects a coordinate onto the tile grid of the given zoom.
func ToIndex(latDeg, lonDeg float64, zoom int) (x, y int) {
	n := math.Exp2(float64(zoom))
	latRad := latDeg * math.Pi / 180.0
	x = int(math.Floor((lonDeg + 180.0) / 360.0 * n))
	y = int(math.Floor((1.0 - math.Asinh(math.Tan(latRad))/math.Pi) / 2.0 * n))
	return x, y
}

// BoundingBox returns the tile rectangle enclosing a radius around a center point.
// Indices are clamped to the grid so that regions touching the antimeridian or the
// Mercator latitude limit never produce keys outside [0, 2^zoom).
func BoundingBox(centerLat, centerLon, radiusMiles float64, zoom int) (xMin, yMin, xMax, yMax int) {
	latOffset := radiusMiles / MilesPerDegree
	lonOffset := radiusMiles / (MilesPerDegree * math.Cos(centerLat*math.Pi/180.0))

	north := centerLat + latOffset
	south := centerLat - latOffset
	east := centerLon + lonOffset
	west := centerLon - lonOffset

	xMin, yMin = ToIndex(north, west, zoom)
	xMax, yMax = ToIndex(south, east, zoom)

	limit := int(math.Exp2(float64(zoom))) - 1
	return clamp(xMin, limit), clamp(yMin, limit), clamp(xMax, limit), clamp(yMax, limit)
}

func clamp(v, limit int) int {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

// Plan computes the ZoomPlan of a region at one zoom level.
func Plan(region Region, zoom int) ZoomPlan {
	xMin, yMin, xMax, yMax := BoundingBox(region.CenterLat, region.CenterLon, region.RadiusMiles, zoom)
	return ZoomPlan{
		Zoom:      zoom,
		XMin:      xMin,
		YMin:      yMin,
		XMax:      xMax,
		YMax:      yMax,
		TileCount: (xMax - xMin + 1) * (yMax - yMin + 1),
	}
}

// PlanRange returns one plan per zoom level in ascending order.
func PlanRange(region Region, minZoom, maxZoom int) []ZoomPlan {
	if maxZoom < minZoom {
		return nil
	}
	plans := make([]ZoomPlan, 0, maxZoom-minZoom+1)
	for z := minZoom; z <= maxZoom; z++ {
		plans = append(plans, Plan(region, z))
	}
	return plans
}

// TileBounds is the inverse projection: the geographic edges of a tile.
func TileBounds(key Key) (north, west, south, east float64) {
	b := maptile.New(uint32(key.X), uint32(key.Y), maptile.Zoom(key.Z)).Bound()
	return b.Top(), b.Left(), b.Bottom(), b.Right()
}

// ValidZoomRange reports whether [minZoom, maxZoom] is a usable zoom range.
func ValidZoomRange(minZoom, maxZoom int) bool {
	return minZoom >= 0 && maxZoom >= minZoom && maxZoom <= MaxZoom
}
