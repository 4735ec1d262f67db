// Package quadtree picks a level-of-detail tile set for a camera and
// reconciles the live tiles against it across zoom transitions.
package quadtree

import (
	"fmt"
	"math"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
	"github.com/paulmach/orb"
)

// Camera describes what is on screen. Zoom is the most detailed level a tile
// may reach; Extent limits the search to the visible area.
type Camera struct {
	Center orb.Point
	Zoom   int
	Extent orb.Bound
}

// Generator splits tiles near the camera center into their children until
// they reach the camera zoom.
type Generator struct {
	MinZoom int
	// SplitDistance is measured in tiles of the level being split.
	SplitDistance float64
}

func NewGenerator(minZoom int, splitDistance float64) *Generator {
	return &Generator{MinZoom: minZoom, SplitDistance: splitDistance}
}

// View returns the tiles to display for cam, keyed by id, with their bounds.
// Tiles never overlap. A view of more than tileid.MaxCoverTiles tiles fails
// with tileid.ErrCoverTooLarge.
func (g *Generator) View(cam Camera) (map[tileid.UnwrappedTileID]orb.Bound, error) {
	zoom := min(max(cam.Zoom, 0), tileid.MaxZoom)
	start := min(max(g.MinZoom, 0), zoom)

	cover, err := tileid.Cover(cam.Extent, start)
	if err != nil {
		return nil, err
	}
	view := make(map[tileid.UnwrappedTileID]orb.Bound, len(cover))
	for _, id := range cover {
		if err := g.split(cam, zoom, id.Unwrapped(), view); err != nil {
			return nil, err
		}
	}
	return view, nil
}

func (g *Generator) split(cam Camera, zoom int, id tileid.UnwrappedTileID, view map[tileid.UnwrappedTileID]orb.Bound) error {
	b := id.Bound()
	if !b.Intersects(cam.Extent) {
		return nil
	}
	if id.Z >= zoom || g.distance(cam, id) >= g.SplitDistance {
		if len(view) >= tileid.MaxCoverTiles {
			return fmt.Errorf("%w: view exceeds %d tiles", tileid.ErrCoverTooLarge, tileid.MaxCoverTiles)
		}
		view[id] = b
		return nil
	}
	for _, child := range id.Children() {
		if err := g.split(cam, zoom, child, view); err != nil {
			return err
		}
	}
	return nil
}

// distance from the camera center to the tile center, in tiles of id's level.
func (g *Generator) distance(cam Camera, id tileid.UnwrappedTileID) float64 {
	fx, fy := tileid.TileFraction(cam.Center.Lat(), cam.Center.Lon(), id.Z)
	dx := fx - (float64(id.X) + 0.5)
	dy := fy - (float64(id.Y) + 0.5)
	return math.Hypot(dx, dy)
}
