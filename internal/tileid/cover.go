package tileid

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/paulmach/orb"
)

// MaxCoverTiles bounds how many tiles one cover may hold.
const MaxCoverTiles = 1 << 16

var ErrCoverTooLarge = errors.New("tileid: cover has too many tiles")

// Cover returns the canonical tiles at zoom whose area intersects bounds,
// including tiles that only touch its edges. Latitudes are clamped to the
// Web Mercator limit first. An empty or fully out-of-range box yields no tiles.
// The result is sorted by row, then column. Covers of more than
// MaxCoverTiles tiles fail with ErrCoverTooLarge before anything is allocated.
func Cover(bounds orb.Bound, zoom int) ([]CanonicalTileID, error) {
	if zoom < 0 || zoom > MaxZoom || isEmpty(bounds) {
		return nil, nil
	}
	south, west := bounds.Min[1], bounds.Min[0]
	north, east := bounds.Max[1], bounds.Max[0]
	if south > LatitudeMax || north < -LatitudeMax {
		return nil, nil
	}
	if east-west >= 360 {
		west, east = -180, 180
	}

	sw := CoordinateToTileID(math.Max(south, -LatitudeMax), west, zoom)
	ne := CoordinateToTileID(math.Min(north, LatitudeMax), east, zoom)

	cols := min(int64(ne.X-sw.X)+1, int64(1)<<zoom)
	rows := int64(sw.Y-ne.Y) + 1
	if n := cols * rows; n > MaxCoverTiles {
		return nil, fmt.Errorf("%w: %d tiles at zoom %d", ErrCoverTooLarge, n, zoom)
	}

	seen := make(map[CanonicalTileID]struct{}, cols*rows)
	tiles := make([]CanonicalTileID, 0, cols*rows)
	for x := sw.X; x <= ne.X; x++ {
		for y := ne.Y; y <= sw.Y; y++ {
			id := UnwrappedTileID{Z: zoom, X: x, Y: y}.Canonical()
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			tiles = append(tiles, id)
		}
	}

	slices.SortFunc(tiles, func(a, b CanonicalTileID) int {
		return cmp.Or(cmp.Compare(a.Y, b.Y), cmp.Compare(a.X, b.X))
	})
	return tiles, nil
}

func isEmpty(b orb.Bound) bool {
	for _, v := range []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1]
}
