package quadtree

import (
	"math"
	"testing"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

var world = orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}

func TestViewAtZoomZeroIsRoot(t *testing.T) {
	g := NewGenerator(0, 2)
	view, err := g.View(Camera{Center: orb.Point{0, 0}, Zoom: 0, Extent: world})

	require.NoError(t, err)
	require.Len(t, view, 1)
	_, ok := view[tileid.UnwrappedTileID{}]
	require.True(t, ok)
}

func TestViewRefinesNearCenter(t *testing.T) {
	g := NewGenerator(0, 1)
	cam := Camera{Center: orb.Point{0, 0}, Zoom: 3, Extent: world}
	view, err := g.View(cam)

	require.NoError(t, err)

	area := 0.0
	zooms := make(map[int]int)
	for id := range view {
		require.LessOrEqual(t, id.Z, 3)
		area += math.Pow(0.25, float64(id.Z))
		zooms[id.Z]++
		for other := range view {
			require.False(t, id.IsAncestorOf(other), "%s overlaps %s", id, other)
		}
	}
	require.InDelta(t, 1.0, area, 1e-9, "the view must tile the whole extent")
	require.Positive(t, zooms[3])
	require.Positive(t, zooms[2])

	center := tileid.CoordinateToTileID(0, 0, 3)
	_, ok := view[center]
	require.True(t, ok)
}

func TestViewRespectsExtent(t *testing.T) {
	g := NewGenerator(2, 1)
	extent := orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{20, 20}}
	view, err := g.View(Camera{Center: orb.Point{15, 15}, Zoom: 6, Extent: extent})

	require.NoError(t, err)
	require.NotEmpty(t, view)
	for id, b := range view {
		require.GreaterOrEqual(t, id.Z, 2)
		require.True(t, b.Intersects(extent), "%s is outside the extent", id)
	}
}

func TestViewRejectsUnboundedRefinement(t *testing.T) {
	g := NewGenerator(0, math.Inf(1))
	view, err := g.View(Camera{Center: orb.Point{0, 0}, Zoom: 22, Extent: world})
	require.ErrorIs(t, err, tileid.ErrCoverTooLarge)
	require.Nil(t, view)

	_, err = NewGenerator(22, 2).View(Camera{Center: orb.Point{0, 0}, Zoom: 22, Extent: world})
	require.ErrorIs(t, err, tileid.ErrCoverTooLarge)
}
