// Package tileid provides slippy-map tile coordinates and the tile cover of a
// geographic bounding box.
package tileid

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	MaxZoom = 30

	// LatitudeMax is the Web Mercator latitude limit.
	LatitudeMax = 85.0511
)

var ErrInvalidTileID = errors.New("tileid: coordinates out of range")

// CanonicalTileID is a normalized tile coordinate with 0 <= X, Y < 2^Z.
type CanonicalTileID struct {
	Z int
	X int
	Y int
}

func NewCanonicalTileID(z, x, y int) (CanonicalTileID, error) {
	id := CanonicalTileID{Z: z, X: x, Y: y}
	if !id.Valid() {
		return CanonicalTileID{}, fmt.Errorf("%w: %v", ErrInvalidTileID, id)
	}
	return id, nil
}

func (id CanonicalTileID) Valid() bool {
	if id.Z < 0 || id.Z > MaxZoom {
		return false
	}
	n := 1 << id.Z
	return id.X >= 0 && id.X < n && id.Y >= 0 && id.Y < n
}

// Parent returns the tile one zoom level up. The root tile is its own parent.
func (id CanonicalTileID) Parent() CanonicalTileID {
	if id.Z == 0 {
		return id
	}
	return CanonicalTileID{Z: id.Z - 1, X: id.X >> 1, Y: id.Y >> 1}
}

// Quadrant returns child i (0..3) one zoom level down: bit 0 selects the
// eastern half, bit 1 the southern half.
func (id CanonicalTileID) Quadrant(i int) CanonicalTileID {
	return CanonicalTileID{
		Z: id.Z + 1,
		X: id.X<<1 + i&1,
		Y: id.Y<<1 + (i>>1)&1,
	}
}

// ChildIndex is the quadrant index of id within its parent.
func (id CanonicalTileID) ChildIndex() int {
	return id.X&1 | (id.Y&1)<<1
}

func (id CanonicalTileID) Children() [4]CanonicalTileID {
	return [4]CanonicalTileID{id.Quadrant(0), id.Quadrant(1), id.Quadrant(2), id.Quadrant(3)}
}

func (id CanonicalTileID) Unwrapped() UnwrappedTileID {
	return UnwrappedTileID(id)
}

// Bound returns the lon/lat rectangle covered by the tile.
func (id CanonicalTileID) Bound() orb.Bound {
	return maptile.New(uint32(id.X), uint32(id.Y), maptile.Zoom(id.Z)).Bound()
}

func (id CanonicalTileID) String() string {
	return fmt.Sprintf("%d/%d/%d", id.Z, id.X, id.Y)
}

// UnwrappedTileID is a tile coordinate before longitude wrapping. X may fall
// outside [0, 2^Z) when a view crosses the antimeridian.
type UnwrappedTileID struct {
	Z int
	X int
	Y int
}

// Canonical wraps X around the globe and clamps Y to the valid row range.
func (id UnwrappedTileID) Canonical() CanonicalTileID {
	n := 1 << id.Z
	x := id.X % n
	if x < 0 {
		x += n
	}
	y := min(max(id.Y, 0), n-1)
	return CanonicalTileID{Z: id.Z, X: x, Y: y}
}

func (id UnwrappedTileID) North() UnwrappedTileID {
	return UnwrappedTileID{Z: id.Z, X: id.X, Y: id.Y - 1}
}

func (id UnwrappedTileID) South() UnwrappedTileID {
	return UnwrappedTileID{Z: id.Z, X: id.X, Y: id.Y + 1}
}

func (id UnwrappedTileID) East() UnwrappedTileID {
	return UnwrappedTileID{Z: id.Z, X: id.X + 1, Y: id.Y}
}

func (id UnwrappedTileID) West() UnwrappedTileID {
	return UnwrappedTileID{Z: id.Z, X: id.X - 1, Y: id.Y}
}

func (id UnwrappedTileID) Parent() UnwrappedTileID {
	if id.Z == 0 {
		return id
	}
	return UnwrappedTileID{Z: id.Z - 1, X: id.X >> 1, Y: id.Y >> 1}
}

// ParentAt returns the ancestor at zoom z. z must not exceed id.Z.
func (id UnwrappedTileID) ParentAt(z int) UnwrappedTileID {
	if z >= id.Z {
		return id
	}
	shift := id.Z - z
	return UnwrappedTileID{Z: z, X: id.X >> shift, Y: id.Y >> shift}
}

func (id UnwrappedTileID) Quadrant(i int) UnwrappedTileID {
	return UnwrappedTileID{
		Z: id.Z + 1,
		X: id.X<<1 + i&1,
		Y: id.Y<<1 + (i>>1)&1,
	}
}

func (id UnwrappedTileID) Children() [4]UnwrappedTileID {
	return [4]UnwrappedTileID{id.Quadrant(0), id.Quadrant(1), id.Quadrant(2), id.Quadrant(3)}
}

// IsAncestorOf reports whether other lies strictly inside id.
func (id UnwrappedTileID) IsAncestorOf(other UnwrappedTileID) bool {
	return other.Z > id.Z && other.ParentAt(id.Z) == id
}

// Bound returns the lon/lat rectangle of the tile, shifted by whole worlds for
// wrapped X values.
func (id UnwrappedTileID) Bound() orb.Bound {
	n := 1 << id.Z
	b := id.Canonical().Bound()
	worlds := math.Floor(float64(id.X) / float64(n))
	if worlds != 0 {
		b.Min[0] += worlds * 360
		b.Max[0] += worlds * 360
	}
	return b
}

func (id UnwrappedTileID) String() string {
	return fmt.Sprintf("%d/%d/%d", id.Z, id.X, id.Y)
}

// CoordinateToTileID returns the tile containing lat/lon at zoom using the
// slippy-map formula. Longitudes outside [-180, 180) yield wrapped X values.
func CoordinateToTileID(lat, lon float64, zoom int) UnwrappedTileID {
	n := math.Exp2(float64(zoom))
	latRad := lat * math.Pi / 180.0

	x := math.Floor((lon + 180.0) / 360.0 * n)
	y := math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)

	return UnwrappedTileID{Z: zoom, X: int(x), Y: int(y)}
}

// TileFraction returns the fractional tile position of lat/lon at zoom.
func TileFraction(lat, lon float64, zoom int) (x, y float64) {
	n := math.Exp2(float64(zoom))
	lat = clampLatitude(lat)
	latRad := lat * math.Pi / 180.0
	x = (lon + 180.0) / 360.0 * n
	y = (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n
	return x, y
}

func clampLatitude(lat float64) float64 {
	return math.Max(-LatitudeMax, math.Min(LatitudeMax, lat))
}
