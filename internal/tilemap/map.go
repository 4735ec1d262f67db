// Package tilemap keeps one tile per cell of the cover of a bounding box.
package tilemap

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/mainloop"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tile"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
	"github.com/paulmach/orb"
)

// Map requests the tile cover of its extent and tells subscribers whenever a
// tile settles. Like tiles themselves it must only be used on the main loop.
type Map struct {
	source   tile.Source
	queue    *mainloop.Queue
	template tile.Params
	logger   logger.Logger

	bounds orb.Bound
	zoom   int

	tiles       map[tileid.CanonicalTileID]*tile.Tile
	subscribers map[int]func(*tile.Tile)
	nextSub     int
}

func New(source tile.Source, q *mainloop.Queue, template tile.Params, l logger.Logger) *Map {
	return &Map{
		source:      source,
		queue:       q,
		template:    template,
		logger:      l.With("component", "tilemap", "tileset", template.TilesetID),
		tiles:       make(map[tileid.CanonicalTileID]*tile.Tile),
		subscribers: make(map[int]func(*tile.Tile)),
	}
}

// SetExtent changes the area and zoom level Update covers.
func (m *Map) SetExtent(bounds orb.Bound, zoom int) {
	m.bounds = bounds
	m.zoom = zoom
}

// Subscribe registers fn for every tile completion, including failed and
// updated tiles. The returned function removes it.
func (m *Map) Subscribe(fn func(*tile.Tile)) func() {
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	return func() { delete(m.subscribers, id) }
}

// Update recomputes the cover. Tiles that left it are cancelled and pruned,
// new ones start loading; tiles already present are left alone.
func (m *Map) Update(ctx context.Context) error {
	cover, err := tileid.Cover(m.bounds, m.zoom)
	if err != nil {
		return err
	}
	want := make(map[tileid.CanonicalTileID]struct{}, len(cover))
	for _, id := range cover {
		want[id] = struct{}{}
	}

	for _, id := range sortedIDs(m.tiles) {
		if _, ok := want[id]; ok {
			continue
		}
		t := m.tiles[id]
		t.Cancel()
		t.Prune()
		delete(m.tiles, id)
	}

	var errs []error
	started := 0
	for _, id := range cover {
		if _, ok := m.tiles[id]; ok {
			continue
		}
		p := m.template
		p.ID = id
		t := tile.New(p, m.logger)
		m.tiles[id] = t
		started++
		if err := t.Initialize(ctx, m.source, m.queue, m.notify); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Debug("map updated", "zoom", m.zoom, "tiles", len(m.tiles), "started", started)
	return errors.Join(errs...)
}

// Tiles returns the current tiles ordered by row, then column.
func (m *Map) Tiles() []*tile.Tile {
	out := make([]*tile.Tile, 0, len(m.tiles))
	for _, id := range sortedIDs(m.tiles) {
		out = append(out, m.tiles[id])
	}
	return out
}

// Loaded counts tiles holding a payload.
func (m *Map) Loaded() int {
	n := 0
	for _, t := range m.tiles {
		if s := t.State(); s == tile.StateLoaded || s == tile.StateUpdated {
			n++
		}
	}
	return n
}

// Close cancels and prunes every tile.
func (m *Map) Close() {
	for id, t := range m.tiles {
		t.Cancel()
		t.Prune()
		delete(m.tiles, id)
	}
}

func (m *Map) notify(t *tile.Tile) {
	for _, id := range slices.Sorted(maps.Keys(m.subscribers)) {
		if fn, ok := m.subscribers[id]; ok {
			fn(t)
		}
	}
}

func sortedIDs(tiles map[tileid.CanonicalTileID]*tile.Tile) []tileid.CanonicalTileID {
	ids := slices.Collect(maps.Keys(tiles))
	slices.SortFunc(ids, func(a, b tileid.CanonicalTileID) int {
		return cmp.Or(cmp.Compare(a.Y, b.Y), cmp.Compare(a.X, b.X))
	})
	return ids
}
