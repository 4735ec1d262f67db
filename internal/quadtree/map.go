package quadtree

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
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/metrics"
	"github.com/paulmach/orb"
)

// ParentTileChildren keeps a coarse tile on screen while the finer tiles
// replacing it load.
type ParentTileChildren struct {
	Parent          tileid.UnwrappedTileID
	Children        map[tileid.UnwrappedTileID]struct{}
	LoadingChildren int
}

// Map owns the live tiles of a quadtree view. All methods, and the tile
// callbacks they register, run on the main loop.
type Map struct {
	source   tile.Source
	queue    *mainloop.Queue
	template tile.Params
	metrics  *metrics.Metrics
	logger   logger.Logger

	view   map[tileid.UnwrappedTileID]orb.Bound
	active map[tileid.UnwrappedTileID]*tile.Tile

	// zoom-in: parent -> group, child -> parent
	parents     map[tileid.UnwrappedTileID]*ParentTileChildren
	childParent map[tileid.UnwrappedTileID]tileid.UnwrappedTileID

	// zoom-out: coarse tile -> finer tiles it replaces
	zoomOut map[tileid.UnwrappedTileID]map[tileid.UnwrappedTileID]struct{}

	onDispose []func(tileid.UnwrappedTileID)

	// set while RedrawMap runs; synchronous completions wait for its end
	reconciling bool
}

// NewMap creates tiles from template, overriding its ID per tile.
func NewMap(source tile.Source, q *mainloop.Queue, template tile.Params, m *metrics.Metrics, l logger.Logger) *Map {
	return &Map{
		source:      source,
		queue:       q,
		template:    template,
		metrics:     m,
		logger:      l.With("component", "quadtree", "tileset", template.TilesetID),
		view:        make(map[tileid.UnwrappedTileID]orb.Bound),
		active:      make(map[tileid.UnwrappedTileID]*tile.Tile),
		parents:     make(map[tileid.UnwrappedTileID]*ParentTileChildren),
		childParent: make(map[tileid.UnwrappedTileID]tileid.UnwrappedTileID),
		zoomOut:     make(map[tileid.UnwrappedTileID]map[tileid.UnwrappedTileID]struct{}),
	}
}

// OnDispose registers fn to run after a tile is removed from the map.
func (m *Map) OnDispose(fn func(tileid.UnwrappedTileID)) {
	m.onDispose = append(m.onDispose, fn)
}

// RedrawMap runs one reconciliation pass against view. New tiles start
// loading; tiles that left the view stay until whatever replaces them has
// loaded, then go. The returned error joins request errors of new tiles.
func (m *Map) RedrawMap(ctx context.Context, view map[tileid.UnwrappedTileID]orb.Bound) error {
	m.view = maps.Clone(view)
	m.reconciling = true
	defer func() { m.reconciling = false }()

	var started []tileid.UnwrappedTileID
	var errs []error
	for _, id := range sortedIDs(view) {
		if _, ok := m.active[id]; ok {
			continue
		}
		if err := m.start(ctx, id); err != nil {
			errs = append(errs, err)
		}
		started = append(started, id)
	}

	// Trackers anchored on tiles that left the view no longer hold anything.
	for _, child := range sortedIDs(m.childParent) {
		if !m.wanted(child) {
			m.detachChild(child)
		}
	}
	for _, coarse := range sortedIDs(m.zoomOut) {
		if !m.wanted(coarse) {
			delete(m.zoomOut, coarse)
		}
	}

	for _, id := range started {
		m.track(id)
	}

	m.resolve()
	m.collect()
	return errors.Join(errs...)
}

// Active lists the live tiles, sorted by zoom, row, column.
func (m *Map) Active() []tileid.UnwrappedTileID {
	return sortedIDs(m.active)
}

func (m *Map) Tile(id tileid.UnwrappedTileID) (*tile.Tile, bool) {
	t, ok := m.active[id]
	return t, ok
}

// Group returns the zoom-in group held by parent, if any.
func (m *Map) Group(parent tileid.UnwrappedTileID) (*ParentTileChildren, bool) {
	g, ok := m.parents[parent]
	return g, ok
}

// ZoomOutTracker returns the finer tiles kept until coarse loads.
func (m *Map) ZoomOutTracker(coarse tileid.UnwrappedTileID) ([]tileid.UnwrappedTileID, bool) {
	fine, ok := m.zoomOut[coarse]
	if !ok {
		return nil, false
	}
	return sortedIDs(fine), true
}

// Clear disposes every tile and forgets all transitions.
func (m *Map) Clear() {
	clear(m.parents)
	clear(m.childParent)
	clear(m.zoomOut)
	clear(m.view)
	for _, id := range sortedIDs(m.active) {
		m.dispose(id)
	}
}

func (m *Map) start(ctx context.Context, id tileid.UnwrappedTileID) error {
	p := m.template
	p.ID = id.Canonical()
	t := tile.New(p, m.logger)
	m.active[id] = t
	return t.Initialize(ctx, m.source, m.queue, func(*tile.Tile) { m.settled(id) })
}

// track registers the transition a freshly started tile takes part in.
func (m *Map) track(id tileid.UnwrappedTileID) {
	t := m.active[id]
	if t == nil || t.State().Settled() {
		return
	}

	if parent, ok := m.loadedAncestor(id); ok {
		g, ok := m.parents[parent]
		if !ok {
			g = &ParentTileChildren{Parent: parent, Children: make(map[tileid.UnwrappedTileID]struct{})}
			m.parents[parent] = g
		}
		g.Children[id] = struct{}{}
		g.LoadingChildren++
		m.childParent[id] = parent
	}

	fine := m.loadedDescendants(id)
	if len(fine) > 0 {
		m.zoomOut[id] = fine
	}
}

// loadedAncestor finds the closest live ancestor with content that is not
// itself part of the view. A child of a tile that is still loading is held
// by whatever that tile is waiting on.
func (m *Map) loadedAncestor(id tileid.UnwrappedTileID) (tileid.UnwrappedTileID, bool) {
	for z := id.Z - 1; z >= 0; z-- {
		a := id.ParentAt(z)
		t, ok := m.active[a]
		if !ok || m.wanted(a) {
			continue
		}
		if hasContent(t) {
			return a, true
		}
	}
	return tileid.UnwrappedTileID{}, false
}

func (m *Map) loadedDescendants(id tileid.UnwrappedTileID) map[tileid.UnwrappedTileID]struct{} {
	fine := make(map[tileid.UnwrappedTileID]struct{})
	for other, t := range m.active {
		if !id.IsAncestorOf(other) || m.wanted(other) || !hasContent(t) {
			continue
		}
		fine[other] = struct{}{}
	}
	return fine
}

func (m *Map) settled(id tileid.UnwrappedTileID) {
	if _, ok := m.active[id]; !ok || m.reconciling {
		return
	}
	m.resolve()
	m.collect()
}

// resolve releases groups whose children have all loaded and zoom-out
// trackers whose coarse tile has.
func (m *Map) resolve() {
	for _, parent := range sortedIDs(m.parents) {
		g := m.parents[parent]
		loading := 0
		for child := range g.Children {
			if t, ok := m.active[child]; ok && !t.State().Settled() {
				loading++
			}
		}
		g.LoadingChildren = loading
		if loading > 0 {
			continue
		}
		for child := range g.Children {
			delete(m.childParent, child)
		}
		delete(m.parents, parent)
		m.logger.Debug("zoom-in complete", "parent", parent.String(), "children", len(g.Children))
	}

	for _, coarse := range sortedIDs(m.zoomOut) {
		t, ok := m.active[coarse]
		if ok && !t.State().Settled() {
			continue
		}
		m.logger.Debug("zoom-out complete", "tile", coarse.String(), "replaced", len(m.zoomOut[coarse]))
		delete(m.zoomOut, coarse)
	}
}

// collect disposes live tiles outside the view that no tracker references.
func (m *Map) collect() {
	for _, id := range sortedIDs(m.active) {
		if m.wanted(id) || m.referenced(id) {
			continue
		}
		m.dispose(id)
	}
}

func (m *Map) detachChild(child tileid.UnwrappedTileID) {
	parent := m.childParent[child]
	delete(m.childParent, child)
	g, ok := m.parents[parent]
	if !ok {
		return
	}
	delete(g.Children, child)
	if len(g.Children) == 0 {
		delete(m.parents, parent)
	}
}

func (m *Map) referenced(id tileid.UnwrappedTileID) bool {
	if _, ok := m.parents[id]; ok {
		return true
	}
	if _, ok := m.childParent[id]; ok {
		return true
	}
	for _, fine := range m.zoomOut {
		if _, ok := fine[id]; ok {
			return true
		}
	}
	return false
}

func (m *Map) wanted(id tileid.UnwrappedTileID) bool {
	_, ok := m.view[id]
	return ok
}

func (m *Map) dispose(id tileid.UnwrappedTileID) {
	t, ok := m.active[id]
	if !ok {
		return
	}
	if m.referenced(id) {
		m.logger.Error("refusing to dispose referenced tile", "tile", id.String())
		return
	}
	t.Cancel()
	t.Prune()
	delete(m.active, id)
	m.metrics.TilesDisposed.Inc()

	for _, fn := range m.onDispose {
		fn(id)
	}
}

func hasContent(t *tile.Tile) bool {
	s := t.State()
	return s == tile.StateLoaded || s == tile.StateUpdated
}

func sortedIDs[V any](set map[tileid.UnwrappedTileID]V) []tileid.UnwrappedTileID {
	ids := slices.Collect(maps.Keys(set))
	slices.SortFunc(ids, func(a, b tileid.UnwrappedTileID) int {
		return cmp.Or(cmp.Compare(a.Z, b.Z), cmp.Compare(a.Y, b.Y), cmp.Compare(a.X, b.X))
	})
	return ids
}
