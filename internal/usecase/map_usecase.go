package usecase

import (
	"context"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/mainloop"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/quadtree"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
	"github.com/paulmach/orb"
)

type ViewTile struct {
	ID    tileid.UnwrappedTileID
	State string
	// Visible is false for tiles kept only until their replacement loads.
	Visible bool
}

type ViewResult struct {
	Requested int
	Tiles     []ViewTile
}

// MapUseCase drives the quadtree map and exposes cache maintenance.
type MapUseCase struct {
	generator *quadtree.Generator
	qmap      *quadtree.Map
	cache     *CacheManager
	queue     *mainloop.Queue
	logger    logger.Logger
}

func NewMapUseCase(g *quadtree.Generator, qm *quadtree.Map, cm *CacheManager, q *mainloop.Queue, l logger.Logger) *MapUseCase {
	return &MapUseCase{
		generator: g,
		qmap:      qm,
		cache:     cm,
		queue:     q,
		logger:    l,
	}
}

func (uc *MapUseCase) Cover(bounds orb.Bound, zoom int) ([]tileid.CanonicalTileID, error) {
	return tileid.Cover(bounds, zoom)
}

// View runs one reconciliation pass for cam on the main loop and reports the
// live tiles afterwards.
func (uc *MapUseCase) View(ctx context.Context, cam quadtree.Camera) (*ViewResult, error) {
	var (
		res     ViewResult
		viewErr error
		drawErr error
	)
	err := uc.queue.Call(ctx, func() {
		view, err := uc.generator.View(cam)
		if err != nil {
			viewErr = err
			return
		}
		res.Requested = len(view)
		drawErr = uc.qmap.RedrawMap(context.WithoutCancel(ctx), view)

		for _, id := range uc.qmap.Active() {
			t, _ := uc.qmap.Tile(id)
			_, wanted := view[id]
			res.Tiles = append(res.Tiles, ViewTile{ID: id, State: t.State().String(), Visible: wanted})
		}
	})
	if err != nil {
		return nil, err
	}
	if viewErr != nil {
		return nil, viewErr
	}
	if drawErr != nil {
		uc.logger.Warn("some view tiles could not be requested", "error", drawErr)
	}
	return &res, nil
}

func (uc *MapUseCase) CacheStats(ctx context.Context) (CacheStats, error) {
	return uc.cache.Stats(ctx)
}

func (uc *MapUseCase) ClearCache(ctx context.Context) error {
	return uc.cache.Clear(ctx)
}
