package usecase

import (
	"context"
	"errors"
	"image"
	"net/http"
	"time"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/mainloop"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/repository/cache"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tile"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
)

const vectorContentType = "application/vnd.mapbox-vector-tile"

type TileResult struct {
	Data        []byte
	ContentType string
	ETag        string
	ExpiresAt   time.Time
	FromCache   bool
}

// TileUseCase serves single tiles by running them through the tile state
// machine on the main loop.
type TileUseCase struct {
	source  tile.Source
	queue   *mainloop.Queue
	baseURL string
	timeout time.Duration
	logger  logger.Logger

	textures *CacheManager
	now      func() time.Time
}

func NewTileUseCase(source tile.Source, q *mainloop.Queue, baseURL string, timeout time.Duration, l logger.Logger) *TileUseCase {
	return &TileUseCase{
		source:  source,
		queue:   q,
		baseURL: baseURL,
		timeout: timeout,
		logger:  l,
		now:     time.Now,
	}
}

// UseTextureCache makes raster tiles go through the texture tiers of cm:
// memory first, then the file cache, then the tile source. Loaded textures
// are written back to both.
func (uc *TileUseCase) UseTextureCache(cm *CacheManager) {
	uc.textures = cm
}

// GetTile loads one tile and returns its bytes once decoded. Fetch and decode
// failures come back as errors; a cancelled ctx abandons the tile.
func (uc *TileUseCase) GetTile(ctx context.Context, tilesetID string, kind tile.Kind, id tileid.CanonicalTileID) (*TileResult, error) {
	if tilesetID == "" {
		return nil, ErrMissingTilesetID
	}
	if !id.Valid() {
		return nil, tileid.ErrInvalidTileID
	}

	key := cache.Key{TilesetID: tilesetID, TileID: id}
	textured := uc.textures != nil && isTexture(kind)
	if textured {
		res, ok, err := uc.cachedTexture(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return res, nil
		}
	}

	t := tile.New(tile.Params{
		TilesetID: tilesetID,
		ID:        id,
		Kind:      kind,
		BaseURL:   uc.baseURL,
		Timeout:   uc.timeout,
	}, uc.logger)

	type outcome struct {
		result  *TileResult
		texture image.Image
		err     error
	}
	done := make(chan outcome, 1)

	// initErr is only read once Call returns nil, after fn has finished.
	var initErr error
	err := uc.queue.Call(ctx, func() {
		if ctx.Err() != nil {
			return
		}
		initErr = t.Initialize(context.WithoutCancel(ctx), uc.source, uc.queue, func(t *tile.Tile) {
			var out outcome
			if t.HasError() {
				out.err = errors.Join(t.Errors()...)
			} else {
				out.result = resultOf(t)
				out.texture = t.Payload().Image
			}
			select {
			case done <- out:
			default:
			}
		})
	})
	if err != nil {
		// fn may still be queued or running; release the tile after it.
		uc.queue.Post(func() {
			t.Cancel()
			t.Prune()
		})
		return nil, err
	}
	if initErr != nil {
		return nil, initErr
	}

	select {
	case out := <-done:
		uc.queue.Post(t.Prune)
		if textured && out.err == nil && out.texture != nil {
			uc.storeTexture(ctx, key, out.result, out.texture)
		}
		return out.result, out.err
	case <-ctx.Done():
		uc.queue.Post(func() {
			t.Cancel()
			t.Prune()
		})
		return nil, ctx.Err()
	}
}

func resultOf(t *tile.Tile) *TileResult {
	p := t.Payload()
	res := &TileResult{
		Data:      p.Data,
		ETag:      t.ETag(),
		ExpiresAt: t.ExpiresAt(),
		FromCache: t.FromCache(),
	}
	switch t.Kind() {
	case tile.KindVector:
		res.ContentType = vectorContentType
	case tile.KindRawPNG:
		res.ContentType = "image/png"
	default:
		res.ContentType = http.DetectContentType(p.Data)
	}
	return res
}

func isTexture(k tile.Kind) bool {
	return k == tile.KindRaster || k == tile.KindClassicRaster
}

// cachedTexture looks key up in the texture tiers. Expired textures are
// misses so the tile source can revalidate them.
func (uc *TileUseCase) cachedTexture(ctx context.Context, key cache.Key) (*TileResult, bool, error) {
	if item, ok := uc.textures.GetTextureItemFromMemory(ctx, key); ok && uc.fresh(item) {
		return textureResult(item), true, nil
	}

	found := make(chan *cache.Item, 1)
	uc.textures.GetTextureItemFromFile(context.WithoutCancel(ctx), key, func(item *cache.Item, ok bool) {
		if !ok {
			item = nil
		}
		found <- item
	})

	select {
	case item := <-found:
		if item == nil || !uc.fresh(item) {
			return nil, false, nil
		}
		return textureResult(item), true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (uc *TileUseCase) fresh(item *cache.Item) bool {
	return item.ExpiresAt.IsZero() || uc.now().Before(item.ExpiresAt)
}

func (uc *TileUseCase) storeTexture(ctx context.Context, key cache.Key, res *TileResult, texture image.Image) {
	item := &cache.Item{
		TilesetID: key.TilesetID,
		TileID:    key.TileID,
		Data:      res.Data,
		ETag:      res.ETag,
		ExpiresAt: res.ExpiresAt,
		AddedAt:   uc.now(),
		Texture:   texture,
	}
	if err := uc.textures.AddTextureItem(ctx, item, !res.FromCache); err != nil {
		uc.logger.Warn("failed to cache texture", "key", key.String(), "error", err)
	}
}

func textureResult(item *cache.Item) *TileResult {
	return &TileResult{
		Data:        item.Data,
		ContentType: http.DetectContentType(item.Data),
		ETag:        item.ETag,
		ExpiresAt:   item.ExpiresAt,
		FromCache:   true,
	}
}
