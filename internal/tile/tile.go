// Package tile implements the per-tile fetch state machine. A Tile owns at
// most one in-flight request; all methods must be called from the goroutine
// draining the tile's mainloop.Queue.
package tile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/fetch"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/mainloop"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
)

var ErrDestroyed = errors.New("tile: destroyed tiles cannot be reused")

const styleScheme = "mapbox://styles/"

// Source delivers tile responses. The callback may run before Request
// returns (cache hit) or later on the main loop; after the returned handle
// is cancelled it is not called again.
type Source interface {
	Request(ctx context.Context, req fetch.TileRequest, cb func(*fetch.Response)) (*fetch.AsyncRequest, error)
}

type Params struct {
	TilesetID string
	ID        tileid.CanonicalTileID
	Kind      Kind
	BaseURL   string
	Timeout   time.Duration
	// OnCancel runs once each time an in-flight fetch is cancelled.
	OnCancel func(*Tile)
}

type Tile struct {
	params Params

	state   State
	request *fetch.AsyncRequest
	gen     int
	errs    []error
	payload Payload

	etag      string
	expiresAt time.Time
	fromCache bool

	users map[tileid.CanonicalTileID]struct{}

	logger logger.Logger
}

func New(p Params, l logger.Logger) *Tile {
	return &Tile{
		params: p,
		users:  make(map[tileid.CanonicalTileID]struct{}),
		logger: l.With("tileset", p.TilesetID, "tile", p.ID.String()),
	}
}

func (t *Tile) ID() tileid.CanonicalTileID { return t.params.ID }
func (t *Tile) TilesetID() string          { return t.params.TilesetID }
func (t *Tile) Kind() Kind                 { return t.params.Kind }
func (t *Tile) State() State               { return t.state }
func (t *Tile) Payload() Payload           { return t.payload }
func (t *Tile) ETag() string               { return t.etag }
func (t *Tile) ExpiresAt() time.Time       { return t.expiresAt }
func (t *Tile) FromCache() bool            { return t.fromCache }

// HasError is true iff at least one error was recorded. A Canceled tile
// without errors was cancelled explicitly.
func (t *Tile) HasError() bool {
	return len(t.errs) > 0
}

func (t *Tile) Errors() []error {
	return t.errs
}

// URL returns the resource this tile is fetched from.
func (t *Tile) URL() string {
	base := strings.TrimRight(t.params.BaseURL, "/")
	id := t.params.ID
	tileset := t.params.TilesetID

	switch t.params.Kind {
	case KindVector:
		return fmt.Sprintf("%s/v4/%s/%d/%d/%d.vector.pbf", base, tileset, id.Z, id.X, id.Y)
	case KindRawPNG:
		return fmt.Sprintf("%s/v4/%s/%d/%d/%d.pngraw", base, tileset, id.Z, id.X, id.Y)
	case KindRaster:
		if style, ok := strings.CutPrefix(tileset, styleScheme); ok {
			return fmt.Sprintf("%s/styles/v1/%s/tiles/%d/%d/%d", base, style, id.Z, id.X, id.Y)
		}
	}
	return fmt.Sprintf("%s/v4/%s/%d/%d/%d.png", base, tileset, id.Z, id.X, id.Y)
}

// Initialize starts a fetch, cancelling any fetch already in flight. The
// callback fires once per completed fetch, including failed ones, and again
// for each background update. Configuration errors are returned directly.
func (t *Tile) Initialize(ctx context.Context, source Source, queue *mainloop.Queue, callback func(*Tile)) error {
	if t.state == StateDestroyed {
		return ErrDestroyed
	}
	t.abort()

	t.gen++
	gen := t.gen
	t.state = StateLoading
	t.errs = nil

	req := fetch.TileRequest{
		URI:       t.URL(),
		TilesetID: t.params.TilesetID,
		TileID:    t.params.ID,
		Timeout:   t.params.Timeout,
	}
	handle, err := source.Request(ctx, req, func(res *fetch.Response) {
		t.handleResponse(gen, res, queue, callback)
	})
	if err != nil {
		t.errs = append(t.errs, err)
		t.state = StateCanceled
		return err
	}
	if gen == t.gen {
		t.request = handle
	}
	return nil
}

// Cancel aborts an in-flight fetch and moves the tile to Canceled. It is a
// no-op for tiles that are not loading.
func (t *Tile) Cancel() {
	if t.state != StateLoading {
		return
	}
	t.abort()
	t.state = StateCanceled
	if t.params.OnCancel != nil {
		t.params.OnCancel(t)
	}
}

// Prune releases the tile for good. Later Initialize calls fail.
func (t *Tile) Prune() {
	t.abort()
	t.state = StateDestroyed
	t.payload = Payload{}
	clear(t.users)
}

// AddUser records that another tile or consumer depends on t.
func (t *Tile) AddUser(id tileid.CanonicalTileID) {
	t.users[id] = struct{}{}
}

func (t *Tile) RemoveUser(id tileid.CanonicalTileID) {
	delete(t.users, id)
}

func (t *Tile) UserCount() int {
	return len(t.users)
}

// abort drops the current request, if any, and invalidates pending
// deliveries. The handle is kept after completion so that abort also stops
// background updates.
func (t *Tile) abort() {
	t.gen++
	if t.request != nil {
		t.request.Cancel()
		t.request = nil
	}
}

func (t *Tile) handleResponse(gen int, res *fetch.Response, queue *mainloop.Queue, callback func(*Tile)) {
	if gen != t.gen || t.state == StateDestroyed {
		return
	}

	if res.HasError() {
		if res.IsUpdate {
			t.logger.Warn("tile update failed", "error", res.Err())
			return
		}
		t.errs = append(t.errs, res.Errors...)
		t.state = StateCanceled
		t.logger.Warn("tile request failed", "error", res.Err(), "rate_limited", res.RateLimitHit)
		callback(t)
		return
	}

	decoder := DecoderFor(t.params.Kind)
	if !decoder.Background() {
		payload, err := decoder.Decode(res.Data)
		t.apply(res, payload, err, callback)
		return
	}

	go func() {
		payload, err := decoder.Decode(res.Data)
		queue.Post(func() {
			if gen != t.gen || t.state == StateDestroyed {
				return
			}
			t.apply(res, payload, err, callback)
		})
	}()
}

func (t *Tile) apply(res *fetch.Response, payload Payload, err error, callback func(*Tile)) {
	if err != nil {
		if res.IsUpdate {
			t.logger.Warn("tile update decode failed", "error", err)
			return
		}
		t.errs = append(t.errs, err)
		t.state = StateCanceled
		t.logger.Warn("tile decode failed", "error", err)
		callback(t)
		return
	}

	t.payload = payload
	t.etag = res.ETag
	t.expiresAt = res.ExpiresAt
	t.fromCache = res.LoadedFromCache
	if res.IsUpdate {
		t.state = StateUpdated
	} else {
		t.state = StateLoaded
	}
	callback(t)
}
