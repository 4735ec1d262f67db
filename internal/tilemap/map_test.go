package tilemap

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/fetch"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/mainloop"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tile"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

type call struct {
	handle *fetch.AsyncRequest
	cb     func(*fetch.Response)
}

type stubSource struct {
	calls map[tileid.CanonicalTileID]call
	err   error
}

func (s *stubSource) Request(ctx context.Context, req fetch.TileRequest, cb func(*fetch.Response)) (*fetch.AsyncRequest, error) {
	if s.err != nil {
		return nil, s.err
	}
	h := fetch.NewAsyncRequest(ctx)
	s.calls[req.TileID] = call{handle: h, cb: cb}
	return h, nil
}

func (s *stubSource) complete(t *testing.T, id tileid.CanonicalTileID) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	c, ok := s.calls[id]
	require.True(t, ok, "no request for %s", id)
	if c.handle.Complete() {
		c.cb(&fetch.Response{Data: buf.Bytes()})
	}
}

func newTestMap() (*Map, *stubSource) {
	src := &stubSource{calls: make(map[tileid.CanonicalTileID]call)}
	m := New(src, mainloop.NewQueue(), tile.Params{
		TilesetID: "mapbox.satellite",
		Kind:      tile.KindClassicRaster,
		BaseURL:   "https://api.mapbox.com",
	}, logger.NewNop())
	return m, src
}

func tileIDs(tiles []*tile.Tile) []tileid.CanonicalTileID {
	ids := make([]tileid.CanonicalTileID, len(tiles))
	for i, t := range tiles {
		ids[i] = t.ID()
	}
	return ids
}

func mustCover(t *testing.T, b orb.Bound, zoom int) []tileid.CanonicalTileID {
	t.Helper()
	ids, err := tileid.Cover(b, zoom)
	require.NoError(t, err)
	return ids
}

func TestUpdateRequestsCover(t *testing.T) {
	m, src := newTestMap()
	bounds := orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}
	m.SetExtent(bounds, 2)

	require.NoError(t, m.Update(context.Background()))

	want := mustCover(t, bounds, 2)
	require.Equal(t, want, tileIDs(m.Tiles()))
	require.Len(t, src.calls, len(want))
	for _, tl := range m.Tiles() {
		require.Equal(t, tile.StateLoading, tl.State())
	}
}

func TestUpdateRejectsOversizedCover(t *testing.T) {
	m, src := newTestMap()
	m.SetExtent(orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}, 22)

	require.ErrorIs(t, m.Update(context.Background()), tileid.ErrCoverTooLarge)
	require.Empty(t, m.Tiles())
	require.Empty(t, src.calls)
}

func TestUpdateNotifiesSubscribers(t *testing.T) {
	m, src := newTestMap()
	m.SetExtent(orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{11, 11}}, 3)
	require.NoError(t, m.Update(context.Background()))
	require.Len(t, m.Tiles(), 1)

	var got []tileid.CanonicalTileID
	unsubscribe := m.Subscribe(func(t *tile.Tile) { got = append(got, t.ID()) })

	id := m.Tiles()[0].ID()
	src.complete(t, id)
	require.Equal(t, []tileid.CanonicalTileID{id}, got)
	require.Equal(t, 1, m.Loaded())

	unsubscribe()
	require.NoError(t, m.Update(context.Background()))
	require.Len(t, got, 1)
}

func TestUpdateDropsTilesOutsideCover(t *testing.T) {
	m, src := newTestMap()
	m.SetExtent(orb.Bound{Min: orb.Point{-170, 60}, Max: orb.Point{-169, 61}}, 4)
	require.NoError(t, m.Update(context.Background()))
	old := m.Tiles()
	require.NotEmpty(t, old)

	m.SetExtent(orb.Bound{Min: orb.Point{100, -30}, Max: orb.Point{101, -29}}, 4)
	require.NoError(t, m.Update(context.Background()))

	for _, tl := range old {
		require.Equal(t, tile.StateDestroyed, tl.State())
		require.True(t, src.calls[tl.ID()].handle.IsCanceled())
	}
	require.Equal(t, mustCover(t, orb.Bound{Min: orb.Point{100, -30}, Max: orb.Point{101, -29}}, 4), tileIDs(m.Tiles()))
}

func TestUpdateKeepsExistingTiles(t *testing.T) {
	m, src := newTestMap()
	m.SetExtent(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{5, 5}}, 5)
	require.NoError(t, m.Update(context.Background()))
	first := m.Tiles()
	for _, tl := range first {
		src.complete(t, tl.ID())
	}

	require.NoError(t, m.Update(context.Background()))
	require.Equal(t, first, m.Tiles())
	require.Equal(t, len(first), m.Loaded())
}

func TestUpdateReportsRequestErrors(t *testing.T) {
	m, src := newTestMap()
	src.err = errors.New("tileset id is required")
	m.SetExtent(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}, 1)

	err := m.Update(context.Background())
	require.ErrorIs(t, err, src.err)
	for _, tl := range m.Tiles() {
		require.Equal(t, tile.StateCanceled, tl.State())
		require.True(t, tl.HasError())
	}
}

func TestEmptyExtentHasNoTiles(t *testing.T) {
	m, src := newTestMap()
	m.SetExtent(orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{5, 5}}, 3)
	require.NoError(t, m.Update(context.Background()))
	require.Empty(t, m.Tiles())
	require.Empty(t, src.calls)
}
