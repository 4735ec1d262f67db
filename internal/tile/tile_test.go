package tile

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/fetch"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/mainloop"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
	"github.com/stretchr/testify/require"
)

type pendingRequest struct {
	req    fetch.TileRequest
	handle *fetch.AsyncRequest
	cb     func(*fetch.Response)
}

// fakeSource records requests; tests deliver responses by hand.
type fakeSource struct {
	requests []*pendingRequest
	err      error
	// immediate, when set, is delivered synchronously from Request.
	immediate *fetch.Response
}

func (s *fakeSource) Request(ctx context.Context, req fetch.TileRequest, cb func(*fetch.Response)) (*fetch.AsyncRequest, error) {
	if s.err != nil {
		return nil, s.err
	}
	p := &pendingRequest{req: req, handle: fetch.NewAsyncRequest(ctx), cb: cb}
	s.requests = append(s.requests, p)
	if s.immediate != nil {
		p.deliver(s.immediate)
	}
	return p.handle, nil
}

func (p *pendingRequest) deliver(res *fetch.Response) {
	if res.IsUpdate {
		if p.handle.Live() {
			p.cb(res)
		}
		return
	}
	if p.handle.Complete() {
		p.cb(res)
	}
}

func (s *fakeSource) last() *pendingRequest {
	return s.requests[len(s.requests)-1]
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func newTestTile(kind Kind, onCancel func(*Tile)) *Tile {
	return New(Params{
		TilesetID: "mapbox.satellite",
		ID:        tileid.CanonicalTileID{Z: 10, X: 511, Y: 340},
		Kind:      kind,
		BaseURL:   "https://api.mapbox.com/",
		OnCancel:  onCancel,
	}, logger.NewNop())
}

func TestInitializeLoadsRaster(t *testing.T) {
	src := &fakeSource{}
	q := mainloop.NewQueue()
	tl := newTestTile(KindRaster, nil)

	calls := 0
	require.NoError(t, tl.Initialize(context.Background(), src, q, func(*Tile) { calls++ }))
	require.Equal(t, StateLoading, tl.State())
	require.Equal(t, "https://api.mapbox.com/v4/mapbox.satellite/10/511/340.png", src.last().req.URI)
	require.Equal(t, "mapbox.satellite", src.last().req.TilesetID)

	src.last().deliver(&fetch.Response{Data: pngBytes(t), ETag: "abc"})

	require.Equal(t, StateLoaded, tl.State())
	require.Equal(t, 1, calls)
	require.False(t, tl.HasError())
	require.NotNil(t, tl.Payload().Image)
	require.Equal(t, "abc", tl.ETag())
}

func TestSynchronousCacheHit(t *testing.T) {
	src := &fakeSource{immediate: &fetch.Response{Data: pngBytes(t), LoadedFromCache: true}}
	tl := newTestTile(KindClassicRaster, nil)

	calls := 0
	require.NoError(t, tl.Initialize(context.Background(), src, mainloop.NewQueue(), func(*Tile) { calls++ }))
	require.Equal(t, StateLoaded, tl.State())
	require.True(t, tl.FromCache())
	require.Equal(t, 1, calls)
}

func TestErrorResponseCancelsAndStillCallsBack(t *testing.T) {
	src := &fakeSource{}
	tl := newTestTile(KindRaster, nil)

	var got *Tile
	require.NoError(t, tl.Initialize(context.Background(), src, mainloop.NewQueue(), func(t *Tile) { got = t }))

	res := &fetch.Response{RateLimitHit: true}
	res.AddError(&fetch.StatusError{Code: 429})
	src.last().deliver(res)

	require.Same(t, tl, got)
	require.Equal(t, StateCanceled, tl.State())
	require.True(t, tl.HasError())
	require.ErrorIs(t, tl.Errors()[0], fetch.ErrRateLimited)
}

func TestCancelTwiceIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	hooks := 0
	tl := newTestTile(KindRaster, func(*Tile) { hooks++ })

	calls := 0
	require.NoError(t, tl.Initialize(context.Background(), src, mainloop.NewQueue(), func(*Tile) { calls++ }))
	handle := src.last().handle

	tl.Cancel()
	tl.Cancel()

	require.Equal(t, StateCanceled, tl.State())
	require.Equal(t, 1, hooks)
	require.True(t, handle.IsCanceled())
	require.False(t, tl.HasError(), "explicit cancellation records no error")

	src.last().deliver(&fetch.Response{Data: pngBytes(t)})
	require.Zero(t, calls)
	require.Equal(t, StateCanceled, tl.State())
}

func TestCancelLoadedIsNoop(t *testing.T) {
	src := &fakeSource{immediate: &fetch.Response{Data: pngBytes(t)}}
	hooks := 0
	tl := newTestTile(KindRaster, func(*Tile) { hooks++ })

	require.NoError(t, tl.Initialize(context.Background(), src, mainloop.NewQueue(), func(*Tile) {}))
	tl.Cancel()

	require.Equal(t, StateLoaded, tl.State())
	require.Zero(t, hooks)
}

func TestReinitializeCancelsPreviousRequest(t *testing.T) {
	src := &fakeSource{}
	q := mainloop.NewQueue()
	tl := newTestTile(KindRaster, nil)

	calls := 0
	cb := func(*Tile) { calls++ }
	require.NoError(t, tl.Initialize(context.Background(), src, q, cb))
	first := src.last()
	require.NoError(t, tl.Initialize(context.Background(), src, q, cb))
	second := src.last()

	require.True(t, first.handle.IsCanceled())
	require.False(t, second.handle.IsCanceled())

	first.cb(&fetch.Response{Data: pngBytes(t)})
	require.Zero(t, calls, "stale delivery must be ignored")

	second.deliver(&fetch.Response{Data: pngBytes(t)})
	require.Equal(t, 1, calls)
	require.Equal(t, StateLoaded, tl.State())

	require.NoError(t, tl.Initialize(context.Background(), src, q, cb))
	require.Equal(t, StateLoading, tl.State())
}

func TestPruneIsTerminal(t *testing.T) {
	src := &fakeSource{}
	tl := newTestTile(KindRaster, nil)
	tl.AddUser(tileid.CanonicalTileID{Z: 11})

	require.NoError(t, tl.Initialize(context.Background(), src, mainloop.NewQueue(), func(*Tile) {}))
	tl.Prune()

	require.Equal(t, StateDestroyed, tl.State())
	require.True(t, src.last().handle.IsCanceled())
	require.Zero(t, tl.UserCount())
	require.ErrorIs(t, tl.Initialize(context.Background(), src, mainloop.NewQueue(), func(*Tile) {}), ErrDestroyed)
}

func TestSourceErrorIsReturned(t *testing.T) {
	wantErr := errors.New("tileset id is required")
	tl := newTestTile(KindRaster, nil)

	err := tl.Initialize(context.Background(), &fakeSource{err: wantErr}, mainloop.NewQueue(), func(*Tile) {})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, StateCanceled, tl.State())
}

func TestVectorDecodesInBackground(t *testing.T) {
	src := &fakeSource{}
	q := mainloop.NewQueue()
	tl := newTestTile(KindVector, nil)

	calls := 0
	require.NoError(t, tl.Initialize(context.Background(), src, q, func(*Tile) { calls++ }))
	require.Equal(t, "https://api.mapbox.com/v4/mapbox.satellite/10/511/340.vector.pbf", src.last().req.URI)

	src.last().deliver(&fetch.Response{Data: sampleMVT()})
	require.Equal(t, StateLoading, tl.State(), "decode result must arrive through the queue")

	require.Eventually(t, func() bool { return q.Len() > 0 }, time.Second, time.Millisecond)
	q.Drain()

	require.Equal(t, StateLoaded, tl.State())
	require.Equal(t, 1, calls)
	layer, ok := tl.Payload().Vector.Layer("roads")
	require.True(t, ok)
	require.Len(t, layer.Features, 1)
}

func TestVectorDecodeErrorIsRecorded(t *testing.T) {
	src := &fakeSource{}
	q := mainloop.NewQueue()
	tl := newTestTile(KindVector, nil)

	calls := 0
	require.NoError(t, tl.Initialize(context.Background(), src, q, func(*Tile) { calls++ }))
	src.last().deliver(&fetch.Response{Data: []byte{0x1a, 0xff}})

	require.Eventually(t, func() bool { return q.Len() > 0 }, time.Second, time.Millisecond)
	q.Drain()

	require.Equal(t, StateCanceled, tl.State())
	require.Equal(t, 1, calls)
	var de *DecodeError
	require.ErrorAs(t, tl.Errors()[0], &de)
	require.Equal(t, KindVector, de.Kind)
}

func TestCancelDropsPendingBackgroundDecode(t *testing.T) {
	src := &fakeSource{}
	q := mainloop.NewQueue()
	hooks := 0
	tl := newTestTile(KindVector, func(*Tile) { hooks++ })

	calls := 0
	require.NoError(t, tl.Initialize(context.Background(), src, q, func(*Tile) { calls++ }))
	src.last().deliver(&fetch.Response{Data: sampleMVT()})
	tl.Cancel()

	require.Eventually(t, func() bool { return q.Len() > 0 }, time.Second, time.Millisecond)
	q.Drain()

	require.Zero(t, calls)
	require.Equal(t, 1, hooks)
	require.Equal(t, StateCanceled, tl.State())
}

func TestUpdateMovesToUpdated(t *testing.T) {
	src := &fakeSource{}
	tl := newTestTile(KindRaster, nil)

	var states []State
	require.NoError(t, tl.Initialize(context.Background(), src, mainloop.NewQueue(), func(t *Tile) { states = append(states, t.State()) }))
	src.last().deliver(&fetch.Response{Data: pngBytes(t), ETag: "v1", LoadedFromCache: true})
	src.last().deliver(&fetch.Response{Data: pngBytes(t), ETag: "v2", IsUpdate: true})

	require.Equal(t, []State{StateLoaded, StateUpdated}, states)
	require.Equal(t, "v2", tl.ETag())
}

func TestURLPerKind(t *testing.T) {
	id := tileid.CanonicalTileID{Z: 3, X: 1, Y: 2}
	cases := []struct {
		kind    Kind
		tileset string
		want    string
	}{
		{KindRaster, "mapbox://styles/mapbox/satellite-v9", "https://api.mapbox.com/styles/v1/mapbox/satellite-v9/tiles/3/1/2"},
		{KindRaster, "mapbox.satellite", "https://api.mapbox.com/v4/mapbox.satellite/3/1/2.png"},
		{KindClassicRaster, "mapbox.satellite", "https://api.mapbox.com/v4/mapbox.satellite/3/1/2.png"},
		{KindRawPNG, "mapbox.terrain-rgb", "https://api.mapbox.com/v4/mapbox.terrain-rgb/3/1/2.pngraw"},
		{KindVector, "mapbox.mapbox-streets-v8", "https://api.mapbox.com/v4/mapbox.mapbox-streets-v8/3/1/2.vector.pbf"},
	}
	for _, tc := range cases {
		tl := New(Params{TilesetID: tc.tileset, ID: id, Kind: tc.kind, BaseURL: "https://api.mapbox.com"}, logger.NewNop())
		require.Equal(t, tc.want, tl.URL())
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindRaster, KindVector, KindClassicRaster, KindRawPNG} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	_, err := ParseKind("mesh")
	require.Error(t, err)
}
