package tile

import (
	"bytes"
	"compress/gzip"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleMVT() []byte {
	var feature []byte
	feature = protowire.AppendTag(feature, featureIDField, protowire.VarintType)
	feature = protowire.AppendVarint(feature, 42)
	feature = protowire.AppendTag(feature, featureTypeField, protowire.VarintType)
	feature = protowire.AppendVarint(feature, uint64(GeomLineString))

	var tags []byte
	tags = protowire.AppendVarint(tags, 0)
	tags = protowire.AppendVarint(tags, 0)
	feature = protowire.AppendTag(feature, featureTagsField, protowire.BytesType)
	feature = protowire.AppendBytes(feature, tags)

	var geom []byte
	for _, v := range []uint64{9, 50, 34, 18, 2, 2} {
		geom = protowire.AppendVarint(geom, v)
	}
	feature = protowire.AppendTag(feature, featureGeometryField, protowire.BytesType)
	feature = protowire.AppendBytes(feature, geom)

	var layer []byte
	layer = protowire.AppendTag(layer, layerVersionField, protowire.VarintType)
	layer = protowire.AppendVarint(layer, 2)
	layer = protowire.AppendTag(layer, layerNameField, protowire.BytesType)
	layer = protowire.AppendString(layer, "roads")
	layer = protowire.AppendTag(layer, layerFeaturesField, protowire.BytesType)
	layer = protowire.AppendBytes(layer, feature)
	layer = protowire.AppendTag(layer, layerKeysField, protowire.BytesType)
	layer = protowire.AppendString(layer, "class")
	layer = protowire.AppendTag(layer, 4, protowire.BytesType)
	layer = protowire.AppendBytes(layer, []byte{0x0a, 0x04, 'm', 'a', 'i', 'n'})
	layer = protowire.AppendTag(layer, layerExtentField, protowire.VarintType)
	layer = protowire.AppendVarint(layer, 4096)

	var tile []byte
	tile = protowire.AppendTag(tile, tileLayersField, protowire.BytesType)
	tile = protowire.AppendBytes(tile, layer)
	return tile
}

func TestParseVectorTile(t *testing.T) {
	vt, err := ParseVectorTile(sampleMVT())
	require.NoError(t, err)
	require.Len(t, vt.Layers, 1)

	layer := vt.Layers[0]
	require.Equal(t, "roads", layer.Name)
	require.Equal(t, uint32(2), layer.Version)
	require.Equal(t, uint32(4096), layer.Extent)
	require.Equal(t, []string{"class"}, layer.Keys)
	require.Equal(t, []any{"main"}, layer.Values)

	require.Len(t, layer.Features, 1)
	f := layer.Features[0]
	require.Equal(t, uint64(42), f.ID)
	require.Equal(t, GeomLineString, f.Type)
	require.Equal(t, []uint32{0, 0}, f.Tags)
	require.Equal(t, []uint32{9, 50, 34, 18, 2, 2}, f.Geometry)

	props, err := layer.Properties(f)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"class": "main"}, props)

	_, ok := vt.Layer("water")
	require.False(t, ok)
}

func TestParseVectorTileGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(sampleMVT())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	vt, err := ParseVectorTile(buf.Bytes())
	require.NoError(t, err)
	_, ok := vt.Layer("roads")
	require.True(t, ok)
}

func TestParseVectorTileValueTypes(t *testing.T) {
	value := func(num protowire.Number, typ protowire.Type, appendVal func([]byte) []byte) []byte {
		return appendVal(protowire.AppendTag(nil, num, typ))
	}
	values := [][]byte{
		value(valueStringField, protowire.BytesType, func(b []byte) []byte { return protowire.AppendString(b, "name") }),
		value(valueFloatField, protowire.Fixed32Type, func(b []byte) []byte { return protowire.AppendFixed32(b, math.Float32bits(1.5)) }),
		value(valueDoubleField, protowire.Fixed64Type, func(b []byte) []byte { return protowire.AppendFixed64(b, math.Float64bits(-2.25)) }),
		value(valueIntField, protowire.VarintType, func(b []byte) []byte { return protowire.AppendVarint(b, uint64(7)) }),
		value(valueUintField, protowire.VarintType, func(b []byte) []byte { return protowire.AppendVarint(b, 1<<40) }),
		value(valueSintField, protowire.VarintType, func(b []byte) []byte { return protowire.AppendVarint(b, protowire.EncodeZigZag(-3)) }),
		value(valueBoolField, protowire.VarintType, func(b []byte) []byte { return protowire.AppendVarint(b, protowire.EncodeBool(true)) }),
	}

	var layer []byte
	layer = protowire.AppendTag(layer, layerNameField, protowire.BytesType)
	layer = protowire.AppendString(layer, "poi")
	for _, v := range values {
		layer = protowire.AppendTag(layer, layerValuesField, protowire.BytesType)
		layer = protowire.AppendBytes(layer, v)
	}
	var data []byte
	data = protowire.AppendTag(data, tileLayersField, protowire.BytesType)
	data = protowire.AppendBytes(data, layer)

	vt, err := ParseVectorTile(data)
	require.NoError(t, err)
	want := []any{"name", float32(1.5), -2.25, int64(7), uint64(1 << 40), int64(-3), true}
	require.Equal(t, want, vt.Layers[0].Values)

	_, err = vt.Layers[0].Properties(Feature{Tags: []uint32{0, 9}})
	require.Error(t, err)
	_, err = vt.Layers[0].Properties(Feature{Tags: []uint32{0}})
	require.Error(t, err)
}

func TestParseVectorTileLimitsGunzippedSize(t *testing.T) {
	old := maxVectorTileSize
	maxVectorTileSize = 1024
	t.Cleanup(func() { maxVectorTileSize = old })

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(make([]byte, 4096))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.Less(t, buf.Len(), 1024)

	_, err = ParseVectorTile(buf.Bytes())
	require.ErrorIs(t, err, ErrTileTooLarge)
}

func TestParseVectorTileRejectsCorruptInput(t *testing.T) {
	_, err := ParseVectorTile([]byte{0x1a, 0xff})
	require.Error(t, err)

	var unnamed []byte
	unnamed = protowire.AppendTag(unnamed, tileLayersField, protowire.BytesType)
	unnamed = protowire.AppendBytes(unnamed, protowire.AppendVarint(protowire.AppendTag(nil, layerExtentField, protowire.VarintType), 512))
	_, err = ParseVectorTile(unnamed)
	require.Error(t, err)

	_, err = ParseVectorTile([]byte{0x1f, 0x8b, 0x00})
	require.Error(t, err)
}

func TestEmptyVectorTile(t *testing.T) {
	vt, err := ParseVectorTile(nil)
	require.NoError(t, err)
	require.Empty(t, vt.Layers)
}

func TestRawPNGDecoderChecksSignature(t *testing.T) {
	d := DecoderFor(KindRawPNG)
	_, err := d.Decode([]byte("not a png"))
	require.Error(t, err)

	p, err := d.Decode(append(append([]byte{}, pngSignature...), 0, 0))
	require.NoError(t, err)
	require.Equal(t, KindRawPNG, p.Kind)
	require.Nil(t, p.Image)
}
