package tile

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

type GeomType int

const (
	GeomUnknown GeomType = iota
	GeomPoint
	GeomLineString
	GeomPolygon
)

// VectorTile is the layer structure of a Mapbox Vector Tile. Geometry stays
// command-encoded; turning it into meshes is up to the consumer.
type VectorTile struct {
	Layers []Layer
}

type Layer struct {
	Name    string
	Version uint32
	Extent  uint32
	Keys    []string
	// Values holds string, float32, float64, int64, uint64 or bool entries.
	Values   []any
	Features []Feature
}

type Feature struct {
	ID       uint64
	Type     GeomType
	Tags     []uint32
	Geometry []uint32
}

func (t *VectorTile) Layer(name string) (*Layer, bool) {
	for i := range t.Layers {
		if t.Layers[i].Name == name {
			return &t.Layers[i], true
		}
	}
	return nil, false
}

// Properties resolves the key/value index pairs in f.Tags against the
// layer's tables.
func (l *Layer) Properties(f Feature) (map[string]any, error) {
	if len(f.Tags)%2 != 0 {
		return nil, fmt.Errorf("feature %d: odd tag count %d", f.ID, len(f.Tags))
	}
	props := make(map[string]any, len(f.Tags)/2)
	for i := 0; i < len(f.Tags); i += 2 {
		k, v := f.Tags[i], f.Tags[i+1]
		if int(k) >= len(l.Keys) || int(v) >= len(l.Values) {
			return nil, fmt.Errorf("feature %d: tag %d/%d out of range", f.ID, k, v)
		}
		props[l.Keys[k]] = l.Values[v]
	}
	return props, nil
}

const (
	tileLayersField = 3

	layerNameField     = 1
	layerFeaturesField = 2
	layerKeysField     = 3
	layerValuesField   = 4
	layerExtentField   = 5
	layerVersionField  = 15

	featureIDField       = 1
	featureTagsField     = 2
	featureTypeField     = 3
	featureGeometryField = 4

	valueStringField = 1
	valueFloatField  = 2
	valueDoubleField = 3
	valueIntField    = 4
	valueUintField   = 5
	valueSintField   = 6
	valueBoolField   = 7

	defaultExtent = 4096
)

// maxVectorTileSize caps a gunzipped payload.
var maxVectorTileSize int64 = 32 << 20

var (
	errTruncated    = errors.New("truncated message")
	ErrTileTooLarge = errors.New("vector tile exceeds size limit")
)

// ParseVectorTile decodes an MVT payload, gunzipping it first when needed.
func ParseVectorTile(data []byte) (*VectorTile, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		data, err = io.ReadAll(io.LimitReader(zr, maxVectorTileSize+1))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if int64(len(data)) > maxVectorTileSize {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrTileTooLarge, maxVectorTileSize)
		}
	}

	tile := &VectorTile{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == tileLayersField && typ == protowire.BytesType {
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			layer, err := parseLayer(raw)
			if err != nil {
				return 0, fmt.Errorf("layer %d: %w", len(tile.Layers), err)
			}
			tile.Layers = append(tile.Layers, layer)
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return tile, nil
}

func parseLayer(data []byte) (Layer, error) {
	layer := Layer{Version: 1, Extent: defaultExtent}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == layerNameField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			layer.Name = v
			return n, nil
		case num == layerKeysField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			layer.Keys = append(layer.Keys, v)
			return n, nil
		case num == layerValuesField && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			v, err := parseValue(raw)
			if err != nil {
				return 0, fmt.Errorf("value %d: %w", len(layer.Values), err)
			}
			layer.Values = append(layer.Values, v)
			return n, nil
		case num == layerFeaturesField && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			f, err := parseFeature(raw)
			if err != nil {
				return 0, fmt.Errorf("feature %d: %w", len(layer.Features), err)
			}
			layer.Features = append(layer.Features, f)
			return n, nil
		case num == layerExtentField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			layer.Extent = uint32(v)
			return n, nil
		case num == layerVersionField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			layer.Version = uint32(v)
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return Layer{}, err
	}
	if layer.Name == "" {
		return Layer{}, errors.New("layer without name")
	}
	return layer, nil
}

// parseValue keeps the last typed field it sees. A value with no known
// field decodes as nil.
func parseValue(data []byte) (any, error) {
	var v any
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == valueStringField && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			v = s
			return n, nil
		case num == valueFloatField && typ == protowire.Fixed32Type:
			x, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			v = math.Float32frombits(x)
			return n, nil
		case num == valueDoubleField && typ == protowire.Fixed64Type:
			x, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			v = math.Float64frombits(x)
			return n, nil
		case typ == protowire.VarintType && num >= valueIntField && num <= valueBoolField:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case valueIntField:
				v = int64(x)
			case valueUintField:
				v = x
			case valueSintField:
				v = protowire.DecodeZigZag(x)
			case valueBoolField:
				v = protowire.DecodeBool(x)
			}
			return n, nil
		}
		return skip(num, typ, b)
	})
	return v, err
}

func parseFeature(data []byte) (Feature, error) {
	var f Feature
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case featureIDField:
			if typ != protowire.VarintType {
				break
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			f.ID = v
			return n, nil
		case featureTypeField:
			if typ != protowire.VarintType {
				break
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			f.Type = GeomType(v)
			return n, nil
		case featureTagsField:
			return consumeUint32s(typ, b, &f.Tags)
		case featureGeometryField:
			return consumeUint32s(typ, b, &f.Geometry)
		}
		return skip(num, typ, b)
	})
	return f, err
}

// consumeUint32s accepts both packed and unpacked encodings.
func consumeUint32s(typ protowire.Type, b []byte, dst *[]uint32) (int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		*dst = append(*dst, uint32(v))
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			*dst = append(*dst, uint32(v))
			packed = packed[m:]
		}
		return n, nil
	}
	return 0, fmt.Errorf("unexpected wire type %d for repeated uint32", typ)
}

// walkFields calls fn for each field in data; fn consumes the field value
// and returns how many bytes it used.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m <= 0 || m > len(data) {
			return errTruncated
		}
		data = data[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}
