package tile

import (
	"fmt"
	"image"
)

// Kind selects how a tile's bytes are fetched and decoded.
type Kind int

const (
	KindRaster Kind = iota
	KindVector
	KindClassicRaster
	KindRawPNG
)

var kindNames = map[Kind]string{
	KindRaster:        "raster",
	KindVector:        "vector",
	KindClassicRaster: "classic_raster",
	KindRawPNG:        "raw_png",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown tile kind %q", s)
}

// Payload is the decoded content of a tile. Exactly one of Image or Vector
// is set for decoded kinds; raw PNG tiles only carry Data.
type Payload struct {
	Kind   Kind
	Data   []byte
	Image  image.Image
	Vector *VectorTile
}
