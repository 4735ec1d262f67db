package tile

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// DecodeError wraps a failure to turn fetched bytes into a Payload.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("tile: decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder turns fetched bytes into a Payload. Decoders reporting Background
// run off the main loop and hand their result back through it.
type Decoder interface {
	Decode(data []byte) (Payload, error)
	Background() bool
}

// DecoderFor returns the decode strategy for k.
func DecoderFor(k Kind) Decoder {
	switch k {
	case KindVector:
		return vectorDecoder{}
	case KindRawPNG:
		return rawPNGDecoder{}
	}
	return imageDecoder{kind: k}
}

type imageDecoder struct {
	kind Kind
}

func (d imageDecoder) Decode(data []byte) (Payload, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Payload{}, &DecodeError{Kind: d.kind, Err: err}
	}
	return Payload{Kind: d.kind, Data: data, Image: img}, nil
}

func (imageDecoder) Background() bool { return false }

// rawPNGDecoder keeps the encoded bytes; elevation consumers read pixels
// themselves.
type rawPNGDecoder struct{}

func (rawPNGDecoder) Decode(data []byte) (Payload, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return Payload{}, &DecodeError{Kind: KindRawPNG, Err: errors.New("missing png signature")}
	}
	return Payload{Kind: KindRawPNG, Data: data}, nil
}

func (rawPNGDecoder) Background() bool { return false }

type vectorDecoder struct{}

func (vectorDecoder) Decode(data []byte) (Payload, error) {
	vt, err := ParseVectorTile(data)
	if err != nil {
		return Payload{}, &DecodeError{Kind: KindVector, Err: err}
	}
	return Payload{Kind: KindVector, Data: data, Vector: vt}, nil
}

func (vectorDecoder) Background() bool { return true }
