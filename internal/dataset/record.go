package dataset

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"tensordriver/internal/tensor"
)

var (
	// ErrMissingFeature is returned when a required feature is absent or of the wrong kind.
	ErrMissingFeature = errors.New("dataset: missing feature")
	// ErrImageSize is returned when the raw image does not hold exactly the expected pixels.
	ErrImageSize = errors.New("dataset: image size mismatch")
)

// ImageShape is the fixed height, width and channel count of stored frames.
type ImageShape struct {
	Height, Width, Channels int
}

// DefaultImageShape is the 256x256 RGB frame the driving records hold.
var DefaultImageShape = ImageShape{Height: 256, Width: 256, Channels: 3}

// Size returns the number of bytes of one raw frame.
func (s ImageShape) Size() int { return s.Height * s.Width * s.Channels }

// Record is a decoded driving example.
type Record struct {
	Image *tensor.Tensor // [H, W, C] with values in [0, 255]
	Shape []byte         // stored shape field, carried but not interpreted
	Label float64
}

// DecodeRecord parses a serialized example with image, shape and label features. The image is
// reshaped to the asserted shape; the stored shape field is not used to infer it.
func DecodeRecord(raw []byte, shape ImageShape) (Record, error) {
	ex, err := UnmarshalExample(raw)
	if err != nil {
		return Record{}, err
	}
	img, err := ex.bytes("image")
	if err != nil {
		return Record{}, err
	}
	shapeField, err := ex.bytes("shape")
	if err != nil {
		return Record{}, err
	}
	label, ok := ex["label"]
	if !ok || len(label.Floats) != 1 {
		return Record{}, errors.Wrap(ErrMissingFeature, "label")
	}
	if len(img) != shape.Size() {
		return Record{}, errors.Wrapf(ErrImageSize, "%d bytes for %dx%dx%d", len(img), shape.Height, shape.Width, shape.Channels)
	}
	t := tensor.New(shape.Height, shape.Width, shape.Channels)
	for i, b := range img {
		t.Data[i] = float64(b)
	}
	return Record{Image: t, Shape: shapeField, Label: float64(label.Floats[0])}, nil
}

func (e Example) bytes(name string) ([]byte, error) {
	f, ok := e[name]
	if !ok || len(f.Bytes) != 1 {
		return nil, errors.Wrap(ErrMissingFeature, name)
	}
	return f.Bytes[0], nil
}

// EncodeRecord serializes a raw uint8 frame and its steering label as an example. The shape
// field holds the dimensions as little-endian int64 values.
func EncodeRecord(img []byte, shape ImageShape, label float32) []byte {
	dims := make([]byte, 24)
	binary.LittleEndian.PutUint64(dims[0:], uint64(shape.Height))
	binary.LittleEndian.PutUint64(dims[8:], uint64(shape.Width))
	binary.LittleEndian.PutUint64(dims[16:], uint64(shape.Channels))
	return Example{
		"image": {Bytes: [][]byte{img}},
		"shape": {Bytes: [][]byte{dims}},
		"label": {Floats: []float32{label}},
	}.Marshal()
}
