package gradcheck

import (
	"math/rand"

	"github.com/pkg/errors"

	"tensordriver/internal/conv"
	"tensordriver/internal/matfile"
	"tensordriver/internal/tensor"
)

// ErrMissingFixture is returned when a fixture file lacks a required variable.
var ErrMissingFixture = errors.New("gradcheck: missing fixture")

// Fixtures are the fixed inputs of a gradient check, in (N, C, H, W) order.
type Fixtures struct {
	X    *tensor.Tensor
	W    *tensor.Tensor
	B    *tensor.Tensor
	Dout *tensor.Tensor
}

// LoadFixtures reads x, w, b and dout from a MAT-file. b is flattened to one axis.
func LoadFixtures(path string) (Fixtures, error) {
	vars, err := matfile.Load(path)
	if err != nil {
		return Fixtures{}, err
	}
	for _, key := range []string{"x", "w", "b", "dout"} {
		if vars[key] == nil {
			return Fixtures{}, errors.Wrapf(ErrMissingFixture, "%s in %s", key, path)
		}
	}
	b, err := vars["b"].Reshape(-1)
	if err != nil {
		return Fixtures{}, err
	}
	return Fixtures{X: vars["x"], W: vars["w"], B: b, Dout: vars["dout"]}, nil
}

// RandomFixtures draws standard normal fixtures: x 4x3x5x5, w 2x3x3x3, b 2 and dout 4x2x5x5,
// which match a stride 1, pad 1 convolution.
func RandomFixtures(seed int64) Fixtures {
	rng := rand.New(rand.NewSource(seed))
	randn := func(shape ...int) *tensor.Tensor {
		t := tensor.New(shape...)
		for i := range t.Data {
			t.Data[i] = rng.NormFloat64()
		}
		return t
	}
	return Fixtures{
		X:    randn(4, 3, 5, 5),
		W:    randn(2, 3, 3, 3),
		B:    randn(2),
		Dout: randn(4, 2, 5, 5),
	}
}

// Save writes the fixtures to a MAT-file readable by LoadFixtures.
func (f Fixtures) Save(path string) error {
	return matfile.Save(path, matfile.Vars{"x": f.X, "w": f.W, "b": f.B, "dout": f.Dout})
}

// ExportIm2Col expands x into columns and writes x, x_cols, pad, stride, filter_height and
// filter_width to path for cross-checking in another tool.
func ExportIm2Col(path string, x *tensor.Tensor, fh, fw int, p conv.Param) (*tensor.Tensor, error) {
	cols, err := conv.Im2Col(x, fh, fw, p.Pad, p.Stride)
	if err != nil {
		return nil, err
	}
	err = matfile.Save(path, matfile.Vars{
		"x":             x,
		"x_cols":        cols,
		"pad":           matfile.Scalar(float64(p.Pad)),
		"stride":        matfile.Scalar(float64(p.Stride)),
		"filter_height": matfile.Scalar(float64(fh)),
		"filter_width":  matfile.Scalar(float64(fw)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "export im2col")
	}
	return cols, nil
}

// SimpleIm2Col loads the MATLAB-ordered (H, W, C, N) array x_simple from path, moves it to
// (N, C, H, W) and expands it with a 2x2 window, stride 1 and no padding.
func SimpleIm2Col(path string) (x, cols *tensor.Tensor, err error) {
	vars, err := matfile.Load(path)
	if err != nil {
		return nil, nil, err
	}
	raw := vars["x_simple"]
	if raw == nil {
		return nil, nil, errors.Wrapf(ErrMissingFixture, "x_simple in %s", path)
	}
	if raw.Dims() != 4 {
		return nil, nil, errors.Wrapf(conv.ErrShape, "x_simple has shape %v, want 4 axes", raw.Shape)
	}
	if x, err = raw.Transpose(3, 2, 0, 1); err != nil {
		return nil, nil, err
	}
	if cols, err = conv.Im2Col(x, 2, 2, 0, 1); err != nil {
		return nil, nil, err
	}
	return x, cols, nil
}
