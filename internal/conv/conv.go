// Package conv implements 2-D convolution forward and backward passes over
// (N, C, H, W) inputs, once with direct loops and once through im2col.
package conv

import (
	"github.com/pkg/errors"

	"tensordriver/internal/tensor"
)

var (
	// ErrShape reports inputs whose shapes disagree with each other.
	ErrShape = errors.New("conv: shape mismatch")
	// ErrGeometry reports a kernel, stride or padding that yields no output.
	ErrGeometry = errors.New("conv: invalid geometry")
)

// Param holds the convolution parameters shared by forward and backward passes.
type Param struct {
	Stride int
	Pad    int
}

// Cache keeps what a backward pass needs from its forward pass.
type Cache struct {
	X, W, B *tensor.Tensor
	Param   Param
	cols    *tensor.Tensor
}

// OutputSize returns the spatial output size floor((H+2p-fh)/s)+1 by floor((W+2p-fw)/s)+1.
func OutputSize(h, w, fh, fw int, p Param) (int, int, error) {
	if p.Stride <= 0 {
		return 0, 0, errors.Wrapf(ErrGeometry, "stride %d", p.Stride)
	}
	if p.Pad < 0 {
		return 0, 0, errors.Wrapf(ErrGeometry, "pad %d", p.Pad)
	}
	if fh <= 0 || fw <= 0 || h+2*p.Pad < fh || w+2*p.Pad < fw {
		return 0, 0, errors.Wrapf(ErrGeometry, "filter %dx%d does not fit %dx%d with pad %d", fh, fw, h, w, p.Pad)
	}
	return (h+2*p.Pad-fh)/p.Stride + 1, (w+2*p.Pad-fw)/p.Stride + 1, nil
}

type dims struct {
	n, c, h, w int
	f, fh, fw  int
	outH, outW int
}

func checkInputs(x, w, b *tensor.Tensor, p Param) (dims, error) {
	var d dims
	if x.Dims() != 4 {
		return d, errors.Wrapf(ErrShape, "x must be 4-d (N, C, H, W), got %v", x.Shape)
	}
	if w.Dims() != 4 {
		return d, errors.Wrapf(ErrShape, "w must be 4-d (F, C, HH, WW), got %v", w.Shape)
	}
	d.n, d.c, d.h, d.w = x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	d.f, d.fh, d.fw = w.Shape[0], w.Shape[2], w.Shape[3]
	if w.Shape[1] != d.c {
		return d, errors.Wrapf(ErrShape, "w has %d channels, x has %d", w.Shape[1], d.c)
	}
	if b.Size() != d.f {
		return d, errors.Wrapf(ErrShape, "b has %d values for %d filters", b.Size(), d.f)
	}
	if d.n == 0 || d.c == 0 || d.f == 0 {
		return d, errors.Wrapf(ErrShape, "empty axis in x %v or w %v", x.Shape, w.Shape)
	}
	var err error
	d.outH, d.outW, err = OutputSize(d.h, d.w, d.fh, d.fw, p)
	return d, err
}

func checkDout(dout *tensor.Tensor, d dims) error {
	want := []int{d.n, d.f, d.outH, d.outW}
	if !dout.SameShape(&tensor.Tensor{Shape: want}) {
		return errors.Wrapf(ErrShape, "dout %v, forward output %v", dout.Shape, want)
	}
	return nil
}

func padInput(x *tensor.Tensor, pad int) *tensor.Tensor {
	if pad == 0 {
		return x
	}
	xp, err := x.Pad([][2]int{{0, 0}, {0, 0}, {pad, pad}, {pad, pad}}, 0)
	if err != nil {
		// x is validated as 4-d with non-negative padding by the caller.
		panic(err)
	}
	return xp
}

// ForwardNaive convolves x (N, C, H, W) with w (F, C, HH, WW) and adds b (F).
func ForwardNaive(x, w, b *tensor.Tensor, p Param) (*tensor.Tensor, *Cache, error) {
	d, err := checkInputs(x, w, b, p)
	if err != nil {
		return nil, nil, err
	}
	xp := padInput(x, p.Pad)
	out := tensor.New(d.n, d.f, d.outH, d.outW)
	for n := 0; n < d.n; n++ {
		for f := 0; f < d.f; f++ {
			for oy := 0; oy < d.outH; oy++ {
				for ox := 0; ox < d.outW; ox++ {
					sum := b.Data[f]
					for c := 0; c < d.c; c++ {
						for i := 0; i < d.fh; i++ {
							for j := 0; j < d.fw; j++ {
								sum += xp.At(n, c, oy*p.Stride+i, ox*p.Stride+j) * w.At(f, c, i, j)
							}
						}
					}
					out.Set(sum, n, f, oy, ox)
				}
			}
		}
	}
	return out, &Cache{X: x, W: w, B: b, Param: p}, nil
}

// BackwardNaive returns dx, dw and db for the upstream gradient dout.
func BackwardNaive(dout *tensor.Tensor, cache *Cache) (dx, dw, db *tensor.Tensor, err error) {
	d, err := checkInputs(cache.X, cache.W, cache.B, cache.Param)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := checkDout(dout, d); err != nil {
		return nil, nil, nil, err
	}
	p := cache.Param
	xp := padInput(cache.X, p.Pad)
	dxp := tensor.New(xp.Shape...)
	dw = tensor.New(cache.W.Shape...)
	db = tensor.New(cache.B.Shape...)
	w := cache.W

	for n := 0; n < d.n; n++ {
		for f := 0; f < d.f; f++ {
			for oy := 0; oy < d.outH; oy++ {
				for ox := 0; ox < d.outW; ox++ {
					g := dout.At(n, f, oy, ox)
					db.Data[f] += g
					for c := 0; c < d.c; c++ {
						for i := 0; i < d.fh; i++ {
							for j := 0; j < d.fw; j++ {
								y, x := oy*p.Stride+i, ox*p.Stride+j
								dw.Data[dw.Offset(f, c, i, j)] += xp.At(n, c, y, x) * g
								dxp.Data[dxp.Offset(n, c, y, x)] += w.At(f, c, i, j) * g
							}
						}
					}
				}
			}
		}
	}
	return crop(dxp, p.Pad, d), dw, db, nil
}

func crop(xp *tensor.Tensor, pad int, d dims) *tensor.Tensor {
	if pad == 0 {
		return xp
	}
	dx := tensor.New(d.n, d.c, d.h, d.w)
	for n := 0; n < d.n; n++ {
		for c := 0; c < d.c; c++ {
			for y := 0; y < d.h; y++ {
				for x := 0; x < d.w; x++ {
					dx.Set(xp.At(n, c, y+pad, x+pad), n, c, y, x)
				}
			}
		}
	}
	return dx
}
