package conv

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"tensordriver/internal/tensor"
)

// Im2Col lays every receptive field of x (N, C, H, W) out as a column.
//
// The result has shape (C*fh*fw, N*outH*outW); row c*fh*fw + i*fw + j holds
// kernel tap (c, i, j) and column (y*outW + x)*N + n holds output position (y, x) of sample n.
func Im2Col(x *tensor.Tensor, fh, fw, pad, stride int) (*tensor.Tensor, error) {
	if x.Dims() != 4 {
		return nil, errors.Wrapf(ErrShape, "x must be 4-d (N, C, H, W), got %v", x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH, outW, err := OutputSize(h, w, fh, fw, Param{Stride: stride, Pad: pad})
	if err != nil {
		return nil, err
	}
	xp := padInput(x, pad)
	cols := tensor.New(c*fh*fw, n*outH*outW)
	rowLen := n * outH * outW
	for ch := 0; ch < c; ch++ {
		for i := 0; i < fh; i++ {
			for j := 0; j < fw; j++ {
				row := (ch*fh+i)*fw + j
				for y := 0; y < outH; y++ {
					for xx := 0; xx < outW; xx++ {
						for s := 0; s < n; s++ {
							col := (y*outW+xx)*n + s
							cols.Data[row*rowLen+col] = xp.At(s, ch, stride*y+i, stride*xx+j)
						}
					}
				}
			}
		}
	}
	return cols, nil
}

// Col2Im is the adjoint of Im2Col: overlapping fields are summed back into an (N, C, H, W) tensor.
func Col2Im(cols *tensor.Tensor, n, c, h, w, fh, fw, pad, stride int) (*tensor.Tensor, error) {
	outH, outW, err := OutputSize(h, w, fh, fw, Param{Stride: stride, Pad: pad})
	if err != nil {
		return nil, err
	}
	want := []int{c * fh * fw, n * outH * outW}
	if !cols.SameShape(&tensor.Tensor{Shape: want}) {
		return nil, errors.Wrapf(ErrShape, "cols %v, want %v", cols.Shape, want)
	}
	xp := tensor.New(n, c, h+2*pad, w+2*pad)
	rowLen := n * outH * outW
	for ch := 0; ch < c; ch++ {
		for i := 0; i < fh; i++ {
			for j := 0; j < fw; j++ {
				row := (ch*fh+i)*fw + j
				for y := 0; y < outH; y++ {
					for xx := 0; xx < outW; xx++ {
						for s := 0; s < n; s++ {
							col := (y*outW+xx)*n + s
							xp.Data[xp.Offset(s, ch, stride*y+i, stride*xx+j)] += cols.Data[row*rowLen+col]
						}
					}
				}
			}
		}
	}
	return crop(xp, pad, dims{n: n, c: c, h: h, w: w}), nil
}

// ForwardIm2Col computes the same convolution as ForwardNaive as one matrix product.
func ForwardIm2Col(x, w, b *tensor.Tensor, p Param) (*tensor.Tensor, *Cache, error) {
	d, err := checkInputs(x, w, b, p)
	if err != nil {
		return nil, nil, err
	}
	cols, err := Im2Col(x, d.fh, d.fw, p.Pad, p.Stride)
	if err != nil {
		return nil, nil, err
	}
	k := d.c * d.fh * d.fw
	m := d.n * d.outH * d.outW
	wMat := mat.NewDense(d.f, k, w.Data)
	colMat := mat.NewDense(k, m, cols.Data)
	var res mat.Dense
	res.Mul(wMat, colMat)

	out := tensor.New(d.n, d.f, d.outH, d.outW)
	for f := 0; f < d.f; f++ {
		for y := 0; y < d.outH; y++ {
			for xx := 0; xx < d.outW; xx++ {
				for s := 0; s < d.n; s++ {
					out.Set(res.At(f, (y*d.outW+xx)*d.n+s)+b.Data[f], s, f, y, xx)
				}
			}
		}
	}
	return out, &Cache{X: x, W: w, B: b, Param: p, cols: cols}, nil
}

// BackwardIm2Col returns dx, dw and db using the columns cached by ForwardIm2Col.
func BackwardIm2Col(dout *tensor.Tensor, cache *Cache) (dx, dw, db *tensor.Tensor, err error) {
	p := cache.Param
	d, err := checkInputs(cache.X, cache.W, cache.B, p)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := checkDout(dout, d); err != nil {
		return nil, nil, nil, err
	}
	cols := cache.cols
	if cols == nil {
		if cols, err = Im2Col(cache.X, d.fh, d.fw, p.Pad, p.Stride); err != nil {
			return nil, nil, nil, err
		}
	}
	k := d.c * d.fh * d.fw
	m := d.n * d.outH * d.outW

	db = tensor.New(cache.B.Shape...)
	doutR := mat.NewDense(d.f, m, nil)
	for s := 0; s < d.n; s++ {
		for f := 0; f < d.f; f++ {
			for y := 0; y < d.outH; y++ {
				for xx := 0; xx < d.outW; xx++ {
					g := dout.At(s, f, y, xx)
					db.Data[f] += g
					doutR.Set(f, (y*d.outW+xx)*d.n+s, g)
				}
			}
		}
	}

	colMat := mat.NewDense(k, m, cols.Data)
	var dwMat mat.Dense
	dwMat.Mul(doutR, colMat.T())
	dw, err = tensor.FromData(dwMat.RawMatrix().Data, cache.W.Shape...)
	if err != nil {
		return nil, nil, nil, err
	}

	wMat := mat.NewDense(d.f, k, cache.W.Data)
	var dxMat mat.Dense
	dxMat.Mul(wMat.T(), doutR)
	dxCols, err := tensor.FromData(dxMat.RawMatrix().Data, k, m)
	if err != nil {
		return nil, nil, nil, err
	}

	dx, err = Col2Im(dxCols, d.n, d.c, d.h, d.w, d.fh, d.fw, p.Pad, p.Stride)
	if err != nil {
		return nil, nil, nil, err
	}
	return dx, dw, db, nil
}
