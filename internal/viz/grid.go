// Package viz renders convolution kernels as a single tiled image.
package viz

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"github.com/pkg/errors"

	"tensordriver/internal/tensor"
)

// ErrGridShape is returned when the grid cannot hold exactly the number of kernels.
var ErrGridShape = errors.New("viz: grid does not match kernel count")

// KernelsOnGrid tiles a [Y, X, C, N] kernel tensor into a [1, (Y+2*pad)*gridY, (X+2*pad)*gridX, C]
// image with values in [0, 255]. Weights are normalized by the kernel's own min and max and each
// kernel gets a pad pixel black border. Kernel n lands in grid row n%gridY, column n/gridY.
func KernelsOnGrid(kernel *tensor.Tensor, gridY, gridX, pad int) (*tensor.Tensor, error) {
	if kernel.Dims() != 4 {
		return nil, errors.Wrapf(tensor.ErrShape, "kernel must be [Y, X, C, N], got %v", kernel.Shape)
	}
	if pad < 0 {
		return nil, errors.Errorf("viz: negative pad %d", pad)
	}
	n := kernel.Shape[3]
	if gridY <= 0 || gridX <= 0 || gridY*gridX != n {
		return nil, errors.Wrapf(ErrGridShape, "%dx%d grid for %d kernels", gridY, gridX, n)
	}

	lo, hi := kernel.Min(), kernel.Max()
	normalized := kernel.Apply(func(v float64) float64 {
		if hi == lo {
			return 0
		}
		return (v - lo) / (hi - lo)
	})

	padded, err := normalized.Pad([][2]int{{pad, pad}, {pad, pad}, {0, 0}, {0, 0}}, 0)
	if err != nil {
		return nil, err
	}
	y := padded.Shape[0]
	x := padded.Shape[1]
	channels := padded.Shape[2]

	// kernels first, then stack gridY kernels per column
	t, err := padded.Transpose(3, 0, 1, 2)
	if err != nil {
		return nil, err
	}
	if t, err = t.Reshape(gridX, y*gridY, x, channels); err != nil {
		return nil, err
	}
	// swap the spatial axes so the columns can be laid side by side
	if t, err = t.Transpose(0, 2, 1, 3); err != nil {
		return nil, err
	}
	if t, err = t.Reshape(1, x*gridX, y*gridY, channels); err != nil {
		return nil, err
	}
	if t, err = t.Transpose(0, 2, 1, 3); err != nil {
		return nil, err
	}
	return t.Apply(toUint8), nil
}

// toUint8 maps [0, 1] onto [0, 255] the way a float to uint8 image conversion does.
func toUint8(v float64) float64 {
	v = math.Max(0, math.Min(1, v))
	return math.Min(255, math.Floor(v*255.5))
}

// GridImage converts a [1, H, W, C] grid with C of 1 or 3 into an image.
func GridImage(grid *tensor.Tensor) (image.Image, error) {
	if grid.Dims() != 4 || grid.Shape[0] != 1 {
		return nil, errors.Wrapf(tensor.ErrShape, "grid must be [1, H, W, C], got %v", grid.Shape)
	}
	h, w, c := grid.Shape[1], grid.Shape[2], grid.Shape[3]
	rect := image.Rect(0, 0, w, h)
	switch c {
	case 1:
		img := image.NewGray(rect)
		for yy := 0; yy < h; yy++ {
			for xx := 0; xx < w; xx++ {
				img.SetGray(xx, yy, color.Gray{Y: uint8(grid.At(0, yy, xx, 0))})
			}
		}
		return img, nil
	case 3:
		img := image.NewRGBA(rect)
		for yy := 0; yy < h; yy++ {
			for xx := 0; xx < w; xx++ {
				img.SetRGBA(xx, yy, color.RGBA{
					R: uint8(grid.At(0, yy, xx, 0)),
					G: uint8(grid.At(0, yy, xx, 1)),
					B: uint8(grid.At(0, yy, xx, 2)),
					A: 255,
				})
			}
		}
		return img, nil
	default:
		return nil, errors.Errorf("viz: cannot render %d channel grid", c)
	}
}

// WritePNG renders grid to a PNG file.
func WritePNG(path string, grid *tensor.Tensor) error {
	img, err := GridImage(grid)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create png")
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return f.Close()
}
