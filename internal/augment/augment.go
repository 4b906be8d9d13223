// Package augment prepares decoded driving frames for training: crop to the road, resize,
// random color jitter, random mirroring with steering negation and intensity rescaling.
// Images are [H, W, 3] tensors.
package augment

import (
	"image"
	"math"
	"math/rand"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"tensordriver/internal/tensor"
)

// ErrShape is returned for images that are not [H, W, 3] or too small to crop.
var ErrShape = errors.New("augment: bad image shape")

// Options configures Process.
type Options struct {
	CropTop    int
	CropHeight int
	Height     int
	Width      int
	ColorProb  float64
	FlipProb   float64

	MaxBrightness float64
	SaturationLo  float64
	SaturationHi  float64
	MaxHue        float64
	ContrastLo    float64
	ContrastHi    float64
}

// DefaultOptions crops rows 126-225 and resizes to 66x200.
func DefaultOptions() Options {
	return Options{
		CropTop:       126,
		CropHeight:    100,
		Height:        66,
		Width:         200,
		ColorProb:     0.5,
		FlipProb:      0.5,
		MaxBrightness: 63,
		SaturationLo:  0.5,
		SaturationHi:  1.5,
		MaxHue:        0.2,
		ContrastLo:    0.2,
		ContrastHi:    1.8,
	}
}

// Process applies the full feature pipeline to one frame. The color and flip coin flips are
// drawn independently from rng.
func Process(img *tensor.Tensor, label float64, rng *rand.Rand, opts Options) (*tensor.Tensor, float64, error) {
	out, err := Crop(img, opts.CropTop, opts.CropHeight)
	if err != nil {
		return nil, 0, err
	}
	if out, err = Resize(out, opts.Height, opts.Width); err != nil {
		return nil, 0, err
	}
	if rng.Float64() < opts.ColorProb {
		out = ColorJitter(out, rng, opts)
	}
	if rng.Float64() < opts.FlipProb {
		out = FlipLeftRight(out)
		label = -label
	}
	return Rescale(out), label, nil
}

func checkRGB(img *tensor.Tensor) error {
	if img.Dims() != 3 || img.Shape[2] != 3 {
		return errors.Wrapf(ErrShape, "want [H, W, 3], got %v", img.Shape)
	}
	return nil
}

// Crop keeps rows [top, top+height) and every column.
func Crop(img *tensor.Tensor, top, height int) (*tensor.Tensor, error) {
	if err := checkRGB(img); err != nil {
		return nil, err
	}
	if top < 0 || height <= 0 || top+height > img.Shape[0] {
		return nil, errors.Wrapf(ErrShape, "crop rows [%d, %d) of %d", top, top+height, img.Shape[0])
	}
	row := img.Shape[1] * 3
	data := append([]float64(nil), img.Data[top*row:(top+height)*row]...)
	return tensor.FromData(data, height, img.Shape[1], 3)
}

// Resize scales img to height x width with bilinear interpolation.
func Resize(img *tensor.Tensor, height, width int) (*tensor.Tensor, error) {
	if err := checkRGB(img); err != nil {
		return nil, err
	}
	if height <= 0 || width <= 0 {
		return nil, errors.Wrapf(ErrShape, "resize to %dx%d", height, width)
	}
	h, w := img.Shape[0], img.Shape[1]
	src := image.NewRGBA64(image.Rect(0, 0, w, h))
	for i := 0; i < h*w; i++ {
		for c := 0; c < 3; c++ {
			v := uint16(math.Round(clamp(img.Data[i*3+c], 0, 255) * 257))
			src.Pix[i*8+c*2] = uint8(v >> 8)
			src.Pix[i*8+c*2+1] = uint8(v)
		}
		src.Pix[i*8+6], src.Pix[i*8+7] = 0xff, 0xff
	}
	dst := image.NewRGBA64(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := tensor.New(height, width, 3)
	for i := 0; i < height*width; i++ {
		for c := 0; c < 3; c++ {
			v := uint16(dst.Pix[i*8+c*2])<<8 | uint16(dst.Pix[i*8+c*2+1])
			out.Data[i*3+c] = float64(v) / 257
		}
	}
	return out, nil
}

// ColorJitter applies random brightness, saturation, hue and contrast changes in that order.
func ColorJitter(img *tensor.Tensor, rng *rand.Rand, opts Options) *tensor.Tensor {
	out := AdjustBrightness(img, uniform(rng, -opts.MaxBrightness, opts.MaxBrightness))
	out = AdjustSaturation(out, uniform(rng, opts.SaturationLo, opts.SaturationHi))
	out = AdjustHue(out, uniform(rng, -opts.MaxHue, opts.MaxHue))
	return AdjustContrast(out, uniform(rng, opts.ContrastLo, opts.ContrastHi))
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// AdjustBrightness adds delta to every intensity, clamped to [0, 255].
func AdjustBrightness(img *tensor.Tensor, delta float64) *tensor.Tensor {
	return img.Apply(func(v float64) float64 { return clamp(v+delta, 0, 255) })
}

// AdjustSaturation multiplies the HSV saturation of every pixel by factor.
func AdjustSaturation(img *tensor.Tensor, factor float64) *tensor.Tensor {
	return mapHSV(img, func(h, s, v float64) (float64, float64, float64) {
		return h, clamp(s*factor, 0, 1), v
	})
}

// AdjustHue rotates the hue of every pixel by delta turns, delta in [-0.5, 0.5].
func AdjustHue(img *tensor.Tensor, delta float64) *tensor.Tensor {
	return mapHSV(img, func(h, s, v float64) (float64, float64, float64) {
		h = math.Mod(h+delta*360, 360)
		if h < 0 {
			h += 360
		}
		return h, s, v
	})
}

func mapHSV(img *tensor.Tensor, fn func(h, s, v float64) (float64, float64, float64)) *tensor.Tensor {
	out := img.Clone()
	for i := 0; i+2 < len(out.Data); i += 3 {
		c := colorful.Color{
			R: clamp(out.Data[i], 0, 255) / 255,
			G: clamp(out.Data[i+1], 0, 255) / 255,
			B: clamp(out.Data[i+2], 0, 255) / 255,
		}
		h, s, v := c.Hsv()
		c = colorful.Hsv(fn(h, s, v))
		out.Data[i] = c.R * 255
		out.Data[i+1] = c.G * 255
		out.Data[i+2] = c.B * 255
	}
	return out
}

// AdjustContrast scales each channel's distance from its mean by factor, clamped to [0, 255].
func AdjustContrast(img *tensor.Tensor, factor float64) *tensor.Tensor {
	out := img.Clone()
	pixels := len(out.Data) / 3
	if pixels == 0 {
		return out
	}
	for c := 0; c < 3; c++ {
		mean := 0.0
		for i := 0; i < pixels; i++ {
			mean += out.Data[i*3+c]
		}
		mean /= float64(pixels)
		for i := 0; i < pixels; i++ {
			v := &out.Data[i*3+c]
			*v = clamp((*v-mean)*factor+mean, 0, 255)
		}
	}
	return out
}

// FlipLeftRight mirrors img around its vertical axis.
func FlipLeftRight(img *tensor.Tensor) *tensor.Tensor {
	h, w := img.Shape[0], img.Shape[1]
	out := tensor.New(img.Shape...)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src := (y*w + x) * 3
			dst := (y*w + w - 1 - x) * 3
			copy(out.Data[dst:dst+3], img.Data[src:src+3])
		}
	}
	return out
}

// Rescale maps [0, 255] intensities onto [0, 1].
func Rescale(img *tensor.Tensor) *tensor.Tensor {
	return img.Apply(func(v float64) float64 { return v / 255 })
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
