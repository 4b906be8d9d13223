// Package layers builds the convolution, pooling, fully connected, output and bound layers
// of the steering network. Inputs are NHWC tensors; every layer records histogram
// summaries of its parameters and activation each time it runs.
package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"tensordriver/internal/conv"
	"tensordriver/internal/metrics"
	"tensordriver/internal/tensor"
	"tensordriver/internal/viz"
)

// ErrShape is returned when an input does not fit a layer.
var ErrShape = errors.New("layers: shape mismatch")

// Initialization policy shared by every parameterized layer.
const (
	WeightStdDev = 0.1
	BiasInit     = 0.1
)

// Kernel grid used for the weight image summary of a viewed conv layer.
const (
	GridRows = 3
	GridCols = 8
)

// Kind identifies the operation a Layer applies.
type Kind int

const (
	KindConv Kind = iota
	KindMaxPool
	KindFC
	KindOutput
	KindBound
)

var kindNames = map[Kind]string{
	KindConv:    "conv",
	KindMaxPool: "maxpool",
	KindFC:      "fc",
	KindOutput:  "output",
	KindBound:   "bound",
}

func (k Kind) String() string { return kindNames[k] }

// Layer is a constructed layer together with the activation of the input it was built on.
type Layer struct {
	Name   string
	Kind   Kind
	W, B   *tensor.Tensor
	KH, KW int
	Stride int
	Scale  float64 // bound layers only
	View   bool
	Out    *tensor.Tensor

	summaries *metrics.Summaries
}

// Builder allocates layer parameters from a seeded source and records summaries.
type Builder struct {
	rng       *rand.Rand
	summaries *metrics.Summaries
}

// NewBuilder returns a Builder. A nil registry disables summaries.
func NewBuilder(seed int64, summaries *metrics.Summaries) *Builder {
	return &Builder{rng: rand.New(rand.NewSource(seed)), summaries: summaries}
}

// TruncatedNormal fills shape with N(0, stddev) samples redrawn until they fall within two stddevs.
func (b *Builder) TruncatedNormal(stddev float64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		v := b.rng.NormFloat64()
		for math.Abs(v) > 2 {
			v = b.rng.NormFloat64()
		}
		t.Data[i] = v * stddev
	}
	return t
}

func (b *Builder) layer(name string, kind Kind) *Layer {
	return &Layer{Name: name, Kind: kind, summaries: b.summaries}
}

func (b *Builder) run(l *Layer, x *tensor.Tensor) (*Layer, error) {
	out, err := l.Forward(x)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s layer %s", l.Kind, l.Name)
	}
	l.Out = out
	return l, nil
}

// Conv2D convolves NHWC x with a [kh, kw, cin, cout] kernel using VALID padding, adds bias and
// applies ReLU. With viewWeights the kernel is also summarized as a 3x8 image grid.
func (b *Builder) Conv2D(x *tensor.Tensor, kh, kw, cin, cout, stride int, name string, viewWeights bool) (*Layer, error) {
	l := b.layer(name, KindConv)
	l.W = b.TruncatedNormal(WeightStdDev, kh, kw, cin, cout)
	l.B = tensor.Full(BiasInit, cout)
	l.KH, l.KW, l.Stride = kh, kw, stride
	l.View = viewWeights
	return b.run(l, x)
}

// MaxPool takes the maximum over kh x kw windows with SAME padding.
func (b *Builder) MaxPool(x *tensor.Tensor, kh, kw, stride int, name string) (*Layer, error) {
	l := b.layer(name, KindMaxPool)
	l.KH, l.KW, l.Stride = kh, kw, stride
	return b.run(l, x)
}

// FC is a fully connected ReLU layer. Inputs with more than two axes are flattened per sample.
func (b *Builder) FC(x *tensor.Tensor, cin, cout int, name string) (*Layer, error) {
	l := b.layer(name, KindFC)
	l.W = b.TruncatedNormal(WeightStdDev, cin, cout)
	l.B = tensor.Full(BiasInit, cout)
	return b.run(l, x)
}

// Output is a fully connected layer without activation.
func (b *Builder) Output(x *tensor.Tensor, cin, cout int, name string) (*Layer, error) {
	l := b.layer(name, KindOutput)
	l.W = b.TruncatedNormal(WeightStdDev, cin, cout)
	l.B = tensor.Full(BiasInit, cout)
	return b.run(l, x)
}

// Bound squashes x with atan into (-pi/2, pi/2) and scales it by bound.
func (b *Builder) Bound(x *tensor.Tensor, bound float64, name string) (*Layer, error) {
	l := b.layer(name, KindBound)
	l.Scale = bound
	return b.run(l, x)
}

// Forward applies the layer to x and records its summaries.
func (l *Layer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var (
		out *tensor.Tensor
		err error
	)
	switch l.Kind {
	case KindConv:
		out, err = conv2D(x, l.W, l.B, l.Stride)
		if err == nil {
			out = out.Apply(relu)
		}
	case KindMaxPool:
		out, err = maxPool(x, l.KH, l.KW, l.Stride)
	case KindFC:
		out, err = dense(x, l.W, l.B)
		if err == nil {
			out = out.Apply(relu)
		}
	case KindOutput:
		out, err = dense(x, l.W, l.B)
	case KindBound:
		out = x.Apply(func(v float64) float64 { return math.Atan(v) * l.Scale })
	default:
		return nil, errors.Errorf("layers: unknown kind %d", l.Kind)
	}
	if err != nil {
		return nil, err
	}
	if err := l.record(x, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Layer) record(in, out *tensor.Tensor) error {
	s := l.summaries
	if s == nil {
		return nil
	}
	switch l.Kind {
	case KindMaxPool:
		return nil
	case KindBound:
		s.Histogram(l.Name+"/val_in", in.Data)
	default:
		s.Histogram(l.Name+"/weights", l.W.Data)
		s.Histogram(l.Name+"/bias", l.B.Data)
	}
	s.Histogram(l.Name+"/activation", out.Data)
	if l.View {
		grid, err := viz.KernelsOnGrid(l.W, GridRows, GridCols, 1)
		if err != nil {
			return errors.Wrapf(err, "%s weight grid", l.Name)
		}
		s.Image(l.Name+"/W_grid", grid)
	}
	return nil
}

func relu(v float64) float64 { return math.Max(0, v) }

func conv2D(x, w, b *tensor.Tensor, stride int) (*tensor.Tensor, error) {
	if x.Dims() != 4 || x.Dim(3) != w.Dim(2) {
		return nil, errors.Wrapf(ErrShape, "input %v for kernel %v", x.Shape, w.Shape)
	}
	n, h, wd, cin := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	kh, kw, cout := w.Dim(0), w.Dim(1), w.Dim(3)
	if cin == 0 || cout == 0 {
		return nil, errors.Wrapf(ErrShape, "empty channels in kernel %v", w.Shape)
	}
	outH, outW, err := conv.OutputSize(h, wd, kh, kw, conv.Param{Stride: stride})
	if err != nil {
		return nil, errors.Wrap(ErrShape, err.Error())
	}
	if n == 0 {
		return tensor.New(0, outH, outW, cout), nil
	}

	k := kh * kw * cin
	rows := n * outH * outW
	patches := mat.NewDense(rows, k, nil)
	for s := 0; s < n; s++ {
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				r := (s*outH+oy)*outW + ox
				row := patches.RawRowView(r)
				for i := 0; i < kh; i++ {
					base := x.Offset(s, oy*stride+i, ox*stride, 0)
					copy(row[i*kw*cin:(i+1)*kw*cin], x.Data[base:base+kw*cin])
				}
			}
		}
	}
	var res mat.Dense
	res.Mul(patches, mat.NewDense(k, cout, w.Data))
	out, err := tensor.FromData(res.RawMatrix().Data, n, outH, outW, cout)
	if err != nil {
		return nil, err
	}
	addBias(out.Data, b.Data)
	return out, nil
}

func dense(x, w, b *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() == 0 {
		return nil, errors.Wrap(ErrShape, "scalar input")
	}
	n := x.Shape[0]
	cin, cout := w.Shape[0], w.Shape[1]
	if n == 0 || cin == 0 || cout == 0 || x.Size() != n*cin {
		return nil, errors.Wrapf(ErrShape, "input %v for weights %v", x.Shape, w.Shape)
	}
	var res mat.Dense
	res.Mul(mat.NewDense(n, cin, x.Data), mat.NewDense(cin, cout, w.Data))
	out, err := tensor.FromData(res.RawMatrix().Data, n, cout)
	if err != nil {
		return nil, err
	}
	addBias(out.Data, b.Data)
	return out, nil
}

func addBias(data, bias []float64) {
	for i := range data {
		data[i] += bias[i%len(bias)]
	}
}

func maxPool(x *tensor.Tensor, kh, kw, stride int) (*tensor.Tensor, error) {
	if x.Dims() != 4 || kh <= 0 || kw <= 0 || stride <= 0 {
		return nil, errors.Wrapf(ErrShape, "pool %dx%d/%d over %v", kh, kw, stride, x.Shape)
	}
	n, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH := (h + stride - 1) / stride
	outW := (w + stride - 1) / stride
	padTop := max(0, (outH-1)*stride+kh-h) / 2
	padLeft := max(0, (outW-1)*stride+kw-w) / 2

	out := tensor.New(n, outH, outW, c)
	for s := 0; s < n; s++ {
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				for ch := 0; ch < c; ch++ {
					best := math.Inf(-1)
					for i := 0; i < kh; i++ {
						y := oy*stride + i - padTop
						if y < 0 || y >= h {
							continue
						}
						for j := 0; j < kw; j++ {
							xx := ox*stride + j - padLeft
							if xx < 0 || xx >= w {
								continue
							}
							best = math.Max(best, x.At(s, y, xx, ch))
						}
					}
					out.Set(best, s, oy, ox, ch)
				}
			}
		}
	}
	return out, nil
}
