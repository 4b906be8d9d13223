package model

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"tensordriver/internal/layers"
	"tensordriver/internal/loss"
	"tensordriver/internal/metrics"
	"tensordriver/internal/tensor"
)

// ConvSpec describes one square convolution of the feature extractor.
type ConvSpec struct {
	Kernel  int
	Filters int
	Stride  int
	View    bool // summarize the kernel as an image grid; needs 24 filters
}

// Architecture sizes the steering network.
type Architecture struct {
	Height, Width, Channels int
	Convs                   []ConvSpec
	PoolKernel, PoolStride  int
	Hidden                  []int
	Bound                   float64
}

// DefaultArchitecture is the network for 66x200 RGB frames.
func DefaultArchitecture() Architecture {
	return Architecture{
		Height: 66, Width: 200, Channels: 3,
		Convs: []ConvSpec{
			{Kernel: 5, Filters: 24, Stride: 2, View: true},
			{Kernel: 5, Filters: 36, Stride: 2},
			{Kernel: 5, Filters: 48, Stride: 2},
			{Kernel: 3, Filters: 64, Stride: 1},
		},
		PoolKernel: 2, PoolStride: 2,
		Hidden: []int{100, 50, 10},
		Bound:  2,
	}
}

var _ Model = (*Driver)(nil)

// Driver predicts a bounded steering angle per frame.
type Driver struct {
	Layers []*layers.Layer
	LR     float64
	Delta  float64
	output *layers.Layer
	bound  float64
}

// NewDriver builds the network layer by layer on a zero frame so every parameter shape is
// derived from the previous activation.
func NewDriver(arch Architecture, lr, delta float64, seed int64, summaries *metrics.Summaries) (*Driver, error) {
	if arch.Height <= 0 || arch.Width <= 0 || arch.Channels <= 0 {
		return nil, errors.Errorf("model: invalid input %dx%dx%d", arch.Height, arch.Width, arch.Channels)
	}
	if lr <= 0 {
		lr = 1e-3
	}
	if delta <= 0 {
		delta = 1
	}
	b := layers.NewBuilder(seed, summaries)
	d := &Driver{LR: lr, Delta: delta, bound: arch.Bound}

	x := tensor.New(1, arch.Height, arch.Width, arch.Channels)
	add := func(l *layers.Layer, err error) error {
		if err != nil {
			return err
		}
		d.Layers = append(d.Layers, l)
		x = l.Out
		return nil
	}

	cin := arch.Channels
	for i, c := range arch.Convs {
		name := fmt.Sprintf("conv%d", i+1)
		if err := add(b.Conv2D(x, c.Kernel, c.Kernel, cin, c.Filters, c.Stride, name, c.View)); err != nil {
			return nil, err
		}
		cin = c.Filters
	}
	if arch.PoolKernel > 0 {
		if err := add(b.MaxPool(x, arch.PoolKernel, arch.PoolKernel, arch.PoolStride, "maxpool")); err != nil {
			return nil, err
		}
	}
	width := x.Size()
	for i, h := range arch.Hidden {
		if err := add(b.FC(x, width, h, fmt.Sprintf("fc%d", i+1))); err != nil {
			return nil, err
		}
		width = h
	}
	if err := add(b.Output(x, width, 1, "output")); err != nil {
		return nil, err
	}
	d.output = d.Layers[len(d.Layers)-1]
	if err := add(b.Bound(x, arch.Bound, "bound")); err != nil {
		return nil, err
	}
	return d, nil
}

// forward returns the input of the output layer, its pre-bound activation and the prediction.
func (d *Driver) forward(images *tensor.Tensor) (feats, z, y *tensor.Tensor, err error) {
	x := images
	for _, l := range d.Layers {
		if l == d.output {
			feats = x
		}
		if x, err = l.Forward(x); err != nil {
			return nil, nil, nil, errors.Wrapf(err, "forward %s", l.Name)
		}
		if l == d.output {
			z = x
		}
	}
	return feats, z, x, nil
}

// Predict returns one steering angle per frame of an NHWC batch.
func (d *Driver) Predict(images *tensor.Tensor) ([]float64, error) {
	_, _, y, err := d.forward(images)
	if err != nil {
		return nil, err
	}
	return y.Data, nil
}

// TrainStep runs one SGD step on the output head against the mean Huber loss and returns
// the loss before the update. The feature extractor stays at its initialization.
func (d *Driver) TrainStep(batch Batch) (float64, error) {
	feats, z, y, err := d.forward(batch.Images)
	if err != nil {
		return 0, err
	}
	l, err := loss.HuberMean(y.Data, batch.Labels, d.Delta)
	if err != nil {
		return 0, err
	}
	grad, err := loss.HuberGrad(y.Data, batch.Labels, d.Delta)
	if err != nil {
		return 0, err
	}
	for i, v := range z.Data {
		grad[i] *= d.bound / (1 + v*v)
	}

	n := len(grad)
	cin := d.output.W.Shape[0]
	dz := mat.NewDense(n, 1, grad)
	var dw mat.Dense
	dw.Mul(mat.NewDense(n, cin, feats.Data).T(), dz)
	for k := 0; k < cin; k++ {
		d.output.W.Data[k] -= d.LR * dw.At(k, 0)
	}
	db := 0.0
	for _, g := range grad {
		db += g
	}
	d.output.B.Data[0] -= d.LR * db

	if math.IsNaN(l) {
		return l, errors.New("model: loss is NaN")
	}
	return l, nil
}
