package layers

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tensordriver/internal/metrics"
	"tensordriver/internal/tensor"
	"tensordriver/internal/viz"
)

func ramp(shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float64(i%7) - 3
	}
	return t
}

func TestInitializationPolicy(t *testing.T) {
	b := NewBuilder(1, nil)
	l, err := b.FC(ramp(2, 50), 50, 40, "fc")
	require.NoError(t, err)
	for _, v := range l.W.Data {
		assert.LessOrEqual(t, math.Abs(v), 2*WeightStdDev)
	}
	for _, v := range l.B.Data {
		assert.Equal(t, BiasInit, v)
	}
	assert.Equal(t, []int{2, 40}, l.Out.Shape)
	assert.GreaterOrEqual(t, l.Out.Min(), 0.0)
}

func TestConv2DMatchesDirectSum(t *testing.T) {
	s := metrics.NewSummaries()
	b := NewBuilder(2, s)
	x := ramp(2, 7, 9, 3)
	l, err := b.Conv2D(x, 3, 3, 3, 4, 2, "conv1", false)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 4, 4}, l.Out.Shape)

	for _, idx := range [][4]int{{0, 0, 0, 0}, {1, 2, 3, 3}, {1, 1, 2, 1}} {
		n, oy, ox, co := idx[0], idx[1], idx[2], idx[3]
		sum := l.B.Data[co]
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				for c := 0; c < 3; c++ {
					sum += x.At(n, oy*2+i, ox*2+j, c) * l.W.At(i, j, c, co)
				}
			}
		}
		assert.InDelta(t, math.Max(0, sum), l.Out.At(n, oy, ox, co), 1e-12)
	}

	for _, tag := range []string{"conv1/weights", "conv1/bias", "conv1/activation"} {
		_, ok := s.Get(tag)
		assert.True(t, ok, tag)
	}
}

func TestConv2DViewWeightsNeedsGrid(t *testing.T) {
	b := NewBuilder(3, metrics.NewSummaries())
	_, err := b.Conv2D(ramp(1, 8, 8, 3), 5, 5, 3, 24, 1, "conv1", true)
	require.NoError(t, err)

	_, err = b.Conv2D(ramp(1, 8, 8, 3), 5, 5, 3, 16, 1, "conv2", true)
	assert.True(t, errors.Is(err, viz.ErrGridShape))
}

func TestConv2DShapeErrors(t *testing.T) {
	b := NewBuilder(4, nil)
	_, err := b.Conv2D(ramp(1, 8, 8, 1), 3, 3, 3, 4, 1, "conv", false)
	assert.True(t, errors.Is(err, ErrShape))
	assert.ErrorContains(t, err, "build conv layer conv")
	_, err = b.Conv2D(ramp(1, 2, 2, 3), 3, 3, 3, 4, 1, "conv", false)
	assert.True(t, errors.Is(err, ErrShape))
}

func TestKindNames(t *testing.T) {
	assert.Equal(t, "maxpool", KindMaxPool.String())
	assert.Equal(t, "bound", KindBound.String())
	_, err := NewBuilder(1, nil).FC(ramp(2, 5), 4, 3, "fc1")
	assert.ErrorContains(t, err, "build fc layer fc1")
}

func TestMaxPoolSame(t *testing.T) {
	b := NewBuilder(5, nil)
	x := tensor.New(1, 3, 3, 1)
	for i := range x.Data {
		x.Data[i] = float64(i)
	}
	l, err := b.MaxPool(x, 2, 2, 2, "pool")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 2, 1}, l.Out.Shape)
	assert.Equal(t, []float64{4, 5, 7, 8}, l.Out.Data)
}

func TestOutputAndBound(t *testing.T) {
	s := metrics.NewSummaries()
	b := NewBuilder(6, s)
	x := ramp(3, 4, 2, 2)
	out, err := b.Output(x, 16, 1, "output")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, out.Out.Shape)

	bound, err := b.Bound(out.Out, 2, "bound")
	require.NoError(t, err)
	for i, v := range bound.Out.Data {
		assert.InDelta(t, math.Atan(out.Out.Data[i])*2, v, 1e-12)
		assert.Less(t, math.Abs(v), math.Pi)
	}
	_, ok := s.Get("bound/val_in")
	assert.True(t, ok)

	_, err = b.Output(x, 10, 1, "bad")
	assert.True(t, errors.Is(err, ErrShape))
}

func TestForwardReusesParameters(t *testing.T) {
	b := NewBuilder(7, nil)
	l, err := b.FC(ramp(2, 6), 6, 3, "fc")
	require.NoError(t, err)
	again, err := l.Forward(ramp(2, 6))
	require.NoError(t, err)
	assert.Equal(t, l.Out.Data, again.Data)
}
