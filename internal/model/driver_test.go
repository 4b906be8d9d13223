package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tensordriver/internal/metrics"
	"tensordriver/internal/tensor"
)

func smallArch() Architecture {
	return Architecture{
		Height: 12, Width: 16, Channels: 3,
		Convs: []ConvSpec{
			{Kernel: 3, Filters: 4, Stride: 2},
			{Kernel: 3, Filters: 6, Stride: 1},
		},
		PoolKernel: 2, PoolStride: 2,
		Hidden: []int{8},
		Bound:  2,
	}
}

func frames(n, h, w int) *tensor.Tensor {
	t := tensor.New(n, h, w, 3)
	for i := range t.Data {
		t.Data[i] = float64((i*37)%101) / 100
	}
	return t
}

func TestDriverShapes(t *testing.T) {
	d, err := NewDriver(smallArch(), 0.01, 1, 1, nil)
	require.NoError(t, err)
	names := make([]string, len(d.Layers))
	for i, l := range d.Layers {
		names[i] = l.Name
	}
	assert.Equal(t, []string{"conv1", "conv2", "maxpool", "fc1", "output", "bound"}, names)
	// 12x16 -> 5x7 -> 3x5 -> pooled 2x3 over 6 channels.
	assert.Equal(t, []int{36, 8}, d.Layers[3].W.Shape)

	var m Model = d
	pred, err := m.Predict(frames(4, 12, 16))
	require.NoError(t, err)
	require.Len(t, pred, 4)
	for _, p := range pred {
		assert.Less(t, math.Abs(p), 2*math.Pi/2)
	}
}

func TestDefaultArchitectureBuilds(t *testing.T) {
	d, err := NewDriver(DefaultArchitecture(), 0, 0, 1, nil)
	require.NoError(t, err)
	// 66x200 -> 31x98 -> 14x47 -> 5x22 -> 3x20 -> pooled 2x10 over 64 channels.
	assert.Equal(t, []int{1280, 100}, d.Layers[5].W.Shape)
	assert.Equal(t, 1e-3, d.LR)
	assert.Equal(t, 1.0, d.Delta)
}

func TestDriverTrainStepReducesLoss(t *testing.T) {
	d, err := NewDriver(smallArch(), 0.01, 1, 3, nil)
	require.NoError(t, err)
	batch := Batch{Images: frames(2, 12, 16), Labels: []float64{1.0, 0.8}}

	first, err := d.TrainStep(batch)
	require.NoError(t, err)
	last := first
	for i := 0; i < 50; i++ {
		last, err = d.TrainStep(batch)
		require.NoError(t, err)
	}
	assert.Less(t, last, first)
}

func TestDriverRecordsSummaries(t *testing.T) {
	s := metrics.NewSummaries()
	arch := smallArch()
	arch.Convs[0].Filters = 24
	arch.Convs[0].View = true
	d, err := NewDriver(arch, 0.01, 1, 2, s)
	require.NoError(t, err)

	_, err = d.Predict(frames(2, 12, 16))
	require.NoError(t, err)
	for _, tag := range []string{"conv1/weights", "conv1/activation", "fc1/bias", "output/activation", "bound/val_in"} {
		_, ok := s.Get(tag)
		assert.True(t, ok, tag)
	}
	h, _ := s.Get("bound/activation")
	assert.Equal(t, 2, h.Count)
}

func TestDriverRejectsMismatchedBatch(t *testing.T) {
	d, err := NewDriver(smallArch(), 0.01, 1, 1, nil)
	require.NoError(t, err)
	_, err = d.TrainStep(Batch{Images: frames(2, 12, 16), Labels: []float64{1}})
	assert.Error(t, err)
	_, err = d.Predict(frames(1, 10, 16))
	assert.Error(t, err)
}
