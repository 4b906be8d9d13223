package loss

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHuberRegions(t *testing.T) {
	got, err := Huber([]float64{0, 0, 0, 3}, []float64{0.5, -2, 1, 0}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.125, got[0], 1e-12) // quadratic
	assert.InDelta(t, 1.5, got[1], 1e-12)   // linear: 1*(2-0.5)
	assert.InDelta(t, 0.5, got[2], 1e-12)   // boundary
	assert.InDelta(t, 2.5, got[3], 1e-12)
}

func TestHuberContinuousAtDelta(t *testing.T) {
	for _, delta := range []float64{0.1, 1, 4} {
		below := huber(delta-1e-9, delta)
		at := huber(delta, delta)
		assert.InDelta(t, 0.5*delta*delta, at, 1e-12)
		assert.InDelta(t, below, at, 1e-8)
	}
}

func TestHuberMeanAndGrad(t *testing.T) {
	pred := []float64{0.2, 3}
	labels := []float64{0, 0}
	mean, err := HuberMean(pred, labels, 1)
	require.NoError(t, err)
	assert.InDelta(t, (0.02+2.5)/2, mean, 1e-12)

	grad, err := HuberGrad(pred, labels, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, grad[0], 1e-12)
	assert.InDelta(t, 0.5, grad[1], 1e-12)

	// numeric check of the gradient
	const h = 1e-6
	for i := range pred {
		up := append([]float64(nil), pred...)
		down := append([]float64(nil), pred...)
		up[i] += h
		down[i] -= h
		fu, _ := HuberMean(up, labels, 1)
		fd, _ := HuberMean(down, labels, 1)
		assert.InDelta(t, (fu-fd)/(2*h), grad[i], 1e-6)
	}
}

func TestHuberLengthMismatch(t *testing.T) {
	_, err := Huber([]float64{1}, nil, 1)
	assert.True(t, errors.Is(err, ErrLength))
	_, err = HuberGrad([]float64{1}, []float64{1, 2}, 1)
	assert.True(t, errors.Is(err, ErrLength))
}
