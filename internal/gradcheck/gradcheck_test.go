package gradcheck

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tensordriver/internal/conv"
	"tensordriver/internal/matfile"
	"tensordriver/internal/tensor"
)

// Entries of dx close to zero inflate the relative error of central differences.
const checkTolerance = 1e-5

func TestRelError(t *testing.T) {
	a, _ := tensor.FromData([]float64{1, 2, 0}, 3)
	b, _ := tensor.FromData([]float64{1, 2.2, 0}, 3)
	assert.InDelta(t, 0.2/4.2, RelError(a, b), 1e-12)
	assert.Equal(t, 0.0, RelError(a, a))
	assert.True(t, math.IsInf(RelError(a, tensor.New(2)), 1))
}

func TestNumericGradientOfSquare(t *testing.T) {
	x, _ := tensor.FromData([]float64{-1.5, 0.5, 2}, 3)
	dout, _ := tensor.FromData([]float64{1, 2, 3}, 3)
	square := func(v *tensor.Tensor) (*tensor.Tensor, error) {
		return v.Apply(func(f float64) float64 { return f * f }), nil
	}
	grad, err := NumericGradient(square, x, dout, 0)
	require.NoError(t, err)
	for i, want := range []float64{-3, 2, 12} {
		assert.InDelta(t, want, grad.Data[i], 1e-6)
	}
	assert.Equal(t, -1.5, x.Data[0], "input must not be modified")
}

func TestNumericGradientPropagatesErrors(t *testing.T) {
	x := tensor.New(2)
	_, err := NumericGradient(func(v *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.New(5), nil
	}, x, tensor.New(2), 0)
	require.Error(t, err)
}

func TestCheckRandomFixtures(t *testing.T) {
	report, err := Check(RandomFixtures(231), conv.Param{Stride: 1, Pad: 1})
	require.NoError(t, err)
	assert.Less(t, report.Naive.Max(), checkTolerance)
	assert.Less(t, report.Im2Col.Max(), checkTolerance)
	assert.Less(t, report.Forward, 1e-9)
}

func TestCheckStrided(t *testing.T) {
	fx := RandomFixtures(7)
	fx.Dout = RandomFixtures(8).Dout
	// stride 2 with pad 1 over 5x5 yields 3x3 outputs.
	dout, err := fx.Dout.Reshape(-1)
	require.NoError(t, err)
	fx.Dout, err = tensor.FromData(dout.Data[:4*2*3*3], 4, 2, 3, 3)
	require.NoError(t, err)

	report, err := Check(fx, conv.Param{Stride: 2, Pad: 1})
	require.NoError(t, err)
	assert.True(t, report.Passed(checkTolerance), "%+v", report)
}

func TestCheckRejectsMismatchedDout(t *testing.T) {
	fx := RandomFixtures(1)
	fx.Dout = tensor.New(4, 2, 3, 3)
	_, err := Check(fx, conv.Param{Stride: 1, Pad: 1})
	require.Error(t, err)
}

func TestLoadFixtures(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conv_backward.mat")
	want := RandomFixtures(5)
	require.NoError(t, want.Save(path))

	got, err := LoadFixtures(path)
	require.NoError(t, err)
	assert.Equal(t, want.X.Shape, got.X.Shape)
	assert.Equal(t, want.X.Data, got.X.Data)
	assert.Equal(t, []int{2}, got.B.Shape)
	assert.Equal(t, want.Dout.Data, got.Dout.Data)

	partial := filepath.Join(dir, "partial.mat")
	require.NoError(t, matfile.Save(partial, matfile.Vars{"x": want.X}))
	_, err = LoadFixtures(partial)
	assert.True(t, errors.Is(err, ErrMissingFixture))

	_, err = LoadFixtures(filepath.Join(dir, "absent.mat"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestExportIm2Col(t *testing.T) {
	path := filepath.Join(t.TempDir(), "im2col_with_batch.mat")
	x := RandomFixtures(9).X
	cols, err := ExportIm2Col(path, x, 3, 3, conv.Param{Stride: 1, Pad: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{27, 100}, cols.Shape)

	vars, err := matfile.Load(path)
	require.NoError(t, err)
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"x", "x_cols", "pad", "stride", "filter_height", "filter_width"}, keys)
	assert.Equal(t, cols.Data, vars["x_cols"].Data)
	assert.Equal(t, 3.0, vars["filter_height"].Data[0])
}

func TestRunWritesExport(t *testing.T) {
	dir := t.TempDir()
	fixture := filepath.Join(dir, "fixture.mat")
	require.NoError(t, RandomFixtures(11).Save(fixture))
	out := filepath.Join(dir, "cols.mat")

	report, err := Run(Options{Fixture: fixture, Param: conv.Param{Stride: 1, Pad: 1}, Im2ColOut: out})
	require.NoError(t, err)
	assert.True(t, report.Passed(checkTolerance))
	_, err = os.Stat(out)
	assert.NoError(t, err)
}

func TestSimpleIm2Col(t *testing.T) {
	dir := t.TempDir()
	raw := tensor.New(4, 4, 3, 2) // H, W, C, N as saved by MATLAB
	for i := range raw.Data {
		raw.Data[i] = float64(i)
	}
	path := filepath.Join(dir, "SimpleInput.mat")
	require.NoError(t, matfile.Save(path, matfile.Vars{"x_simple": raw}))

	x, cols, err := SimpleIm2Col(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4, 4}, x.Shape)
	assert.Equal(t, raw.At(1, 2, 0, 1), x.At(1, 0, 1, 2))
	// C*2*2 rows, N*3*3 columns
	assert.Equal(t, []int{12, 18}, cols.Shape)

	_, err = Run(Options{Param: conv.Param{Stride: 1, Pad: 1}, Simple: path})
	assert.NoError(t, err)

	other := filepath.Join(dir, "other.mat")
	require.NoError(t, matfile.Save(other, matfile.Vars{"x": raw}))
	_, _, err = SimpleIm2Col(other)
	assert.True(t, errors.Is(err, ErrMissingFixture))
}
