package gradcheck

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"

	"tensordriver/internal/conv"
	"tensordriver/internal/tensor"
)

// DefaultStep is the perturbation used for central differences.
const DefaultStep = 1e-5

// DefaultTolerance is the relative error a correct backward pass stays under.
const DefaultTolerance = 1e-6

// ForwardFunc maps an input tensor to an output tensor.
type ForwardFunc func(x *tensor.Tensor) (*tensor.Tensor, error)

// NumericGradient estimates d<f(x), dout>/dx with symmetric differences of step h.
func NumericGradient(f ForwardFunc, x, dout *tensor.Tensor, h float64) (*tensor.Tensor, error) {
	if h <= 0 {
		h = DefaultStep
	}
	var evalErr error
	probe := &tensor.Tensor{Shape: x.Shape}
	objective := func(data []float64) float64 {
		if evalErr != nil {
			return 0
		}
		probe.Data = data
		out, err := f(probe)
		if err != nil {
			evalErr = err
			return 0
		}
		if !out.SameShape(dout) {
			evalErr = errors.Errorf("gradcheck: output %v does not match dout %v", out.Shape, dout.Shape)
			return 0
		}
		s := 0.0
		for i, v := range out.Data {
			s += v * dout.Data[i]
		}
		return s
	}
	grad := fd.Gradient(nil, objective, append([]float64(nil), x.Data...), &fd.Settings{
		Formula: fd.Central,
		Step:    h,
	})
	if evalErr != nil {
		return nil, evalErr
	}
	return tensor.FromData(grad, x.Shape...)
}

// RelError returns max |a-b| / max(1e-8, |a|+|b|) over all elements.
func RelError(a, b *tensor.Tensor) float64 {
	if a.Size() != b.Size() {
		return math.Inf(1)
	}
	m := 0.0
	for i := range a.Data {
		den := math.Max(1e-8, math.Abs(a.Data[i])+math.Abs(b.Data[i]))
		m = math.Max(m, math.Abs(a.Data[i]-b.Data[i])/den)
	}
	return m
}

// Errors holds the relative errors of one backward implementation.
type Errors struct {
	DX, DW, DB float64
}

// Max returns the largest of the three errors.
func (e Errors) Max() float64 {
	return math.Max(e.DX, math.Max(e.DW, e.DB))
}

// Report collects the outcome of a gradient check.
type Report struct {
	Naive   Errors
	Im2Col  Errors
	Forward float64
}

// Passed reports whether every error is below tol.
func (r Report) Passed(tol float64) bool {
	return r.Naive.Max() < tol && r.Im2Col.Max() < tol && r.Forward < tol
}

// Check compares the naive and im2col backward passes against numeric gradients of the naive forward pass.
func Check(fx Fixtures, p conv.Param) (Report, error) {
	var r Report
	x, w, b, dout := fx.X, fx.W, fx.B, fx.Dout

	dxNum, err := NumericGradient(func(v *tensor.Tensor) (*tensor.Tensor, error) {
		out, _, err := conv.ForwardNaive(v, w, b, p)
		return out, err
	}, x, dout, DefaultStep)
	if err != nil {
		return r, errors.Wrap(err, "numeric dx")
	}
	dwNum, err := NumericGradient(func(v *tensor.Tensor) (*tensor.Tensor, error) {
		out, _, err := conv.ForwardNaive(x, v, b, p)
		return out, err
	}, w, dout, DefaultStep)
	if err != nil {
		return r, errors.Wrap(err, "numeric dw")
	}
	dbNum, err := NumericGradient(func(v *tensor.Tensor) (*tensor.Tensor, error) {
		out, _, err := conv.ForwardNaive(x, w, v, p)
		return out, err
	}, b, dout, DefaultStep)
	if err != nil {
		return r, errors.Wrap(err, "numeric db")
	}

	naiveOut, naiveCache, err := conv.ForwardNaive(x, w, b, p)
	if err != nil {
		return r, errors.Wrap(err, "naive forward")
	}
	dx, dw, db, err := conv.BackwardNaive(dout, naiveCache)
	if err != nil {
		return r, errors.Wrap(err, "naive backward")
	}
	r.Naive = Errors{DX: RelError(dx, dxNum), DW: RelError(dw, dwNum), DB: RelError(db, dbNum)}

	fastOut, fastCache, err := conv.ForwardIm2Col(x, w, b, p)
	if err != nil {
		return r, errors.Wrap(err, "im2col forward")
	}
	dx, dw, db, err = conv.BackwardIm2Col(dout, fastCache)
	if err != nil {
		return r, errors.Wrap(err, "im2col backward")
	}
	r.Im2Col = Errors{DX: RelError(dx, dxNum), DW: RelError(dw, dwNum), DB: RelError(db, dbNum)}
	r.Forward = RelError(naiveOut, fastOut)
	return r, nil
}
