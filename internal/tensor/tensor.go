package tensor

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ErrShape is returned when a tensor's shape does not fit the requested operation.
var ErrShape = errors.New("tensor: shape mismatch")

// Tensor is a dense row-major array of float64 values.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New allocates a zero filled tensor.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, volume(shape))}
}

// FromData wraps data with the given shape.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if volume(shape) != len(data) {
		return nil, errors.Wrapf(ErrShape, "%d values do not fill shape %v", len(data), shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Full returns a tensor with every element set to v.
func Full(v float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Size() int { return len(t.Data) }
func (t *Tensor) Dims() int { return len(t.Shape) }

// Dim returns the length of axis i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// Offset returns the flat index of idx. It panics on out of range indices like a slice would.
func (t *Tensor) Offset(idx ...int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: %d indices for %d-d tensor", len(idx), len(t.Shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for axis %d (len %d)", v, i, t.Shape[i]))
		}
		off = off*t.Shape[i] + v
	}
	return off
}

func (t *Tensor) At(idx ...int) float64     { return t.Data[t.Offset(idx...)] }
func (t *Tensor) Set(v float64, idx ...int) { t.Data[t.Offset(idx...)] = v }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Reshape returns a view of the same data with a new shape. A single -1 axis is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = append([]int(nil), shape...)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				return nil, errors.Wrap(ErrShape, "more than one inferred axis")
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, errors.Wrapf(ErrShape, "cannot reshape %v into %v", t.Shape, shape)
		}
		shape[infer] = len(t.Data) / known
	}
	if volume(shape) != len(t.Data) {
		return nil, errors.Wrapf(ErrShape, "cannot reshape %v into %v", t.Shape, shape)
	}
	return &Tensor{Shape: shape, Data: t.Data}, nil
}

// Transpose permutes the axes of t into a new tensor.
func (t *Tensor) Transpose(perm ...int) (*Tensor, error) {
	if len(perm) != len(t.Shape) {
		return nil, errors.Wrapf(ErrShape, "permutation %v for %d-d tensor", perm, len(t.Shape))
	}
	seen := make([]bool, len(perm))
	shape := make([]int, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, errors.Wrapf(ErrShape, "invalid permutation %v", perm)
		}
		seen[p] = true
		shape[i] = t.Shape[p]
	}
	srcStrides := strides(t.Shape)
	out := New(shape...)
	idx := make([]int, len(shape))
	for o := range out.Data {
		src := 0
		for i, v := range idx {
			src += v * srcStrides[perm[i]]
		}
		out.Data[o] = t.Data[src]
		for ax := len(idx) - 1; ax >= 0; ax-- {
			idx[ax]++
			if idx[ax] < shape[ax] {
				break
			}
			idx[ax] = 0
		}
	}
	return out, nil
}

// Pad surrounds each axis with constant values; pads[i] holds the before/after widths of axis i.
func (t *Tensor) Pad(pads [][2]int, value float64) (*Tensor, error) {
	if len(pads) != len(t.Shape) {
		return nil, errors.Wrapf(ErrShape, "%d pad pairs for %d-d tensor", len(pads), len(t.Shape))
	}
	shape := make([]int, len(t.Shape))
	for i, p := range pads {
		if p[0] < 0 || p[1] < 0 {
			return nil, errors.Wrapf(ErrShape, "negative padding %v", p)
		}
		shape[i] = t.Shape[i] + p[0] + p[1]
	}
	out := Full(value, shape...)
	if len(t.Data) == 0 {
		return out, nil
	}
	dst := strides(shape)
	idx := make([]int, len(t.Shape))
	for _, v := range t.Data {
		off := 0
		for i, x := range idx {
			off += (x + pads[i][0]) * dst[i]
		}
		out.Data[off] = v
		for ax := len(idx) - 1; ax >= 0; ax-- {
			idx[ax]++
			if idx[ax] < t.Shape[ax] {
				break
			}
			idx[ax] = 0
		}
	}
	return out, nil
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// Apply returns a new tensor with fn applied elementwise.
func (t *Tensor) Apply(fn func(float64) float64) *Tensor {
	out := t.Clone()
	for i, v := range out.Data {
		out.Data[i] = fn(v)
	}
	return out
}

func (t *Tensor) Min() float64 {
	m := math.Inf(1)
	for _, v := range t.Data {
		m = math.Min(m, v)
	}
	return m
}

func (t *Tensor) Max() float64 {
	m := math.Inf(-1)
	for _, v := range t.Data {
		m = math.Max(m, v)
	}
	return m
}

func (t *Tensor) Sum() float64 {
	s := 0.0
	for _, v := range t.Data {
		s += v
	}
	return s
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}
