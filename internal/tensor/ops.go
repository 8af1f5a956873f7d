package tensor

import (
	"iter"
	"math"

	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/parallel"
)

// Coord is a position inside a tensor: its flat index and its coordinates.
// Coords is reused between iterations; copy it to retain it.
type Coord struct {
	Index  int
	Coords []int
}

// Map applies fn to every element and returns a new tensor.
func (t *Tensor) Map(fn func(float64) float64) *Tensor {
	src := t.Data()
	out := make([]float64, len(src))
	parallel.For(len(src), func(i int) {
		out[i] = fn(src[i])
	}, parallelCfg)
	return newTensor(t.shape.Clone(), out)
}

// MapInPlace applies fn to every element, overwriting the tensor.
func (t *Tensor) MapInPlace(fn func(float64) float64) *Tensor {
	data := t.Data()
	parallel.For(len(data), func(i int) {
		data[i] = fn(data[i])
	}, parallelCfg)
	return t
}

// MapCoords applies fn to every element and its coordinate.
func (t *Tensor) MapCoords(fn func(v float64, c Coord) float64) *Tensor {
	src := t.Data()
	out := make([]float64, len(src))
	c := Coord{Coords: make([]int, len(t.shape))}
	for i, v := range src {
		c.Index = i
		t.shape.unravel(i, c.Coords)
		out[i] = fn(v, c)
	}
	return newTensor(t.shape.Clone(), out)
}

// Coords returns a lazy, finite, restartable sequence of coordinate/value
// pairs in row-major order.
func (t *Tensor) Coords() iter.Seq2[Coord, float64] {
	return func(yield func(Coord, float64) bool) {
		data := t.Data()
		c := Coord{Coords: make([]int, len(t.shape))}
		for i, v := range data {
			c.Index = i
			t.shape.unravel(i, c.Coords)
			if !yield(c, v) {
				return
			}
		}
	}
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float64 {
	s := 0.0
	for _, v := range t.Data() {
		s += v
	}
	return s
}

// SumSq returns the sum of squared elements.
func (t *Tensor) SumSq() float64 {
	s := 0.0
	for _, v := range t.Data() {
		s += v * v
	}
	return s
}

// RMS returns the root mean square of the elements.
func (t *Tensor) RMS() float64 {
	return math.Sqrt(t.SumSq() / float64(t.NumElements()))
}

// Add returns t + other. Shapes must match exactly.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	return t.zip("add", other, func(a, b float64) float64 { return a + b })
}

// Minus returns t - other. Shapes must match exactly.
func (t *Tensor) Minus(other *Tensor) (*Tensor, error) {
	return t.zip("minus", other, func(a, b float64) float64 { return a - b })
}

// Multiply returns the elementwise product. Shapes must match exactly.
func (t *Tensor) Multiply(other *Tensor) (*Tensor, error) {
	return t.zip("multiply", other, func(a, b float64) float64 { return a * b })
}

// Scale returns t * f.
func (t *Tensor) Scale(f float64) *Tensor {
	return t.Map(func(v float64) float64 { return v * f })
}

// AddInPlace adds other into t.
func (t *Tensor) AddInPlace(other *Tensor) error {
	if !t.shape.Equal(other.shape) {
		return errs.ShapeMismatch("add in place", t.shape, other.shape)
	}
	dst, src := t.Data(), other.Data()
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

// ScaleInPlace multiplies every element by f.
func (t *Tensor) ScaleInPlace(f float64) *Tensor {
	data := t.Data()
	for i := range data {
		data[i] *= f
	}
	return t
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float64) *Tensor {
	data := t.Data()
	for i := range data {
		data[i] = value
	}
	return t
}

func (t *Tensor) zip(op string, other *Tensor, fn func(a, b float64) float64) (*Tensor, error) {
	if !t.shape.Equal(other.shape) {
		return nil, errs.ShapeMismatch(op, t.shape, other.shape)
	}
	a, b := t.Data(), other.Data()
	out := make([]float64, len(a))
	parallel.For(len(a), func(i int) {
		out[i] = fn(a[i], b[i])
	}, parallelCfg)
	return newTensor(t.shape.Clone(), out), nil
}

// Reshape returns a copy with a new shape of the same size.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	shape := Shape(dims)
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NumElements() != t.NumElements() {
		return nil, errs.InvalidArgument("reshape: cannot reshape %v to %v", t.shape, shape)
	}
	buf := make([]float64, t.NumElements())
	copy(buf, t.Data())
	return newTensor(shape.Clone(), buf), nil
}

// Permute reorders dimensions. axes must be a permutation of 0..rank-1.
//
// Example:
//
//	t := tensor.New(2, 3, 4)
//	p, _ := t.Permute(2, 0, 1) // Shape: [4, 2, 3]
func (t *Tensor) Permute(axes ...int) (*Tensor, error) {
	rank := len(t.shape)
	if len(axes) != rank {
		return nil, errs.InvalidArgument("permute: expected %d axes for shape %v, got %v", rank, t.shape, axes)
	}
	seen := make([]bool, rank)
	newShape := make(Shape, rank)
	for i, a := range axes {
		if a < 0 || a >= rank || seen[a] {
			return nil, errs.InvalidArgument("permute: %v is not a permutation of shape %v", axes, t.shape)
		}
		seen[a] = true
		newShape[i] = t.shape[a]
	}
	src := t.Data()
	out := make([]float64, len(src))
	dstStrides := newShape.ComputeStrides()
	coords := make([]int, rank)
	for i, v := range src {
		t.shape.unravel(i, coords)
		off := 0
		for j, a := range axes {
			off += coords[a] * dstStrides[j]
		}
		out[off] = v
	}
	return newTensor(newShape, out), nil
}

// SelectBand returns the slice of the last axis at index band; for an
// image tensor [w, h, c] this is channel selection producing [w, h].
func (t *Tensor) SelectBand(band int) (*Tensor, error) {
	rank := len(t.shape)
	if rank < 2 {
		return nil, errs.InvalidArgument("select band: shape %v has no band axis", t.shape)
	}
	bands := t.shape[rank-1]
	if band < 0 || band >= bands {
		return nil, errs.InvalidArgument("select band: band %d out of range for shape %v", band, t.shape)
	}
	src := t.Data()
	out := make([]float64, len(src)/bands)
	for i := range out {
		out[i] = src[i*bands+band]
	}
	return newTensor(t.shape[:rank-1].Clone(), out), nil
}
