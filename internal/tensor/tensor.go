// Package tensor provides reference-counted dense tensors and the tensor
// lists that carry one mini-batch column through a network.
package tensor

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/parallel"
	"github.com/born-ml/deltagraph/internal/refcount"
	"github.com/google/uuid"
)

// Tensor is a dense float64 array with a fixed shape.
//
// A tensor is reference counted: the creator holds one reference and every
// additional holder calls AddRef. Operations have value semantics and
// return new tensors unless their name ends in InPlace.
//
// Example:
//
//	t, _ := tensor.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{2, 2})
//	defer t.FreeRef()
//	s := t.Scale(2) // new tensor, t unchanged
//	defer s.FreeRef()
type Tensor struct {
	refcount.Counted
	shape Shape
	data  []float64

	idOnce sync.Once
	id     uuid.UUID
}

// parallelCfg controls when elementwise kernels fan out.
var parallelCfg = parallel.Config{
	Enabled:      true,
	NumWorkers:   parallel.DefaultConfig().NumWorkers,
	MinChunkSize: 1 << 14,
}

func newTensor(shape Shape, data []float64) *Tensor {
	t := &Tensor{shape: shape, data: data}
	t.Init(t, func() { t.data = nil })
	return t
}

// Zeros creates a zero-filled tensor. Panics on an invalid shape.
func Zeros(shape Shape) *Tensor {
	if err := shape.Validate(); err != nil {
		panic(err)
	}
	return newTensor(shape.Clone(), make([]float64, shape.NumElements()))
}

// New creates a zero-filled tensor with the given dimensions.
func New(dims ...int) *Tensor {
	return Zeros(Shape(dims))
}

// FromSlice creates a tensor from a Go slice. The slice is copied.
func FromSlice(data []float64, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NumElements() != len(data) {
		return nil, errs.InvalidArgument("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	buf := make([]float64, len(data))
	copy(buf, data)
	return newTensor(shape.Clone(), buf), nil
}

// Of creates a rank-1 tensor holding values.
func Of(values ...float64) *Tensor {
	t, err := FromSlice(values, Shape{len(values)})
	if err != nil {
		panic(err)
	}
	return t
}

// Full creates a tensor filled with value.
func Full(shape Shape, value float64) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// ID returns the tensor's identity, assigned on first use.
func (t *Tensor) ID() uuid.UUID {
	t.idOnce.Do(func() {
		if t.id == uuid.Nil {
			t.id = uuid.New()
		}
	})
	return t.id
}

// SetID assigns an identity (used when restoring serialized tensors).
func (t *Tensor) SetID(id uuid.UUID) {
	t.idOnce.Do(func() {})
	t.id = id
}

// Shape returns the tensor's shape. The caller must not modify it.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return t.shape.NumElements()
}

// Data returns the backing slice.
//
// WARNING: Modifications to the returned slice will modify the tensor.
func (t *Tensor) Data() []float64 {
	t.AssertAlive()
	return t.data
}

// Get returns the element at the given coordinates.
// Panics if coordinates are out of bounds.
func (t *Tensor) Get(coords ...int) float64 {
	off, err := t.shape.Offset(coords)
	if err != nil {
		panic(err)
	}
	return t.Data()[off]
}

// Set writes the element at the given coordinates.
// Panics if coordinates are out of bounds.
func (t *Tensor) Set(value float64, coords ...int) {
	off, err := t.shape.Offset(coords)
	if err != nil {
		panic(err)
	}
	t.Data()[off] = value
}

// Copy returns a deep copy with its own buffer.
func (t *Tensor) Copy() *Tensor {
	buf := make([]float64, len(t.Data()))
	copy(buf, t.data)
	return newTensor(t.shape.Clone(), buf)
}

// Equal reports whether both tensors have the same shape and all elements
// differ by at most tol.
func (t *Tensor) Equal(other *Tensor, tol float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	a, b := t.Data(), other.Data()
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

// String returns a human-readable representation of the tensor.
func (t *Tensor) String() string {
	if t.IsFinalized() {
		return fmt.Sprintf("Tensor%v<freed>", t.shape)
	}
	const maxShown = 8
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor%v[", t.shape)
	for i, v := range t.data {
		if i == maxShown {
			fmt.Fprintf(&b, " ...(%d more)", len(t.data)-maxShown)
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}
