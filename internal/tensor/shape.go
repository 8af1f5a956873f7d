package tensor

import (
	"github.com/born-ml/deltagraph/internal/errs"
)

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the tensor.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks if the shape is valid (all dimensions > 0).
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return errs.InvalidArgument("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates row-major strides for the shape.
// Strides define memory layout: stride[i] = product of all dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// Offset converts coordinates to a flat row-major index.
func (s Shape) Offset(coords []int) (int, error) {
	if len(coords) != len(s) {
		return 0, errs.InvalidArgument("expected %d coordinates for shape %v, got %d", len(s), s, len(coords))
	}
	offset := 0
	for i, c := range coords {
		if c < 0 || c >= s[i] {
			return 0, errs.InvalidArgument("coordinate %d out of bounds for dimension %d of %v", c, i, s)
		}
		offset = offset*s[i] + c
	}
	return offset, nil
}

// unravel writes the coordinates of flat index idx into dst.
func (s Shape) unravel(idx int, dst []int) {
	for i := len(s) - 1; i >= 0; i-- {
		dst[i] = idx % s[i]
		idx /= s[i]
	}
}
