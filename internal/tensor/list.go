package tensor

import (
	"iter"

	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/refcount"
)

// List is an ordered, reference-counted collection of same-shaped tensors:
// one column of a mini-batch.
//
// Ownership rules:
//   - Get returns a new reference; the caller must FreeRef it. The tensor
//     is shared with the list, so copy it before mutating.
//   - Stream yields tensors the consumer owns and must FreeRef.
//   - Add, Minus and Copy return new lists owned by the caller.
type List interface {
	refcount.Releasable

	// Length returns the number of items. Stable for the list's lifetime.
	Length() int
	// Dimensions returns the per-item shape.
	Dimensions() Shape
	// Get returns item i.
	Get(i int) *Tensor
	// Stream returns a lazy, finite, restartable sequence of the items.
	Stream() iter.Seq[*Tensor]
	// Add returns the elementwise sum of both lists.
	Add(other List) (List, error)
	// Minus returns the elementwise difference of both lists.
	Minus(other List) (List, error)
	// Copy returns a deep copy sharing no buffers with the source.
	Copy() List
}

// HostList is a List backed by host tensors.
type HostList struct {
	refcount.Counted
	items []*Tensor
	dims  Shape
}

// NewHostList creates a list taking ownership of items. All items must share
// one shape. A zero-length list has nil dimensions.
func NewHostList(items ...*Tensor) (*HostList, error) {
	var dims Shape
	for i, t := range items {
		if t == nil {
			return nil, errs.InvalidArgument("tensor list: item %d is nil", i)
		}
		if i == 0 {
			dims = t.Shape().Clone()
			continue
		}
		if !dims.Equal(t.Shape()) {
			return nil, errs.InvalidArgument("tensor list: item %d has shape %v, item 0 has %v", i, t.Shape(), dims)
		}
	}
	l := &HostList{items: items, dims: dims}
	l.Init(l, func() {
		for _, t := range l.items {
			t.FreeRef()
		}
		l.items = nil
	})
	return l, nil
}

// MustHostList is NewHostList that panics on error.
func MustHostList(items ...*Tensor) *HostList {
	l, err := NewHostList(items...)
	if err != nil {
		panic(err)
	}
	return l
}

// WrapHostList creates a list sharing items: each item gains a reference.
func WrapHostList(items ...*Tensor) (*HostList, error) {
	for _, t := range items {
		if t != nil {
			t.AddRef()
		}
	}
	l, err := NewHostList(items...)
	if err != nil {
		for _, t := range items {
			if t != nil {
				t.FreeRef()
			}
		}
		return nil, err
	}
	return l, nil
}

// Length returns the number of items.
func (l *HostList) Length() int {
	return len(l.items)
}

// Dimensions returns the per-item shape.
func (l *HostList) Dimensions() Shape {
	return l.dims
}

// Get returns a new reference to item i.
func (l *HostList) Get(i int) *Tensor {
	l.AssertAlive()
	t := l.items[i]
	t.AddRef()
	return t
}

// Stream yields a new reference to each item in order.
func (l *HostList) Stream() iter.Seq[*Tensor] {
	return stream(l)
}

// Add returns the elementwise sum.
func (l *HostList) Add(other List) (List, error) {
	return combine("add", l, other, (*Tensor).Add)
}

// Minus returns the elementwise difference.
func (l *HostList) Minus(other List) (List, error) {
	return combine("minus", l, other, (*Tensor).Minus)
}

// Copy returns a deep copy.
func (l *HostList) Copy() List {
	return copyList(l)
}

func stream(l List) iter.Seq[*Tensor] {
	return func(yield func(*Tensor) bool) {
		n := l.Length()
		for i := 0; i < n; i++ {
			if !yield(l.Get(i)) {
				return
			}
		}
	}
}

func copyList(l List) *HostList {
	n := l.Length()
	items := make([]*Tensor, n)
	for i := 0; i < n; i++ {
		t := l.Get(i)
		items[i] = t.Copy()
		t.FreeRef()
	}
	return MustHostList(items...)
}

// CheckCompatible returns an InvalidArgument error unless both lists have
// the same length and item shape.
func CheckCompatible(op string, a, b List) error {
	if a.Length() != b.Length() {
		return errs.InvalidArgument("%s: length mismatch %d vs %d", op, a.Length(), b.Length())
	}
	if !a.Dimensions().Equal(b.Dimensions()) {
		return errs.ShapeMismatch(op, a.Dimensions(), b.Dimensions())
	}
	return nil
}

func combine(op string, a, b List, fn func(x, y *Tensor) (*Tensor, error)) (List, error) {
	a.AssertAlive()
	b.AssertAlive()
	if err := CheckCompatible(op, a, b); err != nil {
		return nil, err
	}
	n := a.Length()
	items := make([]*Tensor, 0, n)
	for i := 0; i < n; i++ {
		x, y := a.Get(i), b.Get(i)
		z, err := fn(x, y)
		x.FreeRef()
		y.FreeRef()
		if err != nil {
			FreeTensors(items)
			return nil, err
		}
		items = append(items, z)
	}
	return NewHostList(items...)
}

// FreeTensors releases every tensor in items.
func FreeTensors(items []*Tensor) {
	for _, t := range items {
		if t != nil {
			t.FreeRef()
		}
	}
}

// Sum adds any number of compatible lists; the result is owned by the caller.
func Sum(lists ...List) (List, error) {
	if len(lists) == 0 {
		return nil, errs.InvalidArgument("sum: no lists")
	}
	acc := lists[0].Copy()
	for _, l := range lists[1:] {
		next, err := acc.Add(l)
		acc.FreeRef()
		if err != nil {
			return nil, err
		}
		acc = next
	}
	return acc, nil
}

// Ones returns a list of length n whose items are tensors of dims filled with 1.
func Ones(n int, dims Shape) *HostList {
	items := make([]*Tensor, n)
	for i := range items {
		items[i] = Full(dims, 1)
	}
	return MustHostList(items...)
}

// ZerosLike returns a zero-filled host list shaped like l.
func ZerosLike(l List) *HostList {
	items := make([]*Tensor, l.Length())
	for i := range items {
		items[i] = Zeros(l.Dimensions())
	}
	return MustHostList(items...)
}
