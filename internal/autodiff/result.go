package autodiff

import (
	"sync/atomic"

	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/refcount"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/google/uuid"
)

// AccumulateFunc propagates an incoming gradient. It writes parameter
// gradients into deltas and calls Accumulate on the upstream results it
// retained. delta is borrowed: the function must not free it and must copy
// anything it keeps.
type AccumulateFunc func(deltas *DeltaSet, delta tensor.List) error

// Result is the autograd node produced by evaluating a Layer: a forward
// value plus the closure that carries gradients back upstream.
//
// A Result owns its forward list. Its teardown frees the list and then
// runs onFree, which is where layers release the inputs they retained for
// the backward pass.
//
// Accumulate may be called at most once per Result. A Result that is not
// alive has no upstream that needs gradient; accumulating into it is a
// no-op.
type Result struct {
	refcount.Counted

	data        tensor.List
	accumulate  AccumulateFunc
	alive       bool
	onFree      func()
	accumulated atomic.Bool
	underlying  *Result
}

// NewResult creates a result taking ownership of data. accumulate may be nil
// when alive is false. onFree, if not nil, runs once after data is freed.
func NewResult(data tensor.List, accumulate AccumulateFunc, alive bool, onFree func()) *Result {
	if data == nil {
		panic("autodiff: result requires data")
	}
	if alive && accumulate == nil {
		panic("autodiff: alive result requires an accumulate function")
	}
	r := &Result{
		data:       data,
		accumulate: accumulate,
		alive:      alive,
		onFree:     onFree,
	}
	r.underlying = r
	r.Init(r, r.teardown)
	return r
}

// NewConstant wraps data as a dead input: no gradient is collected for it.
func NewConstant(data tensor.List) *Result {
	return NewResult(data, nil, false, nil)
}

// NewInput wraps data as a live input. The gradient of item i is recorded
// in the DeltaSet under Key{id, i}, targeting that item's buffer.
func NewInput(id uuid.UUID, data tensor.List) *Result {
	return NewResult(data, func(deltas *DeltaSet, delta tensor.List) error {
		for i := 0; i < delta.Length(); i++ {
			src, g := data.Get(i), delta.Get(i)
			err := deltas.Get(Key{Layer: id, Slot: i}, src.Data()).AddInPlace(g.Data())
			src.FreeRef()
			g.FreeRef()
			if err != nil {
				return err
			}
		}
		return nil
	}, true, nil)
}

// Data returns the forward value. The list is borrowed from the result:
// AddRef it to keep it beyond the result's lifetime.
func (r *Result) Data() tensor.List {
	r.AssertAlive()
	return r.data
}

// IsAlive reports whether gradient must flow through this result.
func (r *Result) IsAlive() bool {
	return r.alive
}

// Accumulated reports whether Accumulate has been called.
func (r *Result) Accumulated() bool {
	return r.accumulated.Load()
}

// Underlying returns the result this one forwards to. Per-consumer handles
// created by Fanout share the result they fan out; any other result
// returns itself.
func (r *Result) Underlying() *Result {
	return r.underlying
}

// Accumulate delivers the gradient of the forward value. delta is borrowed
// and must match the forward value's length and item shape.
//
// Calling Accumulate twice, or on a freed result, panics with a lifecycle
// error.
func (r *Result) Accumulate(deltas *DeltaSet, delta tensor.List) error {
	r.AssertAlive()
	if !r.alive {
		return nil
	}
	if deltas == nil {
		return errs.InvalidArgument("accumulate: nil delta set")
	}
	if err := tensor.CheckCompatible("accumulate", r.data, delta); err != nil {
		return err
	}
	if !r.accumulated.CompareAndSwap(false, true) {
		errs.Lifecycle("Accumulate", "Result", "accumulate called more than once", r.History())
	}
	return r.accumulate(deltas, delta)
}

func (r *Result) teardown() {
	r.data.FreeRef()
	if r.onFree != nil {
		r.onFree()
	}
}

// AnyAlive reports whether any of the results is alive.
func AnyAlive(results ...*Result) bool {
	for _, r := range results {
		if r.IsAlive() {
			return true
		}
	}
	return false
}

// Retain adds a reference to every result and returns a function that
// releases them again. Layers use it to keep their inputs for the backward
// pass; the release function is passed as the output's onFree.
func Retain(results ...*Result) func() {
	kept := append([]*Result(nil), results...)
	refcount.AddRefAll(kept...)
	return func() {
		refcount.FreeAll(kept...)
	}
}
