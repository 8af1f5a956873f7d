// Package autodiff implements the result protocol for reverse-mode
// differentiation over a DAG of layers.
//
// Architecture:
//   - Result: a forward TensorList plus a backward closure, reference counted
//   - Layer: the operator contract every differentiable node satisfies
//   - Fanout: shares one Result between several consumers and sums their
//     gradients before forwarding them once
//   - DeltaSet: the backward output, one Delta per learnable buffer
//
// Usage:
//
//	x := autodiff.NewInput(id, tensor.MustHostList(tensor.Of(1, 2, 3)))
//	defer x.FreeRef()
//	y, err := sum.Eval(x) // [6]
//	if err != nil {
//	    return err
//	}
//	defer y.FreeRef()
//
//	deltas := autodiff.NewDeltaSet()
//	ones := tensor.Ones(1, tensor.Shape{1})
//	defer ones.FreeRef()
//	err = y.Accumulate(deltas, ones) // x receives [1 1 1]
package autodiff

import (
	"github.com/born-ml/deltagraph/internal/tensor"
)

// Backward seeds the backward pass of out with a gradient of ones and
// returns the collected deltas. It is the usual way to train on a scalar
// loss whose elements are summed.
func Backward(out *Result) (*DeltaSet, error) {
	data := out.Data()
	seed := tensor.Ones(data.Length(), data.Dimensions())
	defer seed.FreeRef()
	deltas := NewDeltaSet()
	if err := out.Accumulate(deltas, seed); err != nil {
		return nil, err
	}
	return deltas, nil
}
