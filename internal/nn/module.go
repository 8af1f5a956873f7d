// Package nn implements the reference layers of deltagraph.
//
// This package provides building blocks for constructing networks:
//   - Reducers: SumReducer, MeanReducer
//   - Combiners: SumInputs, Product
//   - Learnable layers: FullyConnected, Bias, LinearActivation
//   - Activations: ReLU, Identity
//   - MonitoringWrapper: call counting and timing around any layer
//   - Registry: JSON decoding by class name
//
// Every layer satisfies autodiff.Layer. Layers compute on host tensors and
// place their outputs through a tensor.Factory, so the same layer serves
// host and device backends.
package nn

import (
	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/google/uuid"
)

// Placer is implemented by layers whose output placement can be chosen.
type Placer interface {
	SetFactory(f tensor.Factory)
}

// base is embedded by every layer in this package.
type base struct {
	autodiff.BaseLayer
	factory tensor.Factory
}

func (b *base) setup(name string, id uuid.UUID) {
	b.InitBase(name, id)
	b.factory = tensor.DefaultFactory
}

// SetFactory selects where outputs are placed. nil restores the default.
func (b *base) SetFactory(f tensor.Factory) {
	if f == nil {
		f = tensor.DefaultFactory
	}
	b.factory = f
}

// Factory returns the output placement strategy.
func (b *base) Factory() tensor.Factory {
	return b.factory
}

func (b *base) place(items []*tensor.Tensor) (tensor.List, error) {
	return b.factory.Place(items)
}

// mapItems applies fn to every item of l and collects the results.
// fn borrows its argument.
func mapItems(l tensor.List, fn func(i int, t *tensor.Tensor) (*tensor.Tensor, error)) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, 0, l.Length())
	for i := 0; i < l.Length(); i++ {
		t := l.Get(i)
		r, err := fn(i, t)
		t.FreeRef()
		if err != nil {
			tensor.FreeTensors(out)
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// hostList builds a gradient list. Gradients are transient and always live
// on the host.
func hostList(items []*tensor.Tensor, err error) (*tensor.HostList, error) {
	if err != nil {
		return nil, err
	}
	l, err := tensor.NewHostList(items...)
	if err != nil {
		tensor.FreeTensors(items)
		return nil, err
	}
	return l, nil
}

// output wraps the forward value of a layer. When alive, the inputs are
// retained until the result is freed.
func output(data tensor.List, alive bool, acc autodiff.AccumulateFunc, inputs ...*autodiff.Result) *autodiff.Result {
	if !alive {
		return autodiff.NewConstant(data)
	}
	return autodiff.NewResult(data, acc, true, autodiff.Retain(inputs...))
}
