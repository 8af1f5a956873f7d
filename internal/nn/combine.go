package nn

import (
	"encoding/json"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/google/uuid"
)

const (
	classSumInputs = "SumInputs"
	classProduct   = "Product"
)

// SumInputs adds any number of inputs elementwise.
//
// All inputs must have the same length and item shape. Every alive input
// receives the incoming gradient unchanged.
type SumInputs struct {
	base
}

// NewSumInputs creates an n-ary sum layer.
func NewSumInputs() *SumInputs {
	s := &SumInputs{}
	s.setup("sum-inputs", uuid.Nil)
	return s
}

// Eval sums the inputs.
func (s *SumInputs) Eval(inputs ...*autodiff.Result) (*autodiff.Result, error) {
	if err := autodiff.CheckInputs("sum inputs", -1, inputs); err != nil {
		return nil, err
	}
	first := inputs[0].Data()
	items, err := mapItems(first, func(i int, t *tensor.Tensor) (*tensor.Tensor, error) {
		acc := t.Copy()
		for _, in := range inputs[1:] {
			other := in.Data().Get(i)
			err := acc.AddInPlace(other)
			other.FreeRef()
			if err != nil {
				acc.FreeRef()
				return nil, err
			}
		}
		return acc, nil
	})
	if err != nil {
		return nil, err
	}
	data, err := s.place(items)
	if err != nil {
		return nil, err
	}
	kept := append([]*autodiff.Result(nil), inputs...)
	return output(data, autodiff.AnyAlive(inputs...), func(deltas *autodiff.DeltaSet, delta tensor.List) error {
		for _, in := range kept {
			if err := in.Accumulate(deltas, delta); err != nil {
				return err
			}
		}
		return nil
	}, kept...), nil
}

// JSON returns the layer document.
func (s *SumInputs) JSON(*autodiff.Resources) (json.RawMessage, error) {
	return json.Marshal(s.Header(classSumInputs))
}

// Product multiplies two inputs elementwise.
//
// Gradients: d(x*y)/dx = y and d(x*y)/dy = x.
type Product struct {
	base
}

// NewProduct creates a binary product layer.
func NewProduct() *Product {
	p := &Product{}
	p.setup("product", uuid.Nil)
	return p
}

// Eval multiplies the inputs.
func (p *Product) Eval(inputs ...*autodiff.Result) (*autodiff.Result, error) {
	if err := autodiff.CheckInputs("product", 2, inputs); err != nil {
		return nil, err
	}
	x, y := inputs[0], inputs[1]
	items, err := mapItems(x.Data(), func(i int, a *tensor.Tensor) (*tensor.Tensor, error) {
		b := y.Data().Get(i)
		defer b.FreeRef()
		return a.Multiply(b)
	})
	if err != nil {
		return nil, err
	}
	data, err := p.place(items)
	if err != nil {
		return nil, err
	}
	return output(data, autodiff.AnyAlive(x, y), func(deltas *autodiff.DeltaSet, delta tensor.List) error {
		if err := productGrad(deltas, delta, x, y); err != nil {
			return err
		}
		return productGrad(deltas, delta, y, x)
	}, x, y), nil
}

// productGrad sends delta*other to target.
func productGrad(deltas *autodiff.DeltaSet, delta tensor.List, target, other *autodiff.Result) error {
	if !target.IsAlive() {
		return nil
	}
	g, err := hostList(mapItems(delta, func(i int, d *tensor.Tensor) (*tensor.Tensor, error) {
		o := other.Data().Get(i)
		defer o.FreeRef()
		return d.Multiply(o)
	}))
	if err != nil {
		return err
	}
	defer g.FreeRef()
	return target.Accumulate(deltas, g)
}

// JSON returns the layer document.
func (p *Product) JSON(*autodiff.Resources) (json.RawMessage, error) {
	return json.Marshal(p.Header(classProduct))
}

func (r *Registry) registerCombiners() {
	r.Register(classSumInputs, func(_ *Registry, doc json.RawMessage, _ *autodiff.Resources) (autodiff.Layer, error) {
		var h autodiff.Header
		if err := decodeInto(classSumInputs, doc, &h); err != nil {
			return nil, err
		}
		s := NewSumInputs()
		s.ApplyHeader(h)
		return s, nil
	})
	r.Register(classProduct, func(_ *Registry, doc json.RawMessage, _ *autodiff.Resources) (autodiff.Layer, error) {
		var h autodiff.Header
		if err := decodeInto(classProduct, doc, &h); err != nil {
			return nil, err
		}
		p := NewProduct()
		p.ApplyHeader(h)
		return p, nil
	})
}
