package nn

import (
	"encoding/json"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/google/uuid"
)

const (
	classSumReducer  = "SumReducer"
	classMeanReducer = "MeanReducer"
)

// SumReducer reduces every item to a single element holding its sum.
//
// Output item shape is [1]. The backward pass broadcasts the incoming
// scalar to every element of the input item, so a gradient of 1 gives the
// input a gradient of 1 everywhere.
//
// Example:
//
//	sum := nn.NewSumReducer()
//	out, _ := sum.Eval(x) // x: [1 2 3] -> [6]
type SumReducer struct {
	base
}

// NewSumReducer creates a sum reducer.
func NewSumReducer() *SumReducer {
	s := &SumReducer{}
	s.setup("sum", uuid.Nil)
	return s
}

// Eval sums each item.
func (s *SumReducer) Eval(inputs ...*autodiff.Result) (*autodiff.Result, error) {
	return reduce(&s.base, "sum reducer", 1, inputs)
}

// JSON returns the layer document.
func (s *SumReducer) JSON(*autodiff.Resources) (json.RawMessage, error) {
	return json.Marshal(s.Header(classSumReducer))
}

// MeanReducer reduces every item to the mean of its elements.
//
// Output item shape is [1]. The backward pass spreads the incoming scalar
// evenly: each input element receives g divided by the item's element
// count.
type MeanReducer struct {
	base
}

// NewMeanReducer creates a mean reducer.
func NewMeanReducer() *MeanReducer {
	m := &MeanReducer{}
	m.setup("mean", uuid.Nil)
	return m
}

// Eval averages each item.
func (m *MeanReducer) Eval(inputs ...*autodiff.Result) (*autodiff.Result, error) {
	if err := autodiff.CheckInputs("mean reducer", 1, inputs); err != nil {
		return nil, err
	}
	n := inputs[0].Data().Dimensions().NumElements()
	return reduce(&m.base, "mean reducer", 1/float64(n), inputs)
}

// JSON returns the layer document.
func (m *MeanReducer) JSON(*autodiff.Resources) (json.RawMessage, error) {
	return json.Marshal(m.Header(classMeanReducer))
}

// reduce computes factor*sum per item.
func reduce(b *base, name string, factor float64, inputs []*autodiff.Result) (*autodiff.Result, error) {
	if err := autodiff.CheckInputs(name, 1, inputs); err != nil {
		return nil, err
	}
	in := inputs[0]
	dims := in.Data().Dimensions().Clone()
	items, err := mapItems(in.Data(), func(_ int, t *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.Of(t.Sum() * factor), nil
	})
	if err != nil {
		return nil, err
	}
	data, err := b.place(items)
	if err != nil {
		return nil, err
	}
	return output(data, in.IsAlive(), func(deltas *autodiff.DeltaSet, delta tensor.List) error {
		g, err := hostList(mapItems(delta, func(_ int, t *tensor.Tensor) (*tensor.Tensor, error) {
			return tensor.Full(dims, t.Data()[0]*factor), nil
		}))
		if err != nil {
			return err
		}
		defer g.FreeRef()
		return in.Accumulate(deltas, g)
	}, in), nil
}

func (r *Registry) registerReducers() {
	r.Register(classSumReducer, func(_ *Registry, doc json.RawMessage, _ *autodiff.Resources) (autodiff.Layer, error) {
		var h autodiff.Header
		if err := decodeInto(classSumReducer, doc, &h); err != nil {
			return nil, err
		}
		s := NewSumReducer()
		s.ApplyHeader(h)
		return s, nil
	})
	r.Register(classMeanReducer, func(_ *Registry, doc json.RawMessage, _ *autodiff.Resources) (autodiff.Layer, error) {
		var h autodiff.Header
		if err := decodeInto(classMeanReducer, doc, &h); err != nil {
			return nil, err
		}
		m := NewMeanReducer()
		m.ApplyHeader(h)
		return m, nil
	})
}
