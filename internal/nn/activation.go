package nn

import (
	"encoding/json"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/google/uuid"
)

const (
	classReLU             = "ReLU"
	classLinearActivation = "LinearActivation"
	classIdentity         = "Identity"
)

// ReLU is a Rectified Linear Unit activation layer.
//
// Applies the element-wise function: f(x) = max(0, x)
// Gradient: 1 where x > 0, else 0.
type ReLU struct {
	base
}

// NewReLU creates a new ReLU activation layer.
func NewReLU() *ReLU {
	r := &ReLU{}
	r.setup("relu", uuid.Nil)
	return r
}

// Eval applies max(0, x).
func (r *ReLU) Eval(inputs ...*autodiff.Result) (*autodiff.Result, error) {
	if err := autodiff.CheckInputs("relu", 1, inputs); err != nil {
		return nil, err
	}
	in := inputs[0]
	items, err := mapItems(in.Data(), func(_ int, t *tensor.Tensor) (*tensor.Tensor, error) {
		return t.Map(func(v float64) float64 { return max(v, 0) }), nil
	})
	if err != nil {
		return nil, err
	}
	data, err := r.place(items)
	if err != nil {
		return nil, err
	}
	return output(data, in.IsAlive(), func(deltas *autodiff.DeltaSet, delta tensor.List) error {
		g, err := hostList(mapItems(delta, func(i int, d *tensor.Tensor) (*tensor.Tensor, error) {
			x := in.Data().Get(i)
			defer x.FreeRef()
			xs := x.Data()
			return d.MapCoords(func(v float64, c tensor.Coord) float64 {
				if xs[c.Index] > 0 {
					return v
				}
				return 0
			}), nil
		}))
		if err != nil {
			return err
		}
		defer g.FreeRef()
		return in.Accumulate(deltas, g)
	}, in), nil
}

// JSON returns the layer document.
func (r *ReLU) JSON(*autodiff.Resources) (json.RawMessage, error) {
	return json.Marshal(r.Header(classReLU))
}

// LinearActivation applies f(x) = scale*x + bias with learnable scale and
// bias (two scalars, slot 0 holds both).
//
// Gradients: d/dscale = sum(g*x), d/dbias = sum(g), d/dx = g*scale.
type LinearActivation struct {
	base
	weights *Parameter // [scale, bias]
}

// NewLinearActivation creates the identity transform scale=1, bias=0.
func NewLinearActivation() *LinearActivation {
	l := &LinearActivation{weights: NewParameter("weights", tensor.Shape{2})}
	l.weights.Data()[0] = 1
	l.setup("linear", uuid.Nil)
	return l
}

// Weights returns the [scale, bias] parameter.
func (l *LinearActivation) Weights() *Parameter {
	return l.weights
}

// State returns the [scale, bias] buffer.
func (l *LinearActivation) State() [][]float64 {
	return stateOf(l.weights)
}

// Eval applies scale*x + bias.
func (l *LinearActivation) Eval(inputs ...*autodiff.Result) (*autodiff.Result, error) {
	if err := autodiff.CheckInputs("linear activation", 1, inputs); err != nil {
		return nil, err
	}
	in := inputs[0]
	scale, bias := l.weights.Data()[0], l.weights.Data()[1]
	items, err := mapItems(in.Data(), func(_ int, t *tensor.Tensor) (*tensor.Tensor, error) {
		return t.Map(func(v float64) float64 { return scale*v + bias }), nil
	})
	if err != nil {
		return nil, err
	}
	data, err := l.place(items)
	if err != nil {
		return nil, err
	}
	frozen := l.Frozen()
	return output(data, in.IsAlive() || !frozen, func(deltas *autodiff.DeltaSet, delta tensor.List) error {
		if !frozen {
			grad := make([]float64, 2)
			for i := 0; i < delta.Length(); i++ {
				g, x := delta.Get(i), in.Data().Get(i)
				xs := x.Data()
				for j, v := range g.Data() {
					grad[0] += v * xs[j]
					grad[1] += v
				}
				g.FreeRef()
				x.FreeRef()
			}
			if err := l.weights.accumulate(deltas, l.ID(), 0, grad); err != nil {
				return err
			}
		}
		if !in.IsAlive() {
			return nil
		}
		g, err := hostList(mapItems(delta, func(_ int, d *tensor.Tensor) (*tensor.Tensor, error) {
			return d.Scale(scale), nil
		}))
		if err != nil {
			return err
		}
		defer g.FreeRef()
		return in.Accumulate(deltas, g)
	}, in), nil
}

// JSON returns the layer document; the weights go into res.
func (l *LinearActivation) JSON(res *autodiff.Resources) (json.RawMessage, error) {
	l.weights.save(res, l.ID(), 0)
	return json.Marshal(l.Header(classLinearActivation))
}

// Identity passes its input through unchanged.
type Identity struct {
	base
}

// NewIdentity creates an identity layer.
func NewIdentity() *Identity {
	i := &Identity{}
	i.setup("identity", uuid.Nil)
	return i
}

// Eval copies the input.
func (id *Identity) Eval(inputs ...*autodiff.Result) (*autodiff.Result, error) {
	if err := autodiff.CheckInputs("identity", 1, inputs); err != nil {
		return nil, err
	}
	in := inputs[0]
	items, err := mapItems(in.Data(), func(_ int, t *tensor.Tensor) (*tensor.Tensor, error) {
		return t.Copy(), nil
	})
	if err != nil {
		return nil, err
	}
	data, err := id.place(items)
	if err != nil {
		return nil, err
	}
	return output(data, in.IsAlive(), func(deltas *autodiff.DeltaSet, delta tensor.List) error {
		return in.Accumulate(deltas, delta)
	}, in), nil
}

// JSON returns the layer document.
func (id *Identity) JSON(*autodiff.Resources) (json.RawMessage, error) {
	return json.Marshal(id.Header(classIdentity))
}

func (r *Registry) registerActivations() {
	simple := func(class string, build func() autodiff.Layer) {
		r.Register(class, func(_ *Registry, doc json.RawMessage, res *autodiff.Resources) (autodiff.Layer, error) {
			var h autodiff.Header
			if err := decodeInto(class, doc, &h); err != nil {
				return nil, err
			}
			l := build()
			l.(interface{ ApplyHeader(autodiff.Header) }).ApplyHeader(h)
			return l, nil
		})
	}
	simple(classReLU, func() autodiff.Layer { return NewReLU() })
	simple(classIdentity, func() autodiff.Layer { return NewIdentity() })
	r.Register(classLinearActivation, func(_ *Registry, doc json.RawMessage, res *autodiff.Resources) (autodiff.Layer, error) {
		var h autodiff.Header
		if err := decodeInto(classLinearActivation, doc, &h); err != nil {
			return nil, err
		}
		l := NewLinearActivation()
		l.ApplyHeader(h)
		if err := l.weights.load(res, l.ID(), 0); err != nil {
			return nil, err
		}
		return l, nil
	})
}
