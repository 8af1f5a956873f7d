package nn

import (
	"encoding/json"
	"math/rand"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

const (
	classFullyConnected = "FullyConnected"
	classBias           = "Bias"
)

// FullyConnected implements a dense layer without bias.
//
// Performs the transformation: y = W @ x
// where:
//   - x is one input item flattened to [in_features]
//   - W is the weight matrix with shape [out_features, in_features]
//   - y is the output item, reshaped to the output dimensions
//
// The batch is processed as one matrix product, Y = X @ W.T, on gonum
// dense matrices that share the weight buffer. Weights are initialized
// using Xavier/Glorot initialization.
//
// Example:
//
//	fc := nn.NewFullyConnected(tensor.Shape{3}, tensor.Shape{2})
//	out, _ := fc.Eval(x) // x items [3] -> out items [2]
type FullyConnected struct {
	base
	inDims  tensor.Shape
	outDims tensor.Shape
	weight  *Parameter // [out_features, in_features]
}

// NewFullyConnected creates a dense layer mapping items of inDims to items
// of outDims.
func NewFullyConnected(inDims, outDims tensor.Shape) *FullyConnected {
	return NewFullyConnectedRand(inDims, outDims, nil)
}

// NewFullyConnectedRand is NewFullyConnected with an explicit random source
// for reproducible initialization.
func NewFullyConnectedRand(inDims, outDims tensor.Shape, rng *rand.Rand) *FullyConnected {
	in, out := inDims.NumElements(), outDims.NumElements()
	f := &FullyConnected{
		inDims:  inDims.Clone(),
		outDims: outDims.Clone(),
		weight:  NewParameter("weight", tensor.Shape{out, in}),
	}
	f.setup("fully-connected", uuid.Nil)
	Xavier(in, out, f.weight.Data(), rng)
	return f
}

// Weight returns the weight parameter.
func (f *FullyConnected) Weight() *Parameter {
	return f.weight
}

// State returns the weight buffer.
func (f *FullyConnected) State() [][]float64 {
	return stateOf(f.weight)
}

// InDims returns the expected input item shape.
func (f *FullyConnected) InDims() tensor.Shape {
	return f.inDims
}

// OutDims returns the output item shape.
func (f *FullyConnected) OutDims() tensor.Shape {
	return f.outDims
}

// Eval computes W @ x for every item.
func (f *FullyConnected) Eval(inputs ...*autodiff.Result) (*autodiff.Result, error) {
	if err := autodiff.CheckInputs("fully connected", 1, inputs); err != nil {
		return nil, err
	}
	in := inputs[0]
	if got := in.Data().Dimensions(); got.NumElements() != f.inDims.NumElements() {
		return nil, errs.ShapeMismatch("fully connected", f.inDims, got)
	}
	x := f.batchMatrix(in.Data(), f.inDims.NumElements())
	w := mat.NewDense(f.outDims.NumElements(), f.inDims.NumElements(), f.weight.Data())

	var y mat.Dense
	y.Mul(x, w.T())
	data, err := f.place(f.rows(&y, f.outDims))
	if err != nil {
		return nil, err
	}

	frozen := f.Frozen()
	alive := in.IsAlive() || !frozen
	return output(data, alive, func(deltas *autodiff.DeltaSet, delta tensor.List) error {
		g := f.batchMatrix(delta, f.outDims.NumElements())
		if !frozen {
			// dW = G.T @ X
			var dw mat.Dense
			dw.Mul(g.T(), x)
			if err := f.weight.accumulate(deltas, f.ID(), 0, dw.RawMatrix().Data); err != nil {
				return err
			}
		}
		if !in.IsAlive() {
			return nil
		}
		// dX = G @ W
		var dx mat.Dense
		dx.Mul(g, w)
		gl, err := tensor.NewHostList(f.rows(&dx, in.Data().Dimensions())...)
		if err != nil {
			return err
		}
		defer gl.FreeRef()
		return in.Accumulate(deltas, gl)
	}, in), nil
}

// batchMatrix packs the items of l as rows of a [length, width] matrix.
func (f *FullyConnected) batchMatrix(l tensor.List, width int) *mat.Dense {
	buf := make([]float64, 0, l.Length()*width)
	for t := range l.Stream() {
		buf = append(buf, t.Data()...)
		t.FreeRef()
	}
	return mat.NewDense(l.Length(), width, buf)
}

// rows unpacks every matrix row into a tensor of dims.
func (f *FullyConnected) rows(m *mat.Dense, dims tensor.Shape) []*tensor.Tensor {
	r, _ := m.Dims()
	out := make([]*tensor.Tensor, r)
	for i := range out {
		t := tensor.Zeros(dims)
		mat.Row(t.Data(), i, m)
		out[i] = t
	}
	return out
}

type fullyConnectedDoc struct {
	autodiff.Header
	InDims  []int `json:"inDims"`
	OutDims []int `json:"outDims"`
}

// JSON returns the layer document; the weights go into res.
func (f *FullyConnected) JSON(res *autodiff.Resources) (json.RawMessage, error) {
	f.weight.save(res, f.ID(), 0)
	return json.Marshal(fullyConnectedDoc{
		Header:  f.Header(classFullyConnected),
		InDims:  f.inDims,
		OutDims: f.outDims,
	})
}

// Bias adds a learnable vector of the item shape to every item.
//
// Gradients: the bias receives the sum of the incoming gradient over the
// batch; the input receives the gradient unchanged.
type Bias struct {
	base
	dims tensor.Shape
	bias *Parameter
}

// NewBias creates a zero bias for items of dims.
func NewBias(dims tensor.Shape) *Bias {
	b := &Bias{dims: dims.Clone(), bias: NewParameter("bias", dims)}
	b.setup("bias", uuid.Nil)
	return b
}

// Values returns the bias parameter.
func (b *Bias) Values() *Parameter {
	return b.bias
}

// State returns the bias buffer.
func (b *Bias) State() [][]float64 {
	return stateOf(b.bias)
}

// Eval adds the bias to every item.
func (b *Bias) Eval(inputs ...*autodiff.Result) (*autodiff.Result, error) {
	if err := autodiff.CheckInputs("bias", 1, inputs); err != nil {
		return nil, err
	}
	in := inputs[0]
	if got := in.Data().Dimensions(); !got.Equal(b.dims) {
		return nil, errs.ShapeMismatch("bias", b.dims, got)
	}
	items, err := mapItems(in.Data(), func(_ int, t *tensor.Tensor) (*tensor.Tensor, error) {
		out := t.Copy()
		data := out.Data()
		for i, v := range b.bias.Data() {
			data[i] += v
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	data, err := b.place(items)
	if err != nil {
		return nil, err
	}
	frozen := b.Frozen()
	return output(data, in.IsAlive() || !frozen, func(deltas *autodiff.DeltaSet, delta tensor.List) error {
		if !frozen {
			sum := make([]float64, b.dims.NumElements())
			for g := range delta.Stream() {
				for i, v := range g.Data() {
					sum[i] += v
				}
				g.FreeRef()
			}
			if err := b.bias.accumulate(deltas, b.ID(), 0, sum); err != nil {
				return err
			}
		}
		return in.Accumulate(deltas, delta)
	}, in), nil
}

type biasDoc struct {
	autodiff.Header
	Dims []int `json:"dims"`
}

// JSON returns the layer document; the bias goes into res.
func (b *Bias) JSON(res *autodiff.Resources) (json.RawMessage, error) {
	b.bias.save(res, b.ID(), 0)
	return json.Marshal(biasDoc{Header: b.Header(classBias), Dims: b.dims})
}

func (r *Registry) registerLearnable() {
	r.Register(classFullyConnected, func(_ *Registry, doc json.RawMessage, res *autodiff.Resources) (autodiff.Layer, error) {
		var d fullyConnectedDoc
		if err := decodeInto(classFullyConnected, doc, &d); err != nil {
			return nil, err
		}
		in, out := tensor.Shape(d.InDims), tensor.Shape(d.OutDims)
		if err := in.Validate(); err != nil {
			return nil, err
		}
		if err := out.Validate(); err != nil {
			return nil, err
		}
		f := NewFullyConnected(in, out)
		f.ApplyHeader(d.Header)
		if err := f.weight.load(res, f.ID(), 0); err != nil {
			return nil, err
		}
		return f, nil
	})
	r.Register(classBias, func(_ *Registry, doc json.RawMessage, res *autodiff.Resources) (autodiff.Layer, error) {
		var d biasDoc
		if err := decodeInto(classBias, doc, &d); err != nil {
			return nil, err
		}
		dims := tensor.Shape(d.Dims)
		if err := dims.Validate(); err != nil {
			return nil, err
		}
		b := NewBias(dims)
		b.ApplyHeader(d.Header)
		if err := b.bias.load(res, b.ID(), 0); err != nil {
			return nil, err
		}
		return b, nil
	})
}
