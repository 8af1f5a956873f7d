package nn

import (
	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/google/uuid"
)

// Parameter represents a learnable buffer of a layer.
//
// The data slice is the buffer DeltaSet targets point at: optimizers update
// it in place between evaluations.
//
// Example:
//
//	weight := nn.NewParameter("weight", tensor.Shape{4, 3})
//	weight.Data()[0] = 0.5
type Parameter struct {
	name  string
	shape tensor.Shape
	data  []float64
}

// NewParameter creates a zero-initialized parameter.
func NewParameter(name string, shape tensor.Shape) *Parameter {
	if err := shape.Validate(); err != nil {
		panic(err)
	}
	return &Parameter{
		name:  name,
		shape: shape.Clone(),
		data:  make([]float64, shape.NumElements()),
	}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Shape returns the parameter shape.
func (p *Parameter) Shape() tensor.Shape {
	return p.shape
}

// Data returns the live buffer.
func (p *Parameter) Data() []float64 {
	return p.data
}

// Set copies values into the buffer.
func (p *Parameter) Set(values []float64) error {
	if len(values) != len(p.data) {
		return errs.InvalidArgument("parameter %s: expected %d values, got %d", p.name, len(p.data), len(values))
	}
	copy(p.data, values)
	return nil
}

// accumulate adds grad into the delta for this parameter.
func (p *Parameter) accumulate(deltas *autodiff.DeltaSet, owner uuid.UUID, slot int, grad []float64) error {
	return deltas.Get(autodiff.Key{Layer: owner, Slot: slot}, p.data).AddInPlace(grad)
}

// save stores the buffer in res.
func (p *Parameter) save(res *autodiff.Resources, owner uuid.UUID, slot int) {
	res.PutFloats(autodiff.BlobName(owner, slot), p.data)
}

// load restores the buffer from res.
func (p *Parameter) load(res *autodiff.Resources, owner uuid.UUID, slot int) error {
	values, err := res.Floats(autodiff.BlobName(owner, slot))
	if err != nil {
		return err
	}
	return p.Set(values)
}

func stateOf(params ...*Parameter) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = p.data
	}
	return out
}
