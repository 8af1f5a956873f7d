package autodiff

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/google/uuid"
)

// Layer is a differentiable operator.
//
// Eval borrows its inputs: the caller keeps its references. A layer that
// needs an input during the backward pass retains it (see Retain) and
// releases it from the output's onFree. The output is alive iff any input
// is alive or the layer has unfrozen state.
//
// The output's accumulate function must:
//   - add the gradient of each state buffer into the DeltaSet under
//     Key{layer.ID(), slot}, unless the layer is frozen;
//   - call Accumulate on every alive input with the gradient for that input.
type Layer interface {
	// ID returns the stable identity that keys this layer's deltas.
	ID() uuid.UUID
	// Name returns a human-readable name.
	Name() string
	// Eval computes the forward value and the backward closure.
	Eval(inputs ...*Result) (*Result, error)
	// State returns the learnable buffers. Empty for stateless layers.
	State() [][]float64
	// Frozen reports whether state gradients are suppressed.
	Frozen() bool
	// SetFrozen freezes or unfreezes the state.
	SetFrozen(frozen bool)
	// JSON serializes the layer. Weight blobs go into res.
	JSON(res *Resources) (json.RawMessage, error)
}

// Resources holds the binary weight blobs referenced from layer JSON.
type Resources struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewResources creates an empty resource store.
func NewResources() *Resources {
	return &Resources{blobs: make(map[string][]byte)}
}

// PutFloats stores values under name as little-endian float64.
func (r *Resources) PutFloats(name string, values []float64) {
	buf := make([]byte, len(values)*tensor.Float64.Size())
	tensor.Float64.Encode(buf, values)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[name] = buf
}

// Floats decodes the blob stored under name.
func (r *Resources) Floats(name string) ([]float64, error) {
	r.mu.Lock()
	buf, ok := r.blobs[name]
	r.mu.Unlock()
	if !ok {
		return nil, errs.InvalidArgument("resources: missing blob %q", name)
	}
	size := tensor.Float64.Size()
	if len(buf)%size != 0 {
		return nil, errs.InvalidArgument("resources: blob %q has %d bytes, not a multiple of %d", name, len(buf), size)
	}
	out := make([]float64, len(buf)/size)
	tensor.Float64.Decode(out, buf)
	return out, nil
}

// Names returns the stored blob names, sorted.
func (r *Resources) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.blobs))
	for n := range r.blobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BlobName returns the resource name of a layer's state buffer.
func BlobName(id uuid.UUID, slot int) string {
	return fmt.Sprintf("%s.%d", id, slot)
}

// Header is the common part of every layer document.
type Header struct {
	Class  string    `json:"class"`
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name,omitempty"`
	Frozen bool      `json:"frozen,omitempty"`
}

// BaseLayer implements the identity and frozen bookkeeping of Layer.
// Embed it and call InitBase from the constructor.
type BaseLayer struct {
	id     uuid.UUID
	name   string
	frozen atomic.Bool
}

// InitBase sets the identity. A nil id gets a fresh one.
func (b *BaseLayer) InitBase(name string, id uuid.UUID) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	b.id = id
	b.name = name
}

// ID returns the layer identity.
func (b *BaseLayer) ID() uuid.UUID {
	return b.id
}

// Name returns the layer name.
func (b *BaseLayer) Name() string {
	return b.name
}

// Frozen reports whether state gradients are suppressed.
func (b *BaseLayer) Frozen() bool {
	return b.frozen.Load()
}

// SetFrozen sets the frozen flag.
func (b *BaseLayer) SetFrozen(frozen bool) {
	b.frozen.Store(frozen)
}

// State returns no buffers. Layers with parameters override it.
func (b *BaseLayer) State() [][]float64 {
	return nil
}

// Header returns the document header for class.
func (b *BaseLayer) Header(class string) Header {
	return Header{Class: class, ID: b.id, Name: b.name, Frozen: b.Frozen()}
}

// ApplyHeader restores identity and frozen flag from a decoded header.
func (b *BaseLayer) ApplyHeader(h Header) {
	b.InitBase(h.Name, h.ID)
	b.SetFrozen(h.Frozen)
}

// CheckInputs validates the inputs of a layer evaluation: the count must be
// n (or at least one when n < 0), every input must be alive in the refcount
// sense and non-empty, and all inputs must share length and item shape.
// Freed inputs panic with a lifecycle error.
func CheckInputs(layer string, n int, inputs []*Result) error {
	switch {
	case n >= 0 && len(inputs) != n:
		return errs.InvalidArgument("%s: expected %d inputs, got %d", layer, n, len(inputs))
	case len(inputs) == 0:
		return errs.InvalidArgument("%s: no inputs", layer)
	}
	first := inputs[0].Data()
	if first.Length() == 0 {
		return errs.InvalidArgument("%s: zero-length batch", layer)
	}
	for _, in := range inputs[1:] {
		if err := tensor.CheckCompatible(layer, first, in.Data()); err != nil {
			return err
		}
	}
	return nil
}
