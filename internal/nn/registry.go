package nn

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/pkg/errors"
)

// Decoder restores a layer from its document. r resolves nested layers.
type Decoder func(r *Registry, doc json.RawMessage, res *autodiff.Resources) (autodiff.Layer, error)

// Registry maps layer class names to decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry creates a registry with every layer of this package.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]Decoder)}
	r.registerReducers()
	r.registerCombiners()
	r.registerLearnable()
	r.registerActivations()
	r.Register(classMonitoring, decodeMonitoring)
	return r
}

// DefaultRegistry is used by FromJSON. Packages defining further layer
// classes register them here.
var DefaultRegistry = NewRegistry()

// Register adds or replaces the decoder for class.
func (r *Registry) Register(class string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[class] = d
}

// Get returns the decoder for class.
func (r *Registry) Get(class string) (Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[class]
	return d, ok
}

// Classes returns the registered class names, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for c := range r.decoders {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Decode reads the class from doc and runs its decoder.
func (r *Registry) Decode(doc json.RawMessage, res *autodiff.Resources) (autodiff.Layer, error) {
	var h autodiff.Header
	if err := json.Unmarshal(doc, &h); err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidArgument, "layer document: %v", err)
	}
	d, ok := r.Get(h.Class)
	if !ok {
		return nil, errs.InvalidArgument("unsupported layer class: %q", h.Class)
	}
	return d(r, doc, res)
}

// FromJSON decodes a layer with the default registry.
func FromJSON(doc json.RawMessage, res *autodiff.Resources) (autodiff.Layer, error) {
	return DefaultRegistry.Decode(doc, res)
}

// decodeInto unmarshals doc into v, tagging failures as invalid arguments.
func decodeInto(class string, doc json.RawMessage, v any) error {
	if err := json.Unmarshal(doc, v); err != nil {
		return errors.Wrapf(errs.ErrInvalidArgument, "%s document: %v", class, err)
	}
	return nil
}
