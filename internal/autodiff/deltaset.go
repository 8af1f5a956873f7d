package autodiff

import (
	"bytes"
	"math"
	"slices"
	"sync"

	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/google/uuid"
)

// Key identifies one learnable buffer: the owning layer and the index of
// the buffer in the layer's State. Live inputs use the item index as slot.
type Key struct {
	Layer uuid.UUID
	Slot  int
}

func (k Key) compare(o Key) int {
	if c := bytes.Compare(k.Layer[:], o.Layer[:]); c != 0 {
		return c
	}
	return k.Slot - o.Slot
}

// Delta is the gradient accumulator for one target buffer.
//
// The target is the live parameter slice owned by the layer; the delta has
// the same length and starts at zero.
type Delta struct {
	mu     sync.Mutex
	key    Key
	target []float64
	delta  []float64
}

func newDelta(key Key, target []float64) *Delta {
	return &Delta{key: key, target: target, delta: make([]float64, len(target))}
}

// Key returns the owner identity.
func (d *Delta) Key() Key {
	return d.key
}

// Target returns the parameter buffer the gradient applies to.
func (d *Delta) Target() []float64 {
	return d.target
}

// Values returns a copy of the accumulated gradient.
func (d *Delta) Values() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.delta)
}

// AddInPlace adds values elementwise. The length must match the target.
func (d *Delta) AddInPlace(values []float64) error {
	if len(values) != len(d.delta) {
		return errs.InvalidArgument("delta %v: length mismatch %d vs %d", d.key, len(d.delta), len(values))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range values {
		d.delta[i] += v
	}
	return nil
}

// Scale multiplies the accumulated gradient by f.
func (d *Delta) Scale(f float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.delta {
		d.delta[i] *= f
	}
}

// Apply updates the target in place: target += step * delta.
// Optimizers pass a negative step to descend.
func (d *Delta) Apply(step float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range d.delta {
		d.target[i] += step * v
	}
}

func (d *Delta) sumSq() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := 0.0
	for _, v := range d.delta {
		s += v * v
	}
	return s
}

func (d *Delta) clone() *Delta {
	return &Delta{key: d.key, target: d.target, delta: d.Values()}
}

// DeltaSet is the output of a backward pass: one Delta per learnable buffer
// that received gradient. It is safe for concurrent use.
//
// Example:
//
//	deltas := autodiff.NewDeltaSet()
//	if err := out.Accumulate(deltas, ones); err != nil {
//	    return err
//	}
//	for _, k := range deltas.Keys() {
//	    d, _ := deltas.Lookup(k)
//	    d.Apply(-0.01)
//	}
type DeltaSet struct {
	mu     sync.RWMutex
	deltas map[Key]*Delta
}

// NewDeltaSet creates an empty set.
func NewDeltaSet() *DeltaSet {
	return &DeltaSet{deltas: make(map[Key]*Delta)}
}

// Get returns the delta for key, creating a zero delta sized to target on
// first use.
func (s *DeltaSet) Get(key Key, target []float64) *Delta {
	s.mu.RLock()
	d, ok := s.deltas[key]
	s.mu.RUnlock()
	if ok {
		return d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok = s.deltas[key]; ok {
		return d
	}
	d = newDelta(key, target)
	s.deltas[key] = d
	return d
}

// Lookup returns the delta for key if present.
func (s *DeltaSet) Lookup(key Key) (*Delta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deltas[key]
	return d, ok
}

// Merge adds other into s. Overlapping keys are summed; keys present in
// only one set pass through.
func (s *DeltaSet) Merge(other *DeltaSet) error {
	for _, d := range other.snapshot() {
		mine := s.Get(d.key, d.target)
		if len(mine.target) != len(d.target) {
			return errs.InvalidArgument("delta %v: target length mismatch %d vs %d", d.key, len(mine.target), len(d.target))
		}
		if err := mine.AddInPlace(d.Values()); err != nil {
			return err
		}
	}
	return nil
}

// Add returns a new set holding the sum of s and other.
func (s *DeltaSet) Add(other *DeltaSet) (*DeltaSet, error) {
	out := s.Copy()
	if err := out.Merge(other); err != nil {
		return nil, err
	}
	return out, nil
}

// Scale returns a new set with every delta multiplied by f.
func (s *DeltaSet) Scale(f float64) *DeltaSet {
	out := s.Copy()
	for _, d := range out.deltas {
		d.Scale(f)
	}
	return out
}

// Copy returns a deep copy of the accumulated values. Targets are shared.
func (s *DeltaSet) Copy() *DeltaSet {
	out := NewDeltaSet()
	for _, d := range s.snapshot() {
		out.deltas[d.key] = d.clone()
	}
	return out
}

// Keys returns all keys ordered by layer then slot.
func (s *DeltaSet) Keys() []Key {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.deltas))
	for k := range s.deltas {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	slices.SortFunc(keys, Key.compare)
	return keys
}

// Layers returns the distinct owners, ordered.
func (s *DeltaSet) Layers() []uuid.UUID {
	var out []uuid.UUID
	for _, k := range s.Keys() {
		if len(out) == 0 || out[len(out)-1] != k.Layer {
			out = append(out, k.Layer)
		}
	}
	return out
}

// Has reports whether any delta belongs to layer.
func (s *DeltaSet) Has(layer uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.deltas {
		if k.Layer == layer {
			return true
		}
	}
	return false
}

// Len returns the number of deltas.
func (s *DeltaSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deltas)
}

// Magnitude returns the L2 norm over all deltas.
func (s *DeltaSet) Magnitude() float64 {
	sum := 0.0
	for _, d := range s.snapshot() {
		sum += d.sumSq()
	}
	return math.Sqrt(sum)
}

func (s *DeltaSet) snapshot() []*Delta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Delta, 0, len(s.deltas))
	for _, d := range s.deltas {
		out = append(out, d)
	}
	return out
}
