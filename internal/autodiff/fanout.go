package autodiff

import (
	"sync"

	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/tensor"
)

// Fanout shares one result between n consumers.
//
// Each consumer receives its own handle. A handle can be accumulated once,
// like any Result; the fan-out sums the incoming gradients and forwards the
// total to the shared result exactly once, when the last handle reported.
// Consumers that never report (pruned branches) are covered by Flush.
//
// The fan-out holds a reference to the shared result until every handle
// has been freed.
type Fanout struct {
	inner   *Result
	handles []*Result

	mu        sync.Mutex
	expected  int
	arrived   int
	sum       tensor.List
	deltas    *DeltaSet
	forwarded bool
	live      int
}

// NewFanout creates n handles onto inner. inner is borrowed; the fan-out
// adds its own reference. Each handle is owned by the consumer it is given
// to.
func NewFanout(inner *Result, n int) *Fanout {
	if n <= 0 {
		panic("autodiff: fan-out needs at least one consumer")
	}
	inner.AddRef()
	f := &Fanout{inner: inner, expected: n, live: n}
	f.handles = make([]*Result, n)
	for i := range f.handles {
		data := inner.Data()
		data.AddRef()
		var acc AccumulateFunc
		if inner.IsAlive() {
			acc = f.contribute
		}
		h := NewResult(data, acc, inner.IsAlive(), f.handleFreed)
		h.underlying = inner
		f.handles[i] = h
	}
	return f
}

// Handle returns the i-th consumer handle.
func (f *Fanout) Handle(i int) *Result {
	return f.handles[i]
}

// Len returns the number of handles.
func (f *Fanout) Len() int {
	return len(f.handles)
}

// Inner returns the shared result.
func (f *Fanout) Inner() *Result {
	return f.inner
}

// Pending returns how many handles have not reported a gradient.
func (f *Fanout) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expected - f.arrived
}

func (f *Fanout) contribute(deltas *DeltaSet, delta tensor.List) error {
	f.mu.Lock()
	if f.forwarded {
		f.mu.Unlock()
		errs.Lifecycle("Accumulate", "Fanout", "gradient arrived after the total was forwarded", f.inner.History())
	}
	if f.deltas != nil && f.deltas != deltas {
		f.mu.Unlock()
		return errs.IllegalState("fan-out: contributions target different delta sets")
	}
	f.deltas = deltas
	if f.sum == nil {
		f.sum = delta.Copy()
	} else {
		next, err := f.sum.Add(delta)
		if err != nil {
			f.mu.Unlock()
			return err
		}
		f.sum.FreeRef()
		f.sum = next
	}
	f.arrived++
	if f.arrived < f.expected {
		f.mu.Unlock()
		return nil
	}
	return f.forwardLocked()
}

// Flush forwards the gradients received so far when some consumers will
// never report. It is a no-op if nothing arrived or the total was already
// forwarded.
func (f *Fanout) Flush() error {
	f.mu.Lock()
	if f.forwarded || f.sum == nil {
		f.mu.Unlock()
		return nil
	}
	return f.forwardLocked()
}

// forwardLocked releases f.mu before calling upstream.
func (f *Fanout) forwardLocked() error {
	f.forwarded = true
	sum, deltas := f.sum, f.deltas
	f.sum = nil
	f.mu.Unlock()
	defer sum.FreeRef()
	return f.inner.Accumulate(deltas, sum)
}

func (f *Fanout) handleFreed() {
	f.mu.Lock()
	f.live--
	last := f.live == 0
	var sum tensor.List
	if last {
		sum, f.sum = f.sum, nil
	}
	f.mu.Unlock()
	if !last {
		return
	}
	if sum != nil {
		sum.FreeRef()
	}
	f.inner.FreeRef()
}
