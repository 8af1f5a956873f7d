// Package refcount implements manual, atomic reference counting for objects
// that own large numeric buffers (tensors, tensor lists, results).
//
// Every counted object embeds Counted by value and calls Init from its
// constructor. The creator holds the first reference; every additional
// holder calls AddRef; every holder calls FreeRef exactly once. The teardown
// callback runs exactly once, when the count reaches zero.
//
// Lifecycle violations (double free, use after free, AddRef after teardown)
// are programming defects and panic with *errs.LifecycleError.
//
// Example:
//
//	type Buffer struct {
//	    refcount.Counted
//	    data []float64
//	}
//
//	func NewBuffer(n int) *Buffer {
//	    b := &Buffer{data: make([]float64, n)}
//	    b.Init(b, func() { b.data = nil })
//	    return b
//	}
package refcount

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/born-ml/deltagraph/internal/errs"
)

// Releasable is implemented by every counted object.
type Releasable interface {
	AddRef()
	FreeRef()
	AssertAlive()
}

// Holder exposes the embedded Counted; promoted automatically by embedding.
type Holder interface {
	Counter() *Counted
}

// Counted is the embeddable reference counting base.
type Counted struct {
	refs      atomic.Int64
	finalized atomic.Bool
	teardown  func()
	desc      string
	hist      *history // nil unless debug mode was on at Init
}

// Init sets the count to one and registers the teardown callback.
// owner is the object embedding this Counted; it is used for the object
// description and, in debug mode, for leak tracking.
func (c *Counted) Init(owner any, teardown func()) {
	c.refs.Store(1)
	c.teardown = teardown
	c.desc = fmt.Sprintf("%T", owner)
	if cfg := current(); cfg.Debug {
		c.hist = newHistory()
		c.hist.record("Init")
		track(owner)
	}
}

// Counter returns c. It lets the leak registry reach the counter of an owner.
func (c *Counted) Counter() *Counted {
	return c
}

// AddRef registers a new holder.
func (c *Counted) AddRef() {
	for {
		if c.finalized.Load() {
			errs.Lifecycle("AddRef", c.desc, "object already finalized", c.History())
		}
		n := c.refs.Load()
		if n <= 0 {
			errs.Lifecycle("AddRef", c.desc, fmt.Sprintf("reference count is %d", n), c.History())
		}
		if c.refs.CompareAndSwap(n, n+1) {
			break
		}
	}
	if c.hist != nil {
		c.hist.record("AddRef")
	}
}

// FreeRef releases one reference. Teardown runs when the count reaches zero.
// A release below zero is a double free: it panics in strict mode and is
// logged and ignored otherwise. Teardown never runs twice.
func (c *Counted) FreeRef() {
	if c.hist != nil {
		c.hist.record("FreeRef")
	}
	n := c.refs.Add(-1)
	switch {
	case n == 0:
		if c.finalized.CompareAndSwap(false, true) {
			if c.teardown != nil {
				c.teardown()
			}
			released.Add(1)
		}
	case n < 0:
		c.refs.Add(1)
		if current().Strict {
			errs.Lifecycle("FreeRef", c.desc, "double free", c.History())
		}
		current().Logger.Warn("refcount: ignored double free", "object", c.desc)
	}
}

// AssertAlive panics if the object has been torn down.
func (c *Counted) AssertAlive() {
	if c.finalized.Load() {
		errs.Lifecycle("AssertAlive", c.desc, "use after free", c.History())
	}
}

// RefCount returns the current count. Diagnostics only.
func (c *Counted) RefCount() int64 {
	return c.refs.Load()
}

// IsFinalized reports whether teardown has run.
func (c *Counted) IsFinalized() bool {
	return c.finalized.Load()
}

// History returns the recorded call sites, or nil outside debug mode.
func (c *Counted) History() []string {
	if c.hist == nil {
		return nil
	}
	return c.hist.snapshot()
}

// FreeAll releases every non-nil element.
func FreeAll[T Releasable](items ...T) {
	for _, it := range items {
		if any(it) != nil {
			it.FreeRef()
		}
	}
}

// AddRefAll adds a reference to every non-nil element.
func AddRefAll[T Releasable](items ...T) {
	for _, it := range items {
		if any(it) != nil {
			it.AddRef()
		}
	}
}

var released atomic.Int64

// Released returns how many objects have been torn down since process start.
func Released() int64 {
	return released.Load()
}

// maxHistory bounds the recorded sites per object.
const maxHistory = 64

type history struct {
	mu      sync.Mutex
	entries []error
	dropped int
}

func newHistory() *history {
	return &history{entries: make([]error, 0, 4)}
}
