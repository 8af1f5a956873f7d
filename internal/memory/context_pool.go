package memory

import (
	"context"

	"github.com/born-ml/deltagraph/internal/errs"
)

// ContextPool hands execution contexts to workers explicitly.
//
// Each context is owned by one worker between Acquire and Release, which
// replaces per-thread handle caches: whoever holds an ExecContext may issue
// backend operations on its stream without further locking.
type ContextPool struct {
	available chan ExecContext
	size      int
}

// NewContextPool creates streamsPerDevice contexts for each device.
func NewContextPool(devices, streamsPerDevice int) (*ContextPool, error) {
	if devices <= 0 || streamsPerDevice <= 0 {
		return nil, errs.InvalidArgument("context pool: devices and streams must be positive, got %d and %d", devices, streamsPerDevice)
	}
	n := devices * streamsPerDevice
	p := &ContextPool{
		available: make(chan ExecContext, n),
		size:      n,
	}
	for s := 0; s < streamsPerDevice; s++ {
		for d := 0; d < devices; d++ {
			p.available <- ExecContext{Device: d, Stream: s}
		}
	}
	return p, nil
}

// Acquire blocks until a context is available or ctx is done.
func (p *ContextPool) Acquire(ctx context.Context) (ExecContext, error) {
	select {
	case ec := <-p.available:
		return ec, nil
	case <-ctx.Done():
		return ExecContext{}, ctx.Err()
	}
}

// Release returns a context to the pool.
func (p *ContextPool) Release(ec ExecContext) {
	select {
	case p.available <- ec:
	default:
		panic("memory: context pool released more contexts than it owns")
	}
}

// With runs f with an acquired context and releases it afterwards.
func (p *ContextPool) With(ctx context.Context, f func(ExecContext) error) error {
	ec, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(ec)
	return f(ec)
}

// Size returns the total number of contexts.
func (p *ContextPool) Size() int {
	return p.size
}

// Available returns how many contexts are idle.
func (p *ContextPool) Available() int {
	return len(p.available)
}
