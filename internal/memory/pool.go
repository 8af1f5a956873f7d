package memory

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"

	"github.com/born-ml/deltagraph/internal/errs"
)

// SizeClass represents different buffer size categories for pooling.
type SizeClass int

const (
	// SmallBuffer for allocations < 4KB.
	SmallBuffer SizeClass = iota
	// MediumBuffer for allocations 4KB-1MB.
	MediumBuffer
	// LargeBuffer for allocations > 1MB.
	LargeBuffer
)

const (
	// Size thresholds for buffer categories.
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	MaxPooled int          // Max recycled buffers kept per size class.
	MaxWaste  float64      // Reuse a buffer only if its size <= request*MaxWaste.
	Logger    *slog.Logger // Escalation and eviction events (debug level).
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxPooled: 100,
		MaxWaste:  2,
		Logger:    slog.Default(),
	}
}

// PoolStats reports pool activity.
type PoolStats struct {
	Allocated   uint64 // Allocations served by the raw backend.
	Released    uint64 // Frees received.
	Hits        uint64 // Allocations served from recycled buffers.
	Misses      uint64 // Allocations that needed the raw backend.
	Reclaimed   uint64 // Recycled buffers returned to the raw backend under pressure.
	GCPasses    uint64 // Forced garbage collections.
	Evictions   uint64 // Evictor calls that freed device memory.
	Failures    uint64 // Allocations that failed after full escalation.
	PooledCount int    // Recycled buffers currently held.
}

// Pool is a pooling allocator over a raw Backend.
//
// Freed buffers are kept per size class and reused by later allocations.
// When the raw backend runs out of memory, Allocate escalates:
//  1. return recycled ("weakly held") buffers to the raw backend and retry;
//  2. drop regenerable host mirrors, force a garbage collection pass so
//     finalizer-reclaimed objects give memory back, and retry;
//  3. ask registered evictors, least recently used first, to move their
//     data off the device, retrying after each successful eviction.
//
// Only then does it fail with errs.ErrOutOfResources. A single mutex
// guards pool state; it is never held while calling evictors.
type Pool struct {
	raw Backend
	cfg PoolConfig

	mu       sync.Mutex
	recycled map[Kind][3][]Handle
	live     map[uint64]struct{} // handles currently held by callers
	evictors []Evictor
	stats    PoolStats
}

// NewPool creates a pool over raw.
func NewPool(raw Backend, cfg PoolConfig) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxPooled <= 0 {
		cfg.MaxPooled = DefaultPoolConfig().MaxPooled
	}
	if cfg.MaxWaste < 1 {
		cfg.MaxWaste = DefaultPoolConfig().MaxWaste
	}
	return &Pool{
		raw:      raw,
		cfg:      cfg,
		recycled: make(map[Kind][3][]Handle),
		live:     make(map[uint64]struct{}),
	}
}

// Name returns the backend name.
func (p *Pool) Name() string {
	return "pool(" + p.raw.Name() + ")"
}

// Raw returns the wrapped backend.
func (p *Pool) Raw() Backend {
	return p.raw
}

// Allocate returns a recycled buffer or a new one, escalating on pressure.
func (p *Pool) Allocate(ec ExecContext, size int, kind Kind) (Handle, error) {
	if size <= 0 {
		return Handle{}, errs.InvalidArgument("pool: allocation size must be > 0, got %d", size)
	}
	h, err := p.attempt(ec, size, kind)
	if err == nil || !errors.Is(err, errs.ErrOutOfResources) {
		return h, err
	}
	log := p.cfg.Logger

	// Step 1: reclaim weakly held buffers.
	if n := p.reclaim(); n > 0 {
		log.Debug("pool: reclaimed recycled buffers", "count", n, "request", size)
		if h, err = p.attempt(ec, size, kind); err == nil {
			return h, nil
		}
	}

	// Step 2: drop regenerable mirrors and force a garbage pass.
	dropped := 0
	for _, e := range p.evictorsSnapshot() {
		dropped += e.DropMirror()
	}
	runtime.GC()
	p.mu.Lock()
	p.stats.GCPasses++
	p.mu.Unlock()
	p.reclaim()
	log.Debug("pool: forced garbage pass", "mirrorBytes", dropped, "request", size)
	if h, err = p.attempt(ec, size, kind); err == nil {
		return h, nil
	}

	// Step 3: evict resident data, oldest first.
	for _, e := range p.evictorsSnapshot() {
		freed := e.Evict(ec)
		if freed == 0 {
			continue
		}
		p.mu.Lock()
		p.stats.Evictions++
		p.mu.Unlock()
		log.Debug("pool: evicted device data", "bytes", freed, "request", size)
		if h, err = p.attempt(ec, size, kind); err == nil {
			return h, nil
		}
		p.reclaim()
		if h, err = p.attempt(ec, size, kind); err == nil {
			return h, nil
		}
	}

	p.mu.Lock()
	p.stats.Failures++
	p.mu.Unlock()
	log.Warn("pool: allocation failed after eviction", "request", size, "kind", kind)
	return Handle{}, errs.OutOfResources("%s: %d bytes of %s memory unavailable after eviction: %v", p.Name(), size, kind, err)
}

// attempt tries the recycled buffers, then the raw backend.
func (p *Pool) attempt(ec ExecContext, size int, kind Kind) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	class := categorize(size)
	lists := p.recycled[kind]
	for i, h := range lists[class] {
		if h.Size >= size && float64(h.Size) <= float64(size)*p.cfg.MaxWaste {
			lists[class] = append(lists[class][:i], lists[class][i+1:]...)
			p.recycled[kind] = lists
			p.live[h.ID] = struct{}{}
			p.stats.Hits++
			return h, nil
		}
	}

	h, err := p.raw.Allocate(ec, size, kind)
	if err != nil {
		return Handle{}, err
	}
	p.live[h.ID] = struct{}{}
	p.stats.Misses++
	p.stats.Allocated++
	return h, nil
}

// Free returns the buffer to its size class, or to the raw backend if the
// class is full. Freeing a handle the pool did not hand out, or one already
// freed, fails with errs.ErrIllegalState.
func (p *Pool) Free(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[h.ID]; !ok {
		return errs.IllegalState("%s: free of unknown or already freed handle %v", p.Name(), h)
	}
	delete(p.live, h.ID)
	p.stats.Released++

	class := categorize(h.Size)
	lists := p.recycled[h.Kind]
	if len(lists[class]) >= p.cfg.MaxPooled {
		return p.raw.Free(h)
	}
	lists[class] = append(lists[class], h)
	p.recycled[h.Kind] = lists
	return nil
}

// Write delegates to the raw backend.
func (p *Pool) Write(ec ExecContext, h Handle, src []byte) error {
	return p.raw.Write(ec, h, src)
}

// Read delegates to the raw backend.
func (p *Pool) Read(ec ExecContext, h Handle, dst []byte) error {
	return p.raw.Read(ec, h, dst)
}

// Copy delegates to the raw backend.
func (p *Pool) Copy(ec ExecContext, dst, src Handle) error {
	return p.raw.Copy(ec, dst, src)
}

// Device delegates to the raw backend.
func (p *Pool) Device(h Handle) int {
	return p.raw.Device(h)
}

// Register adds an evictor as most recently used.
func (p *Pool) Register(e Evictor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictors = append(p.evictors, e)
}

// Unregister removes an evictor.
func (p *Pool) Unregister(e Evictor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(e)
}

// Touch moves e to the most recently used position.
func (p *Pool) Touch(e Evictor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removeLocked(e) {
		p.evictors = append(p.evictors, e)
	}
}

// Clear returns every recycled buffer to the raw backend.
// Should be called when the pool is no longer needed.
func (p *Pool) Clear() {
	p.reclaim()
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	for _, lists := range p.recycled {
		for _, l := range lists {
			s.PooledCount += len(l)
		}
	}
	return s
}

func (p *Pool) removeLocked(e Evictor) bool {
	for i, x := range p.evictors {
		if x == e {
			p.evictors = append(p.evictors[:i], p.evictors[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) evictorsSnapshot() []Evictor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Evictor(nil), p.evictors...)
}

// reclaim frees all recycled buffers and returns how many were freed.
func (p *Pool) reclaim() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for kind, lists := range p.recycled {
		for c := range lists {
			for _, h := range lists[c] {
				if err := p.raw.Free(h); err != nil {
					p.cfg.Logger.Warn("pool: failed to release recycled buffer", "handle", h, "error", err)
					continue
				}
				n++
			}
			lists[c] = nil
		}
		p.recycled[kind] = lists
	}
	p.stats.Reclaimed += uint64(n)
	return n
}

// categorize determines the size class for a buffer.
func categorize(size int) SizeClass {
	if size < smallThreshold {
		return SmallBuffer
	}
	if size < mediumThreshold {
		return MediumBuffer
	}
	return LargeBuffer
}
