package memory

import (
	"sync"

	"github.com/born-ml/deltagraph/internal/errs"
)

// HostBackend serves every memory kind from the Go heap.
//
// It is the first-class fallback when no accelerator is present. An optional
// capacity limit makes it behave like a constrained device, which is how
// eviction paths are exercised without hardware.
type HostBackend struct {
	mu       sync.Mutex
	buffers  map[uint64][]byte
	nextID   uint64
	capacity int // 0 = unlimited
	used     int
	peak     int
	device   int
}

// NewHostBackend creates an unlimited host backend.
func NewHostBackend() *HostBackend {
	return NewLimitedHostBackend(0)
}

// NewLimitedHostBackend creates a host backend that refuses allocations
// beyond capacity bytes.
func NewLimitedHostBackend(capacity int) *HostBackend {
	return &HostBackend{
		buffers:  make(map[uint64][]byte),
		capacity: capacity,
	}
}

// Name returns the backend name.
func (b *HostBackend) Name() string {
	return "host"
}

// Allocate reserves a zeroed buffer.
func (b *HostBackend) Allocate(_ ExecContext, size int, kind Kind) (Handle, error) {
	if size <= 0 {
		return Handle{}, errs.InvalidArgument("allocate: size must be > 0, got %d", size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capacity > 0 && b.used+size > b.capacity {
		return Handle{}, errs.OutOfResources("host: cannot allocate %d bytes (%d of %d in use)", size, b.used, b.capacity)
	}
	b.nextID++
	b.buffers[b.nextID] = make([]byte, size)
	b.used += size
	b.peak = max(b.peak, b.used)
	return Handle{ID: b.nextID, Size: size, Kind: kind, Device: b.device}, nil
}

// Write copies src into the allocation.
func (b *HostBackend) Write(_ ExecContext, h Handle, src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, err := b.lookup(h, len(src))
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

// Read copies the allocation into dst.
func (b *HostBackend) Read(_ ExecContext, h Handle, dst []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, err := b.lookup(h, len(dst))
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

// Copy copies between two allocations.
func (b *HostBackend) Copy(_ ExecContext, dst, src Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := min(dst.Size, src.Size)
	d, err := b.lookup(dst, n)
	if err != nil {
		return err
	}
	s, err := b.lookup(src, n)
	if err != nil {
		return err
	}
	copy(d[:n], s[:n])
	return nil
}

// Free releases the allocation.
func (b *HostBackend) Free(h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[h.ID]
	if !ok {
		return errs.IllegalState("host: free of unknown handle %v", h)
	}
	delete(b.buffers, h.ID)
	b.used -= len(buf)
	return nil
}

// Device returns the device index (always the host device).
func (b *HostBackend) Device(Handle) int {
	return b.device
}

// Used returns the number of bytes currently allocated.
func (b *HostBackend) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Peak returns the high-water mark of allocated bytes.
func (b *HostBackend) Peak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

// Capacity returns the configured limit (0 = unlimited).
func (b *HostBackend) Capacity() int {
	return b.capacity
}

func (b *HostBackend) lookup(h Handle, n int) ([]byte, error) {
	buf, ok := b.buffers[h.ID]
	if !ok {
		return nil, errs.IllegalState("host: unknown handle %v", h)
	}
	if n > len(buf) {
		return nil, errs.InvalidArgument("host: %d bytes exceed allocation of %d", n, len(buf))
	}
	return buf, nil
}
