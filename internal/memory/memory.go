// Package memory defines the backend-agnostic memory capability used by
// device-resident tensor lists, together with a pure host fallback, a
// pooling allocator with an eviction escalation sequence, and a pool of
// execution contexts.
//
// Every operation takes an explicit ExecContext instead of relying on
// ambient per-thread state; workers obtain a context from a ContextPool at
// the call boundary.
package memory

import "fmt"

// Kind identifies the memory region an allocation lives in.
type Kind int

// Supported memory kinds.
const (
	Host    Kind = iota // Ordinary host heap.
	Device              // Pooled accelerator memory.
	Managed             // Pinned or managed memory visible to host and device.
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case Device:
		return "device"
	case Managed:
		return "managed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Handle references one allocation. Handles are plain values; the backend
// that issued a handle owns the memory behind it.
type Handle struct {
	ID     uint64
	Size   int
	Kind   Kind
	Device int
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.ID == 0
}

// String returns a short description of the handle.
func (h Handle) String() string {
	return fmt.Sprintf("%s#%d[%dB@dev%d]", h.Kind, h.ID, h.Size, h.Device)
}

// ExecContext selects the device and stream an operation runs on.
type ExecContext struct {
	Device int
	Stream int
}

// Backend is the memory capability consumed by tensor lists.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Allocate reserves size bytes of the given kind.
	// Fails with an error wrapping errs.ErrOutOfResources when exhausted.
	Allocate(ec ExecContext, size int, kind Kind) (Handle, error)

	// Write copies src into the allocation. len(src) must not exceed h.Size.
	Write(ec ExecContext, h Handle, src []byte) error

	// Read copies the allocation into dst. len(dst) must not exceed h.Size.
	Read(ec ExecContext, h Handle, dst []byte) error

	// Copy copies min(dst.Size, src.Size) bytes from src to dst.
	Copy(ec ExecContext, dst, src Handle) error

	// Free releases the allocation.
	Free(h Handle) error

	// Device returns the device the allocation is resident on.
	Device(h Handle) int

	// Name returns the backend name.
	Name() string
}

// Evictor is implemented by objects holding re-creatable copies of data in
// backend memory. A pool asks evictors for relief when allocation fails.
type Evictor interface {
	// DropMirror releases host caches that can be regenerated from the
	// device copy. Returns the number of host bytes released.
	DropMirror() int

	// Evict secures a host copy of the data and frees the device
	// allocation. Returns the number of device bytes released (0 when the
	// evictor is busy or holds nothing on the device).
	Evict(ec ExecContext) int
}

// EvictionRegistry is implemented by backends that can evict registered
// objects under memory pressure.
type EvictionRegistry interface {
	Register(e Evictor)
	Unregister(e Evictor)
	// Touch marks e as recently used so it is evicted last.
	Touch(e Evictor)
}
