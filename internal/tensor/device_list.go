package tensor

import (
	"iter"
	"sync"

	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/memory"
	"github.com/born-ml/deltagraph/internal/refcount"
)

// DeviceList is a List whose data lives in backend memory.
//
// Host access is lazy: the first Get or Stream copies the whole batch back
// into a host mirror that is cached until the list is freed. The list moves
// between two representations under memory pressure:
//   - EvictDevice (or a pool eviction) secures the mirror and frees the
//     device allocation; the next Handle call rehydrates it.
//   - DropMirror releases the mirror while the device copy still exists;
//     the next Get regenerates it.
//
// Releasing the mirror when it is the only copy is a lifecycle defect and
// panics rather than silently losing data.
type DeviceList struct {
	refcount.Counted

	backend   memory.Backend
	ec        memory.ExecContext
	precision Precision
	dims      Shape
	length    int
	bytes     int

	mu       sync.Mutex
	handle   memory.Handle
	resident bool      // handle holds the current data
	mirror   *HostList // lazily materialized host copy

	transfers int // device-to-host copies, for diagnostics
}

// NewDeviceList allocates an uninitialized (zero) list of length items of
// shape dims in backend memory.
func NewDeviceList(b memory.Backend, ec memory.ExecContext, p Precision, dims Shape, length int) (*DeviceList, error) {
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, errs.InvalidArgument("device list: length must be > 0, got %d", length)
	}
	size := length * dims.NumElements() * p.Size()
	h, err := b.Allocate(ec, size, memory.Device)
	if err != nil {
		return nil, err
	}
	// Recycled buffers may hold stale data.
	if err := b.Write(ec, h, make([]byte, size)); err != nil {
		_ = b.Free(h)
		return nil, err
	}
	l := &DeviceList{
		backend:   b,
		ec:        ec,
		precision: p,
		dims:      dims.Clone(),
		length:    length,
		bytes:     size,
		handle:    h,
		resident:  true,
	}
	l.Init(l, l.teardown)
	if reg, ok := b.(memory.EvictionRegistry); ok {
		reg.Register(l)
	}
	return l, nil
}

// UploadList copies src into a new device list. src is borrowed.
func UploadList(b memory.Backend, ec memory.ExecContext, p Precision, src List) (*DeviceList, error) {
	src.AssertAlive()
	if src.Length() == 0 {
		return nil, errs.InvalidArgument("device list: cannot upload an empty list")
	}
	l, err := NewDeviceList(b, ec, p, src.Dimensions(), src.Length())
	if err != nil {
		return nil, err
	}
	buf := make([]byte, l.bytes)
	stride := l.dims.NumElements() * p.Size()
	for i := 0; i < src.Length(); i++ {
		t := src.Get(i)
		p.Encode(buf[i*stride:], t.Data())
		t.FreeRef()
	}
	if err := b.Write(ec, l.handle, buf); err != nil {
		l.FreeRef()
		return nil, err
	}
	return l, nil
}

// Length returns the number of items.
func (l *DeviceList) Length() int {
	return l.length
}

// Dimensions returns the per-item shape.
func (l *DeviceList) Dimensions() Shape {
	return l.dims
}

// Precision returns the device storage precision.
func (l *DeviceList) Precision() Precision {
	return l.precision
}

// Get returns item i from the host mirror, materializing it if needed.
func (l *DeviceList) Get(i int) *Tensor {
	l.AssertAlive()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureMirrorLocked()
	return l.mirror.Get(i)
}

// Stream yields each item from the host mirror.
func (l *DeviceList) Stream() iter.Seq[*Tensor] {
	return stream(l)
}

// Add returns the elementwise sum as a host list.
func (l *DeviceList) Add(other List) (List, error) {
	return combine("add", l, other, (*Tensor).Add)
}

// Minus returns the elementwise difference as a host list.
func (l *DeviceList) Minus(other List) (List, error) {
	return combine("minus", l, other, (*Tensor).Minus)
}

// Copy returns a deep host copy.
func (l *DeviceList) Copy() List {
	return copyList(l)
}

// Handle returns the device allocation, rehydrating it from the host mirror
// if it was evicted.
func (l *DeviceList) Handle() (memory.Handle, error) {
	l.AssertAlive()
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.resident {
		if err := l.rehydrateLocked(); err != nil {
			return memory.Handle{}, err
		}
	}
	if reg, ok := l.backend.(memory.EvictionRegistry); ok {
		reg.Touch(l)
	}
	return l.handle, nil
}

// IsResident reports whether the device copy is current.
func (l *DeviceList) IsResident() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resident
}

// HasMirror reports whether the host mirror is materialized.
func (l *DeviceList) HasMirror() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mirror != nil
}

// Transfers returns how many device-to-host copies were performed.
func (l *DeviceList) Transfers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfers
}

// EvictDevice moves the data to the host mirror and frees the device
// allocation. Returns the number of device bytes released.
func (l *DeviceList) EvictDevice() (int, error) {
	l.AssertAlive()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictLocked()
}

// EvictHost drops the host mirror. The device copy must still exist:
// dropping the sole copy of the data panics with a lifecycle error.
func (l *DeviceList) EvictHost() {
	l.AssertAlive()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mirror == nil {
		return
	}
	if !l.resident {
		errs.Lifecycle("EvictHost", "DeviceList", "host mirror is the only copy of the data", l.History())
	}
	l.mirror.FreeRef()
	l.mirror = nil
}

// DropMirror implements memory.Evictor. It never drops a sole copy and
// skips lists that are busy.
func (l *DeviceList) DropMirror() int {
	if !l.mu.TryLock() {
		return 0
	}
	defer l.mu.Unlock()
	if l.IsFinalized() || l.mirror == nil || !l.resident {
		return 0
	}
	l.mirror.FreeRef()
	l.mirror = nil
	return l.length * l.dims.NumElements() * 8
}

// Evict implements memory.Evictor. Busy lists are skipped.
func (l *DeviceList) Evict(memory.ExecContext) int {
	if !l.mu.TryLock() {
		return 0
	}
	defer l.mu.Unlock()
	if l.IsFinalized() {
		return 0
	}
	n, err := l.evictLocked()
	if err != nil {
		return 0
	}
	return n
}

func (l *DeviceList) evictLocked() (int, error) {
	if !l.resident {
		return 0, nil
	}
	if l.mirror == nil {
		if err := l.downloadLocked(); err != nil {
			return 0, err
		}
	}
	if err := l.backend.Free(l.handle); err != nil {
		return 0, err
	}
	l.handle = memory.Handle{}
	l.resident = false
	return l.bytes, nil
}

// ensureMirrorLocked downloads the host mirror on first use.
func (l *DeviceList) ensureMirrorLocked() {
	if l.mirror != nil {
		return
	}
	if !l.resident {
		errs.Lifecycle("Get", "DeviceList", "device memory was reclaimed and no host copy exists", l.History())
	}
	if err := l.downloadLocked(); err != nil {
		panic(err)
	}
}

func (l *DeviceList) downloadLocked() error {
	buf := make([]byte, l.bytes)
	if err := l.backend.Read(l.ec, l.handle, buf); err != nil {
		return err
	}
	n := l.dims.NumElements()
	stride := n * l.precision.Size()
	items := make([]*Tensor, l.length)
	for i := range items {
		t := Zeros(l.dims)
		l.precision.Decode(t.data, buf[i*stride:])
		items[i] = t
	}
	l.mirror = MustHostList(items...)
	l.transfers++
	return nil
}

func (l *DeviceList) rehydrateLocked() error {
	if l.mirror == nil {
		errs.Lifecycle("Handle", "DeviceList", "no device or host copy of the data", l.History())
	}
	h, err := l.backend.Allocate(l.ec, l.bytes, memory.Device)
	if err != nil {
		return err
	}
	buf := make([]byte, l.bytes)
	stride := l.dims.NumElements() * l.precision.Size()
	for i, t := range l.mirror.items {
		l.precision.Encode(buf[i*stride:], t.data)
	}
	if err := l.backend.Write(l.ec, h, buf); err != nil {
		_ = l.backend.Free(h)
		return err
	}
	l.handle = h
	l.resident = true
	return nil
}

func (l *DeviceList) teardown() {
	if reg, ok := l.backend.(memory.EvictionRegistry); ok {
		reg.Unregister(l)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resident {
		_ = l.backend.Free(l.handle)
		l.resident = false
	}
	if l.mirror != nil {
		l.mirror.FreeRef()
		l.mirror = nil
	}
}
