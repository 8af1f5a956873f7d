//go:build windows

// Package webgpu provides a memory.Backend over WebGPU storage buffers.
// Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO bindings.
//
// The backend is a raw allocator: wrap it in memory.Pool for recycling and
// eviction under pressure.
package webgpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/memory"
	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
)

// Storage buffers are addressed in 4-byte words.
const alignment = 4

const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

type allocation struct {
	buffer *wgpu.Buffer
	size   uint64 // aligned
}

// Stats reports device memory use.
type Stats struct {
	Allocated     uint64 // Bytes currently held in device buffers.
	Peak          uint64
	ActiveBuffers int
}

// Backend allocates tensor list storage on a WebGPU device.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     wgpu.AdapterInfo
	index    int
	capacity uint64 // 0 = unlimited

	mu      sync.Mutex
	buffers map[uint64]allocation
	nextID  uint64
	stats   Stats
}

// New opens the high-performance adapter. capacity caps the bytes the
// backend hands out (0 = unlimited); index is reported as the device of
// every allocation.
func New(index int, capacity uint64) (backend *Backend, err error) {
	// The native library panics when missing.
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = errors.Wrapf(errs.ErrIllegalState, "webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, errors.Wrap(err, "webgpu: request adapter")
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(err, "webgpu: request device")
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, errs.IllegalState("webgpu: device has no queue")
	}
	return &Backend{
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    queue,
		info:     adapter.GetInfo(),
		index:    index,
		capacity: capacity,
		buffers:  make(map[uint64]allocation),
	}, nil
}

// IsAvailable reports whether a WebGPU device can be opened.
func IsAvailable() bool {
	b, err := New(0, 0)
	if err != nil {
		return false
	}
	b.Release()
	return true
}

// Name returns the backend name.
func (b *Backend) Name() string {
	if b.info.Name == "" {
		return "webgpu"
	}
	return fmt.Sprintf("webgpu(%s)", b.info.Name)
}

// Allocate creates a storage buffer. Every kind is served from device
// memory; managed allocations are not distinguished.
func (b *Backend) Allocate(_ memory.ExecContext, size int, kind memory.Kind) (memory.Handle, error) {
	if size <= 0 {
		return memory.Handle{}, errs.InvalidArgument("webgpu: allocation size must be > 0, got %d", size)
	}
	aligned := align(uint64(size))
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capacity > 0 && b.stats.Allocated+aligned > b.capacity {
		return memory.Handle{}, errs.OutOfResources("webgpu: cannot allocate %d bytes (%d of %d in use)",
			size, b.stats.Allocated, b.capacity)
	}
	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: storageUsage,
		Size:  aligned,
	})
	if buffer == nil {
		return memory.Handle{}, errs.OutOfResources("webgpu: device refused %d bytes", aligned)
	}
	b.nextID++
	b.buffers[b.nextID] = allocation{buffer: buffer, size: aligned}
	b.stats.Allocated += aligned
	b.stats.Peak = max(b.stats.Peak, b.stats.Allocated)
	b.stats.ActiveBuffers++
	return memory.Handle{ID: b.nextID, Size: size, Kind: kind, Device: b.index}, nil
}

// Write uploads src through a mapped staging buffer.
func (b *Backend) Write(_ memory.ExecContext, h memory.Handle, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	dst, err := b.lookup(h, len(src))
	if err != nil {
		return err
	}
	return b.writeLocked(dst.buffer, src)
}

func (b *Backend) writeLocked(dst *wgpu.Buffer, src []byte) error {
	size := align(uint64(len(src)))
	staging := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	defer staging.Release()
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size)
	copy(mapped, src)
	if rest := size - uint64(len(src)); rest > 0 {
		// Keep the tail of the last word.
		tail := make([]byte, alignment)
		if err := b.readLocked(dst, size-alignment, tail); err != nil {
			staging.Unmap()
			return err
		}
		copy(mapped[len(src):], tail[alignment-rest:])
	}
	staging.Unmap()
	b.copyLocked(dst, staging, size)
	return nil
}

// Read downloads the allocation into dst.
func (b *Backend) Read(_ memory.ExecContext, h memory.Handle, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	src, err := b.lookup(h, len(dst))
	if err != nil {
		return err
	}
	return b.readLocked(src.buffer, 0, dst)
}

// Copy copies min(dst.Size, src.Size) bytes on the device.
func (b *Backend) Copy(_ memory.ExecContext, dst, src memory.Handle) error {
	n := min(dst.Size, src.Size)
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(dst, n)
	if err != nil {
		return err
	}
	s, err := b.lookup(src, n)
	if err != nil {
		return err
	}
	if n%alignment == 0 {
		b.copyLocked(d.buffer, s.buffer, uint64(n))
		return nil
	}
	buf := make([]byte, n)
	if err := b.readLocked(s.buffer, 0, buf); err != nil {
		return err
	}
	return b.writeLocked(d.buffer, buf)
}

// Free releases the device buffer.
func (b *Backend) Free(h memory.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.buffers[h.ID]
	if !ok {
		return errs.IllegalState("webgpu: free of unknown handle %v", h)
	}
	delete(b.buffers, h.ID)
	a.buffer.Release()
	b.stats.Allocated -= a.size
	b.stats.ActiveBuffers--
	return nil
}

// Device returns the device index of the backend.
func (b *Backend) Device(memory.Handle) int {
	return b.index
}

// Stats returns device memory statistics.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Release frees every buffer and the device. The backend must not be used
// afterwards.
func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, a := range b.buffers {
		a.buffer.Release()
		delete(b.buffers, id)
	}
	b.stats = Stats{}
	if b.queue != nil {
		b.queue.Release()
		b.queue = nil
	}
	if b.device != nil {
		b.device.Release()
		b.device = nil
	}
	if b.adapter != nil {
		b.adapter.Release()
		b.adapter = nil
	}
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
}

func (b *Backend) lookup(h memory.Handle, n int) (allocation, error) {
	a, ok := b.buffers[h.ID]
	if !ok {
		return allocation{}, errs.IllegalState("webgpu: unknown handle %v", h)
	}
	if n > h.Size {
		return allocation{}, errs.InvalidArgument("webgpu: %d bytes exceed allocation of %d", n, h.Size)
	}
	return a, nil
}

func (b *Backend) copyLocked(dst, src *wgpu.Buffer, size uint64) {
	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, dst, 0, size)
	b.queue.Submit(encoder.Finish(nil))
}

// readLocked copies len(dst) bytes starting at offset of src into dst.
// offset must be word aligned.
func (b *Backend) readLocked(src *wgpu.Buffer, offset uint64, dst []byte) error {
	size := align(uint64(len(dst)))
	staging := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, offset, staging, 0, size)
	b.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(b.device, wgpu.MapModeRead, 0, size); err != nil {
		return errors.Wrap(err, "webgpu: map staging buffer")
	}
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size)
	copy(dst, mapped)
	staging.Unmap()
	return nil
}

func align(n uint64) uint64 {
	return (n + alignment - 1) &^ (alignment - 1)
}
