// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package memory defines the memory backends that hold device-resident
// tensor lists.
//
// # Backends
//
//   - HostBackend: the Go heap, optionally capped to behave like a small device
//   - Pool: recycling and eviction on top of any raw backend
//   - ContextPool: hands out execution contexts to workers
//
// On Windows the webgpu backend package adds real accelerator memory.
//
// # Basic Usage
//
//	raw := memory.NewLimitedHostBackend(64 << 20)
//	pool := memory.NewPool(raw, memory.DefaultPoolConfig())
//	factory := tensor.DeviceFactory{Backend: pool, Precision: tensor.Float32}
package memory

import "github.com/born-ml/deltagraph/internal/memory"

// Kind identifies the memory region of an allocation.
type Kind = memory.Kind

// Memory kinds.
const (
	Host    = memory.Host
	Device  = memory.Device
	Managed = memory.Managed
)

// Handle references one allocation.
type Handle = memory.Handle

// ExecContext selects the device and stream of an operation.
type ExecContext = memory.ExecContext

// Backend is the memory capability consumed by tensor lists.
type Backend = memory.Backend

// Evictor is implemented by objects that can move their data off a device.
type Evictor = memory.Evictor

// EvictionRegistry is implemented by backends that evict under pressure.
type EvictionRegistry = memory.EvictionRegistry

// HostBackend serves allocations from the Go heap.
type HostBackend = memory.HostBackend

// Pool is a recycling allocator with an eviction escalation sequence.
type Pool = memory.Pool

// PoolConfig configures a Pool.
type PoolConfig = memory.PoolConfig

// PoolStats reports pool activity.
type PoolStats = memory.PoolStats

// ContextPool hands out execution contexts.
type ContextPool = memory.ContextPool

// NewHostBackend creates an unlimited host backend.
func NewHostBackend() *HostBackend {
	return memory.NewHostBackend()
}

// NewLimitedHostBackend creates a host backend capped at capacity bytes.
func NewLimitedHostBackend(capacity int) *HostBackend {
	return memory.NewLimitedHostBackend(capacity)
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return memory.DefaultPoolConfig()
}

// NewPool creates a pool over raw.
func NewPool(raw Backend, cfg PoolConfig) *Pool {
	return memory.NewPool(raw, cfg)
}

// NewContextPool creates devices*streamsPerDevice execution contexts.
func NewContextPool(devices, streamsPerDevice int) (*ContextPool, error) {
	return memory.NewContextPool(devices, streamsPerDevice)
}
