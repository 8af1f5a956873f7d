//go:build windows

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides a memory backend over WebGPU storage buffers.
//
// Wrap the backend in memory.Pool for recycling and eviction:
//
//	gpu, err := webgpu.New(0, 512<<20)
//	if err != nil {
//	    return err // fall back to memory.NewHostBackend()
//	}
//	defer gpu.Release()
//	pool := memory.NewPool(gpu, memory.DefaultPoolConfig())
package webgpu

import "github.com/born-ml/deltagraph/internal/backend/webgpu"

// Backend allocates tensor list storage on a WebGPU device.
type Backend = webgpu.Backend

// Stats reports device memory use.
type Stats = webgpu.Stats

// New opens the high-performance adapter. capacity caps the bytes handed
// out (0 = unlimited).
func New(index int, capacity uint64) (*Backend, error) {
	return webgpu.New(index, capacity)
}

// IsAvailable reports whether a WebGPU device can be opened.
func IsAvailable() bool {
	return webgpu.IsAvailable()
}
