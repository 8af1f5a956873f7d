// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides reference-counted numeric buffers and the lists
// that carry a batch of them between layers.
//
// # Overview
//
// A Tensor is a dense float64 buffer with a shape. A List is an ordered
// batch of same-shaped tensors; HostList keeps them on the Go heap and
// DeviceList keeps them in memory.Backend storage with a lazily
// materialized host mirror.
//
// # Ownership
//
// Every tensor and list starts with one reference owned by its creator.
// AddRef takes another, FreeRef drops one; the buffer is released with the
// last reference. Using an object after its last FreeRef panics.
//
//	a := tensor.Of(1, 2, 3)
//	l := tensor.MustHostList(a) // l owns a
//	defer l.FreeRef()
//
//	item := l.Get(0) // caller owns the returned reference
//	fmt.Println(item.Data())
//	item.FreeRef()
package tensor

import (
	"github.com/born-ml/deltagraph/internal/memory"
	"github.com/born-ml/deltagraph/internal/tensor"
)

// Tensor is a reference-counted dense buffer.
type Tensor = tensor.Tensor

// Shape is the per-dimension size of a tensor.
type Shape = tensor.Shape

// Coord is a position within a tensor.
type Coord = tensor.Coord

// Precision selects the storage format of device lists.
type Precision = tensor.Precision

// Storage precisions.
const (
	Float64 = tensor.Float64
	Float32 = tensor.Float32
)

// List is a batch of same-shaped tensors.
type List = tensor.List

// HostList is a List on the Go heap.
type HostList = tensor.HostList

// DeviceList is a List resident in backend memory.
type DeviceList = tensor.DeviceList

// Factory decides where layer outputs live.
type Factory = tensor.Factory

// HostFactory keeps outputs on the host.
type HostFactory = tensor.HostFactory

// DeviceFactory uploads outputs to a memory backend.
type DeviceFactory = tensor.DeviceFactory

// ExecFactory is a Factory that can be bound to an execution context.
type ExecFactory = tensor.ExecFactory

// New creates a zero tensor of the given dimensions.
func New(dims ...int) *Tensor {
	return tensor.New(dims...)
}

// Zeros creates a zero tensor.
func Zeros(shape Shape) *Tensor {
	return tensor.Zeros(shape)
}

// Full creates a tensor filled with value.
func Full(shape Shape, value float64) *Tensor {
	return tensor.Full(shape, value)
}

// Of creates a 1-D tensor holding values.
func Of(values ...float64) *Tensor {
	return tensor.Of(values...)
}

// FromSlice creates a tensor over a copy of data.
func FromSlice(data []float64, shape Shape) (*Tensor, error) {
	return tensor.FromSlice(data, shape)
}

// NewHostList takes ownership of items.
func NewHostList(items ...*Tensor) (*HostList, error) {
	return tensor.NewHostList(items...)
}

// MustHostList is NewHostList that panics on error.
func MustHostList(items ...*Tensor) *HostList {
	return tensor.MustHostList(items...)
}

// WrapHostList adds a reference to each item instead of taking ownership.
func WrapHostList(items ...*Tensor) (*HostList, error) {
	return tensor.WrapHostList(items...)
}

// UploadList copies src into backend memory. src is borrowed.
func UploadList(b memory.Backend, ec memory.ExecContext, p Precision, src List) (*DeviceList, error) {
	return tensor.UploadList(b, ec, p, src)
}

// Sum returns the elementwise sum of lists.
func Sum(lists ...List) (List, error) {
	return tensor.Sum(lists...)
}

// Ones returns n tensors of ones.
func Ones(n int, dims Shape) *HostList {
	return tensor.Ones(n, dims)
}

// ZerosLike returns a zero list with the length and shape of l.
func ZerosLike(l List) *HostList {
	return tensor.ZerosLike(l)
}
