// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autodiff defines the differentiable layer contract.
//
// # Overview
//
// A Layer evaluates borrowed input Results into a new Result. A Result
// carries the forward data and a one-shot accumulate callback that pushes
// a gradient back to its inputs and into a DeltaSet, the map from
// parameter buffer to accumulated gradient. Results whose inputs and
// layers are all frozen or constant are dead and skip the backward pass.
//
// # Basic Usage
//
//	x := autodiff.NewConstant(tensor.MustHostList(tensor.Of(1, 2)))
//	defer x.FreeRef()
//
//	y, err := layer.Eval(x)
//	if err != nil {
//	    return err
//	}
//	defer y.FreeRef()
//
//	deltas, err := autodiff.Backward(y) // seeds ones
//	if err != nil {
//	    return err
//	}
//	for _, k := range deltas.Keys() {
//	    d, _ := deltas.Lookup(k)
//	    fmt.Println(k, d.Values())
//	}
package autodiff

import (
	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/refcount"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/google/uuid"
)

// Layer is a differentiable component.
type Layer = autodiff.Layer

// BaseLayer implements the id, name and frozen bookkeeping of Layer.
type BaseLayer = autodiff.BaseLayer

// Header is the common part of every layer document.
type Header = autodiff.Header

// Resources holds the weight blobs referenced from layer documents.
type Resources = autodiff.Resources

// Result is the output of a layer evaluation.
type Result = autodiff.Result

// AccumulateFunc pushes a gradient back through a result.
type AccumulateFunc = autodiff.AccumulateFunc

// Fanout splits one result into per-consumer handles.
type Fanout = autodiff.Fanout

// Key identifies one parameter buffer: the owning layer and a slot.
type Key = autodiff.Key

// Delta is the accumulated gradient of one parameter buffer.
type Delta = autodiff.Delta

// DeltaSet maps parameter buffers to their gradients.
type DeltaSet = autodiff.DeltaSet

// RefConfig controls reference counting instrumentation.
type RefConfig = refcount.Config

// NewResult takes ownership of data.
func NewResult(data tensor.List, accumulate AccumulateFunc, alive bool, onFree func()) *Result {
	return autodiff.NewResult(data, accumulate, alive, onFree)
}

// NewConstant wraps data as a dead input.
func NewConstant(data tensor.List) *Result {
	return autodiff.NewConstant(data)
}

// NewInput wraps data as an input whose gradient is recorded under id.
func NewInput(id uuid.UUID, data tensor.List) *Result {
	return autodiff.NewInput(id, data)
}

// NewFanout creates n consumer handles onto inner.
func NewFanout(inner *Result, n int) *Fanout {
	return autodiff.NewFanout(inner, n)
}

// NewDeltaSet creates an empty delta set.
func NewDeltaSet() *DeltaSet {
	return autodiff.NewDeltaSet()
}

// NewResources creates an empty resource store.
func NewResources() *Resources {
	return autodiff.NewResources()
}

// Backward seeds out with ones and returns the collected deltas.
func Backward(out *Result) (*DeltaSet, error) {
	return autodiff.Backward(out)
}

// Retain adds a reference to each result and returns the matching release.
func Retain(results ...*Result) func() {
	return autodiff.Retain(results...)
}

// CheckInputs validates the input count and batch compatibility of a layer.
func CheckInputs(layer string, n int, inputs []*Result) error {
	return autodiff.CheckInputs(layer, n, inputs)
}

// ConfigureRefs replaces the reference counting configuration.
func ConfigureRefs(c RefConfig) {
	refcount.Configure(c)
}

// Leaks returns the number of objects collected without being released.
// Only objects created in debug mode are tracked.
func Leaks() int64 {
	return refcount.Leaks()
}
