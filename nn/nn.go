// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the reference layers of deltagraph.
//
// # Overview
//
// This package contains:
//   - Reducers: SumReducer, MeanReducer
//   - Combiners: SumInputs, Product
//   - Learnable layers: FullyConnected, Bias, LinearActivation
//   - Activations: ReLU, Identity
//   - MonitoringWrapper: call counts and timings around any layer
//   - Registry: JSON decoding by class name
//
// # Basic Usage
//
//	fc := nn.NewFullyConnectedRand(tensor.Shape{4}, tensor.Shape{2}, rand.New(rand.NewSource(1)))
//
//	res := autodiff.NewResources()
//	doc, err := fc.JSON(res) // weights go into res
//	if err != nil {
//	    return err
//	}
//	restored, err := nn.FromJSON(doc, res)
package nn

import (
	"encoding/json"
	"log/slog"
	"math/rand"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/nn"
	"github.com/born-ml/deltagraph/internal/tensor"
)

// Layer types.
type (
	SumReducer        = nn.SumReducer
	MeanReducer       = nn.MeanReducer
	SumInputs         = nn.SumInputs
	Product           = nn.Product
	FullyConnected    = nn.FullyConnected
	Bias              = nn.Bias
	LinearActivation  = nn.LinearActivation
	ReLU              = nn.ReLU
	Identity          = nn.Identity
	MonitoringWrapper = nn.MonitoringWrapper
)

// MonitoringStats reports the counters of a MonitoringWrapper.
type MonitoringStats = nn.MonitoringStats

// Parameter is a named learnable buffer.
type Parameter = nn.Parameter

// Placer is implemented by layers whose output placement can be chosen.
type Placer = nn.Placer

// Registry maps layer class names to decoders.
type Registry = nn.Registry

// Decoder restores a layer from its document.
type Decoder = nn.Decoder

// DefaultRegistry is used by FromJSON.
var DefaultRegistry = nn.DefaultRegistry

// NewSumReducer sums each item to a single element.
func NewSumReducer() *SumReducer {
	return nn.NewSumReducer()
}

// NewMeanReducer averages each item to a single element.
func NewMeanReducer() *MeanReducer {
	return nn.NewMeanReducer()
}

// NewSumInputs adds any number of same-shaped inputs.
func NewSumInputs() *SumInputs {
	return nn.NewSumInputs()
}

// NewProduct multiplies two inputs elementwise.
func NewProduct() *Product {
	return nn.NewProduct()
}

// NewFullyConnected creates a zero-weight dense layer.
func NewFullyConnected(inDims, outDims tensor.Shape) *FullyConnected {
	return nn.NewFullyConnected(inDims, outDims)
}

// NewFullyConnectedRand creates a dense layer with Xavier weights.
func NewFullyConnectedRand(inDims, outDims tensor.Shape, rng *rand.Rand) *FullyConnected {
	return nn.NewFullyConnectedRand(inDims, outDims, rng)
}

// NewBias creates a zero additive bias.
func NewBias(dims tensor.Shape) *Bias {
	return nn.NewBias(dims)
}

// NewLinearActivation creates scale*x + bias with scale 1 and bias 0.
func NewLinearActivation() *LinearActivation {
	return nn.NewLinearActivation()
}

// NewReLU creates a rectifier.
func NewReLU() *ReLU {
	return nn.NewReLU()
}

// NewIdentity creates a pass-through layer.
func NewIdentity() *Identity {
	return nn.NewIdentity()
}

// NewMonitoringWrapper counts calls to inner. logger may be nil.
func NewMonitoringWrapper(inner autodiff.Layer, logger *slog.Logger) *MonitoringWrapper {
	return nn.NewMonitoringWrapper(inner, logger)
}

// NewRegistry creates a registry holding every layer of this package.
func NewRegistry() *Registry {
	return nn.NewRegistry()
}

// FromJSON decodes a layer with DefaultRegistry.
func FromJSON(doc json.RawMessage, res *autodiff.Resources) (autodiff.Layer, error) {
	return nn.FromJSON(doc, res)
}

// Xavier fills dst with Glorot-uniform values.
func Xavier(fanIn, fanOut int, dst []float64, rng *rand.Rand) {
	nn.Xavier(fanIn, fanOut, dst, rng)
}
