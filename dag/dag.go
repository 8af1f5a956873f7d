// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package dag evaluates directed acyclic graphs of layers.
//
// # Overview
//
// A Network holds input placeholders and nodes, each node applying a
// layer to the outputs of earlier nodes. Evaluation resolves the head
// node through a Context that evaluates every reachable node once and
// hands each consumer its own handle onto the cached result; gradients
// from all consumers are summed before they flow upstream. A Network is
// itself a Layer, so networks nest.
//
// # Basic Usage
//
//	net := dag.New(1, dag.WithParallel(dag.Parallel()))
//	a, _ := net.Add(nn.NewReLU(), net.Input(0))
//	b, _ := net.Add(nn.NewLinearActivation(), net.Input(0))
//	net.Add(nn.NewSumInputs(), a, b) // becomes the head
//
//	y, err := net.EvalContext(ctx, x)
//	if err != nil {
//	    return err
//	}
//	defer y.FreeRef()
//	deltas, err := autodiff.Backward(y)
package dag

import (
	"encoding/json"
	"log/slog"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/dag"
	"github.com/born-ml/deltagraph/internal/parallel"
	"go.opentelemetry.io/otel/trace"
)

// Network is a DAG of layers.
type Network = dag.Network

// Node is one vertex of a Network.
type Node = dag.Node

// Context is the memo of one evaluation.
type Context = dag.Context

// State is the lifecycle of a node within a Context.
type State = dag.State

// Node states.
const (
	Unrequested = dag.Unrequested
	Pending     = dag.Pending
	Resolved    = dag.Resolved
	Released    = dag.Released
)

// Options configures a Network.
type Options = dag.Options

// Option mutates Options.
type Option = dag.Option

// ParallelConfig controls concurrent resolution of node inputs.
type ParallelConfig = parallel.Config

// New creates a network with the given number of input placeholders.
func New(inputs int, opts ...Option) *Network {
	return dag.New(inputs, opts...)
}

// DefaultOptions returns sequential evaluation with default logging and
// tracing.
func DefaultOptions() Options {
	return dag.DefaultOptions()
}

// WithName sets the network name.
func WithName(name string) Option {
	return dag.WithName(name)
}

// WithParallel sets input resolution scheduling.
func WithParallel(cfg ParallelConfig) Option {
	return dag.WithParallel(cfg)
}

// WithLogger sets the logger for evaluation failures.
func WithLogger(logger *slog.Logger) Option {
	return dag.WithLogger(logger)
}

// WithTracer sets the tracer for evaluation spans.
func WithTracer(tracer trace.Tracer) Option {
	return dag.WithTracer(tracer)
}

// FromJSON restores a network. res holds the layer weights.
func FromJSON(doc json.RawMessage, res *autodiff.Resources, opts ...Option) (*Network, error) {
	return dag.FromJSON(doc, res, opts...)
}

// Parallel returns a scheduling config using every CPU.
func Parallel() ParallelConfig {
	return parallel.DefaultConfig()
}

// Sequential returns a scheduling config that never spawns goroutines.
func Sequential() ParallelConfig {
	return parallel.Sequential()
}
