// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dag_test

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/born-ml/deltagraph/autodiff"
	"github.com/born-ml/deltagraph/dag"
	"github.com/born-ml/deltagraph/memory"
	"github.com/born-ml/deltagraph/nn"
	"github.com/born-ml/deltagraph/optim"
	"github.com/born-ml/deltagraph/serialization"
	"github.com/born-ml/deltagraph/tensor"
	"github.com/born-ml/deltagraph/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// squaredError builds sum((fc(x) - y)^2).
func squaredError(t *testing.T) *dag.Network {
	t.Helper()
	net := dag.New(2, dag.WithParallel(dag.Parallel()))
	fc, err := net.AddNamed("fc", nn.NewFullyConnectedRand(tensor.Shape{2}, tensor.Shape{1}, rand.New(rand.NewSource(3))), net.Input(0))
	require.NoError(t, err)
	negate := nn.NewLinearActivation()
	require.NoError(t, negate.Weights().Set([]float64{-1, 0}))
	negate.SetFrozen(true)
	y, err := net.Add(negate, net.Input(1))
	require.NoError(t, err)
	diff, err := net.Add(nn.NewSumInputs(), fc, y)
	require.NoError(t, err)
	sq, err := net.Add(nn.NewProduct(), diff, diff)
	require.NoError(t, err)
	_, err = net.Add(nn.NewSumReducer(), sq)
	require.NoError(t, err)
	return net
}

// TestTrainingLoop tests measuring, stepping and saving through the
// public packages on pooled device memory.
func TestTrainingLoop(t *testing.T) {
	net := squaredError(t)

	var rows [][]*tensor.Tensor
	for _, x := range [][]float64{{1, 0}, {0, 1}, {1, 1}, {-1, 2}} {
		rows = append(rows, []*tensor.Tensor{tensor.Of(x...), tensor.Of(3*x[0] - x[1])})
	}
	pool := memory.NewPool(memory.NewLimitedHostBackend(1<<10), memory.DefaultPoolConfig())
	cfg := train.DefaultConfig()
	cfg.BatchSize = 2
	cfg.Factory = tensor.DeviceFactory{Backend: pool, Precision: tensor.Float64}
	tr, err := train.NewArrayTrainable(net, rows, cfg)
	require.NoError(t, err)
	for _, row := range rows {
		for _, x := range row {
			x.FreeRef()
		}
	}
	defer tr.FreeRef()

	opt := optim.NewSGD(optim.SGDConfig{LR: 0.05})
	var first, last float64
	for i := range 100 {
		sample, err := tr.Measure(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, 4, sample.Count)
		assert.Equal(t, 1, sample.Deltas.Len(), "only fc is trainable")
		if i == 0 {
			first = sample.Loss
		}
		last = sample.Loss
		require.NoError(t, opt.Step(sample.Deltas))
	}
	assert.Less(t, last, first/100)

	var buf bytes.Buffer
	require.NoError(t, serialization.Write(&buf, net, nil))
	restored, _, err := serialization.Read(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, net.State(), restored.State())
	assert.InDeltaSlice(t, []float64{3, -1}, net.State()[0], 0.05)
}

// TestEval_DeadInputs tests that a network over constants produces no
// deltas for frozen layers.
func TestEval_DeadInputs(t *testing.T) {
	net := dag.New(1)
	fc := nn.NewFullyConnected(tensor.Shape{2}, tensor.Shape{2})
	fc.SetFrozen(true)
	_, err := net.Add(fc, net.Input(0))
	require.NoError(t, err)

	x := autodiff.NewConstant(tensor.MustHostList(tensor.Of(1, 2)))
	defer x.FreeRef()
	y, err := net.Eval(x)
	require.NoError(t, err)
	defer y.FreeRef()
	assert.False(t, y.IsAlive())

	deltas, err := autodiff.Backward(y)
	require.NoError(t, err)
	assert.Zero(t, deltas.Len())
}
