// Package optim implements optimization algorithms that consume the output
// of a backward pass.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation
//
// Every Delta in a DeltaSet targets a live parameter buffer, so a step
// writes straight into the layers' state. Optimizer state (velocities,
// moments) is keyed by autodiff.Key.
//
// Example usage:
//
//	optimizer := optim.NewSGD(optim.SGDConfig{LR: 0.01, Momentum: 0.9})
//
//	for epoch := range epochs {
//	    sample, err := trainable.Measure(ctx, monitor)
//	    if err != nil {
//	        return err
//	    }
//	    if err := optimizer.Step(sample.Deltas); err != nil {
//	        return err
//	    }
//	}
//
// Steps are not safe to run concurrently with an evaluation of the layers
// they update.
package optim

import (
	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/errs"
)

// Optimizer is the base interface for all optimization algorithms.
//
// All optimizers must implement:
//   - Step: Apply a DeltaSet to the parameter buffers it targets
//   - GetLR: Get current learning rate (for monitoring/scheduling)
type Optimizer interface {
	// Step applies gradient updates to every target in deltas.
	//
	// Example:
	//   deltas, _ := autodiff.Backward(loss)
	//   optimizer.Step(deltas)
	Step(deltas *autodiff.DeltaSet) error

	// GetLR returns the current learning rate.
	GetLR() float64
}

// Config is the base configuration for all optimizers.
type Config struct {
	LR float64 // Learning rate
}

// state returns the buffer stored under key, creating a zero one sized to
// target. A buffer of another length means the key now names a different
// parameter.
func state(m map[autodiff.Key][]float64, key autodiff.Key, n int) ([]float64, error) {
	buf, ok := m[key]
	if !ok {
		buf = make([]float64, n)
		m[key] = buf
		return buf, nil
	}
	if len(buf) != n {
		return nil, errs.InvalidArgument("optimizer state %v: length mismatch %d vs %d", key, len(buf), n)
	}
	return buf, nil
}

// cloneState copies optimizer buffers for export.
func cloneState(m map[autodiff.Key][]float64) map[autodiff.Key][]float64 {
	out := make(map[autodiff.Key][]float64, len(m))
	for k, v := range m {
		out[k] = append([]float64(nil), v...)
	}
	return out
}
