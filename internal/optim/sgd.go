package optim

import (
	"github.com/born-ml/deltagraph/internal/autodiff"
)

// SGD implements Stochastic Gradient Descent optimizer with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
//
// Momentum helps accelerate SGD in relevant directions and dampens oscillations.
//
// Example:
//
//	optimizer := optim.NewSGD(optim.SGDConfig{
//	    LR:       0.01,
//	    Momentum: 0.9,
//	})
//
//	deltas, _ := autodiff.Backward(loss)
//	optimizer.Step(deltas)
type SGD struct {
	lr         float64
	momentum   float64
	velocities map[autodiff.Key][]float64
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float64 // Learning rate (default: 0.01)
	Momentum float64 // Momentum factor (default: 0.0, range: [0, 1))
}

// DefaultSGDConfig returns plain SGD with learning rate 0.01.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{LR: 0.01}
}

// NewSGD creates a new SGD optimizer.
func NewSGD(config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[autodiff.Key][]float64),
	}
}

// Step performs a single optimization step.
//
// Applies gradient descent update to every delta:
//   - Without momentum: param -= lr * grad
//   - With momentum: velocity = momentum * velocity + grad, param -= lr * velocity
func (s *SGD) Step(deltas *autodiff.DeltaSet) error {
	for _, key := range deltas.Keys() {
		d, _ := deltas.Lookup(key)
		if s.momentum == 0 {
			d.Apply(-s.lr)
			continue
		}
		velocity, err := state(s.velocities, key, len(d.Target()))
		if err != nil {
			return err
		}
		target := d.Target()
		for i, g := range d.Values() {
			velocity[i] = s.momentum*velocity[i] + g
			target[i] -= s.lr * velocity[i]
		}
	}
	return nil
}

// GetLR returns the current learning rate.
func (s *SGD) GetLR() float64 {
	return s.lr
}

// SetLR updates the learning rate.
//
// Useful for learning rate scheduling during training.
func (s *SGD) SetLR(lr float64) {
	s.lr = lr
}

// StateDict returns a copy of the velocity buffers. Empty without momentum.
func (s *SGD) StateDict() map[autodiff.Key][]float64 {
	return cloneState(s.velocities)
}

// LoadStateDict replaces the velocity buffers.
func (s *SGD) LoadStateDict(dict map[autodiff.Key][]float64) {
	s.velocities = cloneState(dict)
}
