package optim

import "gonum.org/v1/gonum/mat"

// SGD implements Stochastic Gradient Descent with optional momentum,
// Nesterov momentum and learning rate decay.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity - lr * gradient
//	param = param + velocity
//
// With Nesterov momentum the step looks ahead along the new velocity:
//
//	param = param + momentum * velocity - lr * gradient
//
// After each step lr is divided by (1 + decay).
type SGD struct {
	shape
	lr       float64
	momentum float64
	decay    float64
	nesterov bool
	velocity *mat.Dense
}

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LR       float64 // Learning rate (default: 0.01)
	Momentum float64 // Momentum factor (default: 0.0, range: [0, 1))
	Decay    float64 // Learning rate decay per step (default: 0.0)
	Nesterov bool    // Use Nesterov momentum
}

// NewSGD creates a new SGD optimizer.
func NewSGD(config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{
		lr:       config.LR,
		momentum: config.Momentum,
		decay:    config.Decay,
		nesterov: config.Nesterov,
	}
}

// Setup implements Optimizer.
func (s *SGD) Setup(rows, cols int) {
	s.shape = shape{rows, cols}
	s.velocity = mat.NewDense(rows, cols, nil)
}

// Update implements Optimizer.
func (s *SGD) Update(param, grad *mat.Dense) error {
	if err := s.check(param, grad); err != nil {
		return err
	}
	if s.momentum == 0 {
		param.Apply(func(i, j int, p float64) float64 {
			return p - s.lr*grad.At(i, j)
		}, param)
	} else {
		s.velocity.Apply(func(i, j int, v float64) float64 {
			return s.momentum*v - s.lr*grad.At(i, j)
		}, s.velocity)
		param.Apply(func(i, j int, p float64) float64 {
			if s.nesterov {
				return p + s.momentum*s.velocity.At(i, j) - s.lr*grad.At(i, j)
			}
			return p + s.velocity.At(i, j)
		}, param)
	}
	if s.decay != 0 {
		s.lr /= 1 + s.decay
	}
	return nil
}

// LR implements Optimizer.
func (s *SGD) LR() float64 { return s.lr }

// SetLR implements Optimizer.
func (s *SGD) SetLR(lr float64) { s.lr = lr }

// State implements Optimizer. Without momentum there is no state.
func (s *SGD) State() []State {
	if s.momentum == 0 || s.velocity == nil {
		return nil
	}
	return []State{{Name: "velocity", Value: s.velocity}}
}
