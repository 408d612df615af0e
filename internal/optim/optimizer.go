// Package optim implements optimization algorithms for learning layers.
//
// This package provides:
//   - Optimizer interface: per-parameter update rule with persistent state
//   - SGD: Stochastic Gradient Descent with momentum and Nesterov momentum
//   - Adagrad: per-coordinate learning rates from accumulated squared gradients
//   - RMSProp: Adagrad with an exponentially decaying cache
//   - Adam: Adaptive Moment Estimation
//
// An Optimizer owns the state of exactly one parameter matrix. Learning
// kernels receive a Factory and create one optimizer per parameter.
//
// Example usage:
//
//	newOpt, _ := optim.NewFactory(optim.Spec{Kind: "adam", LR: 0.001})
//	opt := newOpt()
//	opt.Setup(rows, cols)
//
//	// after each backward pass
//	if err := opt.Update(weights, grad); err != nil {
//	    return err
//	}
package optim

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrShape is returned when a parameter or gradient does not match the
// extent the optimizer was set up for.
var ErrShape = errors.New("optim: shape mismatch")

// Optimizer applies gradient updates to one parameter matrix.
type Optimizer interface {
	// Setup allocates state for a rows x cols parameter. It must be called
	// before Update and discards any previous state.
	Setup(rows, cols int)

	// Update applies one step to param in place using grad.
	Update(param, grad *mat.Dense) error

	// LR returns the current learning rate.
	LR() float64

	// SetLR changes the learning rate for subsequent steps.
	SetLR(lr float64)

	// State returns the optimizer's mutable buffers, keyed by a name unique
	// within the optimizer. The matrices are live: checkpoint restore writes
	// into them.
	State() []State
}

// State is a named optimizer buffer.
type State struct {
	Name  string
	Value *mat.Dense
}

// Factory creates a fresh optimizer.
type Factory func() Optimizer

// Config is the base configuration for all optimizers.
type Config struct {
	LR float64 // Learning rate
}

// shape tracks the extent an optimizer was set up for.
type shape struct {
	rows, cols int
}

func (s shape) check(param, grad *mat.Dense) error {
	if s.rows == 0 && s.cols == 0 {
		return fmt.Errorf("%w: optimizer is not set up", ErrShape)
	}
	pr, pc := param.Dims()
	gr, gc := grad.Dims()
	if pr != s.rows || pc != s.cols || gr != s.rows || gc != s.cols {
		return fmt.Errorf("%w: param %dx%d, grad %dx%d, optimizer %dx%d",
			ErrShape, pr, pc, gr, gc, s.rows, s.cols)
	}
	return nil
}

// stepCounter returns a 1x1 matrix holding a step count so that it can be
// checkpointed with the other state.
func stepCounter() *mat.Dense { return mat.NewDense(1, 1, nil) }
