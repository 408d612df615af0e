package optim

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adagrad scales each coordinate by the inverse root of its accumulated
// squared gradients:
//
//	cache = cache + gradient²
//	param = param - lr * gradient / (sqrt(cache) + eps)
type Adagrad struct {
	shape
	lr    float64
	eps   float64
	cache *mat.Dense
}

// AdagradConfig holds configuration for the Adagrad optimizer.
type AdagradConfig struct {
	LR  float64 // Learning rate (default: 0.01)
	Eps float64 // Term for numerical stability (default: 1e-8)
}

// NewAdagrad creates a new Adagrad optimizer.
func NewAdagrad(config AdagradConfig) *Adagrad {
	if config.LR == 0 {
		config.LR = 0.01
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &Adagrad{lr: config.LR, eps: config.Eps}
}

// Setup implements Optimizer.
func (a *Adagrad) Setup(rows, cols int) {
	a.shape = shape{rows, cols}
	a.cache = mat.NewDense(rows, cols, nil)
}

// Update implements Optimizer.
func (a *Adagrad) Update(param, grad *mat.Dense) error {
	if err := a.check(param, grad); err != nil {
		return err
	}
	for i := 0; i < a.rows; i++ {
		for j := 0; j < a.cols; j++ {
			g := grad.At(i, j)
			c := a.cache.At(i, j) + g*g
			a.cache.Set(i, j, c)
			param.Set(i, j, param.At(i, j)-a.lr*g/(math.Sqrt(c)+a.eps))
		}
	}
	return nil
}

// LR implements Optimizer.
func (a *Adagrad) LR() float64 { return a.lr }

// SetLR implements Optimizer.
func (a *Adagrad) SetLR(lr float64) { a.lr = lr }

// State implements Optimizer.
func (a *Adagrad) State() []State {
	if a.cache == nil {
		return nil
	}
	return []State{{Name: "cache", Value: a.cache}}
}
