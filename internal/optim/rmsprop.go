package optim

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// RMSProp keeps an exponentially decaying average of squared gradients:
//
//	cache = decay * cache + (1-decay) * gradient²
//	param = param - lr * gradient / (sqrt(cache) + eps)
type RMSProp struct {
	shape
	lr    float64
	decay float64
	eps   float64
	cache *mat.Dense
}

// RMSPropConfig holds configuration for the RMSProp optimizer.
type RMSPropConfig struct {
	LR    float64 // Learning rate (default: 0.001)
	Decay float64 // Cache decay rate (default: 0.9)
	Eps   float64 // Term for numerical stability (default: 1e-8)
}

// NewRMSProp creates a new RMSProp optimizer.
func NewRMSProp(config RMSPropConfig) *RMSProp {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Decay == 0 {
		config.Decay = 0.9
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &RMSProp{lr: config.LR, decay: config.Decay, eps: config.Eps}
}

// Setup implements Optimizer.
func (r *RMSProp) Setup(rows, cols int) {
	r.shape = shape{rows, cols}
	r.cache = mat.NewDense(rows, cols, nil)
}

// Update implements Optimizer.
func (r *RMSProp) Update(param, grad *mat.Dense) error {
	if err := r.check(param, grad); err != nil {
		return err
	}
	for i := 0; i < r.rows; i++ {
		for j := 0; j < r.cols; j++ {
			g := grad.At(i, j)
			c := r.decay*r.cache.At(i, j) + (1-r.decay)*g*g
			r.cache.Set(i, j, c)
			param.Set(i, j, param.At(i, j)-r.lr*g/(math.Sqrt(c)+r.eps))
		}
	}
	return nil
}

// LR implements Optimizer.
func (r *RMSProp) LR() float64 { return r.lr }

// SetLR implements Optimizer.
func (r *RMSProp) SetLR(lr float64) { r.lr = lr }

// State implements Optimizer.
func (r *RMSProp) State() []State {
	if r.cache == nil {
		return nil
	}
	return []State{{Name: "cache", Value: r.cache}}
}
