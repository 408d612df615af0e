package optim

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam implements the Adam (Adaptive Moment Estimation) optimizer.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * gradient       // First moment
//	v_t = beta2 * v_{t-1} + (1-beta2) * gradient²      // Second moment
//	m_hat = m_t / (1 - beta1^t)                        // Bias correction
//	v_hat = v_t / (1 - beta2^t)                        // Bias correction
//	param = param - lr * m_hat / (sqrt(v_hat) + eps)
//
// The timestep t is part of the checkpointed state so that bias correction
// continues correctly after a restore.
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
type Adam struct {
	shape
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64
	step  *mat.Dense // 1x1 timestep
	m     *mat.Dense // First moment estimates
	v     *mat.Dense // Second moment estimates
}

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LR    float64    // Learning rate (default: 0.001)
	Betas [2]float64 // Coefficients for computing running averages (default: [0.9, 0.999])
	Eps   float64    // Term for numerical stability (default: 1e-8)
}

// NewAdam creates a new Adam optimizer.
//
// Default hyperparameters:
//   - LR: 0.001
//   - Beta1: 0.9
//   - Beta2: 0.999
//   - Eps: 1e-8
func NewAdam(config AdamConfig) *Adam {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &Adam{
		lr:    config.LR,
		beta1: config.Betas[0],
		beta2: config.Betas[1],
		eps:   config.Eps,
	}
}

// Setup implements Optimizer.
func (a *Adam) Setup(rows, cols int) {
	a.shape = shape{rows, cols}
	a.step = stepCounter()
	a.m = mat.NewDense(rows, cols, nil)
	a.v = mat.NewDense(rows, cols, nil)
}

// Update implements Optimizer.
func (a *Adam) Update(param, grad *mat.Dense) error {
	if err := a.check(param, grad); err != nil {
		return err
	}
	t := a.step.At(0, 0) + 1
	a.step.Set(0, 0, t)
	biasCorrection1 := 1 - math.Pow(a.beta1, t)
	biasCorrection2 := 1 - math.Pow(a.beta2, t)

	for i := 0; i < a.rows; i++ {
		for j := 0; j < a.cols; j++ {
			g := grad.At(i, j)
			m := a.beta1*a.m.At(i, j) + (1-a.beta1)*g
			v := a.beta2*a.v.At(i, j) + (1-a.beta2)*g*g
			a.m.Set(i, j, m)
			a.v.Set(i, j, v)
			mHat := m / biasCorrection1
			vHat := v / biasCorrection2
			param.Set(i, j, param.At(i, j)-a.lr*mHat/(math.Sqrt(vHat)+a.eps))
		}
	}
	return nil
}

// LR implements Optimizer.
func (a *Adam) LR() float64 { return a.lr }

// SetLR implements Optimizer.
func (a *Adam) SetLR(lr float64) { a.lr = lr }

// Timestep returns the number of steps taken.
func (a *Adam) Timestep() int {
	if a.step == nil {
		return 0
	}
	return int(a.step.At(0, 0))
}

// State implements Optimizer.
func (a *Adam) State() []State {
	if a.m == nil {
		return nil
	}
	return []State{
		{Name: "step", Value: a.step},
		{Name: "m", Value: a.m},
		{Name: "v", Value: a.v},
	}
}
