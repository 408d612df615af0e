package kinds

import (
	"context"
	"math"

	"github.com/born-ml/layerkit/internal/dist"
	"github.com/born-ml/layerkit/internal/layer"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Softmax normalises every sample (column) to a probability distribution.
// It needs whole columns, so it is data parallel.
//
// When the next layer's kernel reports a logit gradient (a cross entropy
// target), the incoming error signal is already the gradient with respect
// to the softmax input and passes through unchanged. Any other successor,
// including a mean squared target, gets the full Jacobian.
type Softmax struct {
	base
	col []float64
	gc  []float64
}

// NewSoftmax creates a softmax kernel.
func NewSoftmax(Spec) *Softmax {
	return &Softmax{base: base{layout: dist.DataParallel}}
}

// FPCompute implements layer.ForwardComputer.
func (k *Softmax) FPCompute(_ context.Context, p *layer.Pass) error {
	x, y := local(p.PrevActivations), local(p.Activations)
	if y == nil {
		return nil
	}
	_, cols := y.Dims()
	for j := 0; j < cols; j++ {
		k.col = column(k.col, j, x)
		m := floats.Max(k.col)
		for i, v := range k.col {
			k.col[i] = math.Exp(v - m)
		}
		floats.Scale(1/floats.Sum(k.col), k.col)
		y.SetCol(j, k.col)
	}
	return nil
}

// BPCompute implements layer.BackwardComputer.
func (k *Softmax) BPCompute(_ context.Context, p *layer.Pass) error {
	if lg, ok := k.layer.NextLayerKernel().(logitGradienter); ok && lg.LogitGradient() {
		return p.ErrorSignal.CopyFrom(p.PrevErrorSignal)
	}
	g, y, out := local(p.PrevErrorSignal), local(p.Activations), local(p.ErrorSignal)
	if out == nil {
		return nil
	}
	_, cols := out.Dims()
	for j := 0; j < cols; j++ {
		k.col = column(k.col, j, y)
		k.gc = column(k.gc, j, g)
		dot := floats.Dot(k.col, k.gc)
		for i := range k.gc {
			k.gc[i] = k.col[i] * (k.gc[i] - dot)
		}
		out.SetCol(j, k.gc)
	}
	return nil
}

// logitGradienter is implemented by kernels whose error signal may already
// include the softmax Jacobian.
type logitGradienter interface {
	LogitGradient() bool
}

// column copies column j of a into dst, growing dst as needed.
func column(dst []float64, j int, a mat.Matrix) []float64 {
	r, _ := a.Dims()
	if cap(dst) < r {
		dst = make([]float64, r)
	}
	return mat.Col(dst[:r], j, a)
}
