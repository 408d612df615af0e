package kinds

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/born-ml/layerkit/internal/dist"
	"github.com/born-ml/layerkit/internal/layer"
	"github.com/born-ml/layerkit/internal/optim"
	"github.com/born-ml/layerkit/internal/summary"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// FullyConnected computes y = W·x + b.
//
// Samples are sharded across ranks (data parallel) and W, b are replicated.
// Backward propagation sums the weight gradients over the group and scales
// them by the effective mini-batch size, so every rank applies the same
// update and the replicas stay identical.
type FullyConnected struct {
	base
	newOpt optim.Factory
	seed   uint64

	weights *mat.Dense // out x in
	bias    *mat.Dense // out x 1
	grads   []float64  // backing store of gradW and gradB, reduced in one call
	gradW   *mat.Dense
	gradB   *mat.Dense
	optW    optim.Optimizer
	optB    optim.Optimizer

	lastX, lastG *mat.Dense // local input and error signal of the last backward pass
}

// NewFullyConnected creates a fully connected kernel.
func NewFullyConnected(s Spec) (*FullyConnected, error) {
	f, err := optim.NewFactory(s.Optimizer)
	if err != nil {
		return nil, &layer.ConfigError{Layer: -1, Field: "optimizer", Details: err.Error()}
	}
	return &FullyConnected{
		base:   base{layout: dist.DataParallel},
		newOpt: f,
		seed:   s.Seed,
	}, nil
}

// Setup implements layer.Initializer. Weights are drawn from a generator
// seeded by Spec.Seed and the layer index, so every rank starts from
// the same replica.
func (k *FullyConnected) Setup(ctx context.Context, l *layer.Layer) error {
	if err := k.base.Setup(ctx, l); err != nil {
		return err
	}
	out, in := l.NumNeurons(), l.NumPrevNeurons()
	if in == 0 {
		return configError(l, "num_prev_neurons", "fully connected layer needs an input")
	}
	k.weights = xavier(out, in, newRand(k.seed, uint64(l.Index())))
	k.bias = mat.NewDense(out, 1, nil)
	k.grads = make([]float64, out*in+out)
	k.gradW = mat.NewDense(out, in, k.grads[:out*in])
	k.gradB = mat.NewDense(out, 1, k.grads[out*in:])
	k.optW, k.optB = k.newOpt(), k.newOpt()
	k.optW.Setup(out, in)
	k.optB.Setup(out, 1)
	return nil
}

// Weights returns the live weight matrix.
func (k *FullyConnected) Weights() *mat.Dense { return k.weights }

// Bias returns the live bias column.
func (k *FullyConnected) Bias() *mat.Dense { return k.bias }

// FPCompute implements layer.ForwardComputer.
func (k *FullyConnected) FPCompute(_ context.Context, p *layer.Pass) error {
	x, y := local(p.PrevActivations), local(p.Activations)
	if y == nil {
		return nil
	}
	y.Mul(k.weights, x)
	y.Apply(func(i, _ int, v float64) float64 { return v + k.bias.At(i, 0) }, y)
	return nil
}

// BPCompute implements layer.BackwardComputer. It is a collective.
func (k *FullyConnected) BPCompute(ctx context.Context, p *layer.Pass) error {
	g, x := local(p.PrevErrorSignal), local(p.PrevActivations)
	k.lastX, k.lastG = x, g
	if g == nil {
		k.gradW.Zero()
		k.gradB.Zero()
	} else {
		k.gradW.Mul(g, x.T())
		rows, _ := g.Dims()
		for i := 0; i < rows; i++ {
			k.gradB.Set(i, 0, floats.Sum(g.RawRowView(i)))
		}
		if es := local(p.ErrorSignal); es != nil {
			es.Mul(k.weights.T(), g)
		}
	}

	if err := k.layer.Group().AllReduceSum(ctx, k.grads); err != nil {
		return fmt.Errorf("fully connected: reduce gradients: %w", err)
	}
	if n := k.layer.EffectiveMinibatchSize(); n > 0 {
		floats.Scale(1/float64(n), k.grads)
	}
	return nil
}

// CheckGradientMB implements layer.GradientChecker. It differentiates the
// probe sum(g ⊙ (W·x + b)) over the last backward pass numerically with
// central differences and returns the largest deviation from the local
// analytic weight gradient g·xᵀ.
func (k *FullyConnected) CheckGradientMB(_ context.Context, _ *layer.Layer, eps float64) (float64, error) {
	if k.lastG == nil || k.lastX == nil {
		return 0, nil
	}
	out, in := k.weights.Dims()
	var analytic mat.Dense
	analytic.Mul(k.lastG, k.lastX.T())

	var y mat.Dense
	probe := func(w []float64) float64 {
		y.Mul(mat.NewDense(out, in, w), k.lastX)
		y.Apply(func(i, j int, v float64) float64 {
			return (v + k.bias.At(i, 0)) * k.lastG.At(i, j)
		}, &y)
		return mat.Sum(&y)
	}
	w := mat.DenseCopyOf(k.weights).RawMatrix().Data
	numeric := fd.Gradient(nil, probe, w, &fd.Settings{Formula: fd.Central, Step: eps})

	worst := 0.0
	for i, v := range mat.DenseCopyOf(&analytic).RawMatrix().Data {
		worst = max(worst, math.Abs(v-numeric[i]))
	}
	return worst, nil
}

// UpdateCompute implements layer.Updater. Parameters only move in
// training mode.
func (k *FullyConnected) UpdateCompute(context.Context) (bool, error) {
	if !k.training() {
		return true, nil
	}
	if err := k.optW.Update(k.weights, k.gradW); err != nil {
		return false, err
	}
	if err := k.optB.Update(k.bias, k.gradB); err != nil {
		return false, err
	}
	return true, nil
}

// State implements layer.Stateful: the parameters followed by the
// optimizer buffers of each.
func (k *FullyConnected) State() []layer.State {
	st := []layer.State{{Name: "weights", Value: k.weights}, {Name: "bias", Value: k.bias}}
	for _, o := range []struct {
		prefix string
		opt    optim.Optimizer
	}{{"weights/", k.optW}, {"bias/", k.optB}} {
		for _, s := range o.opt.State() {
			st = append(st, layer.State{Name: o.prefix + s.Name, Value: s.Value})
		}
	}
	return st
}

// Summarize implements layer.SummaryReporter.
func (k *FullyConnected) Summarize(_ context.Context, s *summary.Summarizer, prefix string, step int) error {
	s.RecordScalar(prefix+"weights_norm", mat.Norm(k.weights, 2), step)
	s.RecordScalar(prefix+"bias_norm", mat.Norm(k.bias, 2), step)
	s.RecordScalar(prefix+"lr", k.optW.LR(), step)
	return nil
}

// SaveToFile implements layer.FileSaver using the gonum binary matrix
// encoding.
func (k *FullyConnected) SaveToFile(w io.Writer) error {
	if _, err := k.weights.MarshalBinaryTo(w); err != nil {
		return err
	}
	_, err := k.bias.MarshalBinaryTo(w)
	return err
}

// LoadFromFile implements layer.FileSaver.
func (k *FullyConnected) LoadFromFile(r io.Reader) error {
	for _, dst := range []*mat.Dense{k.weights, k.bias} {
		var m mat.Dense
		if _, err := m.UnmarshalBinaryFrom(r); err != nil {
			return err
		}
		if !sameDims(&m, dst) {
			wr, wc := dst.Dims()
			gr, gc := m.Dims()
			return fmt.Errorf("fully connected: file holds %dx%d, layer expects %dx%d", gr, gc, wr, wc)
		}
		dst.Copy(&m)
	}
	return nil
}

func sameDims(a, b mat.Matrix) bool {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	return ar == br && ac == bc
}
