package kinds

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/layerkit/internal/layer"
	"gonum.org/v1/gonum/mat"
)

// Dropout zeroes each activation with probability 1-keep during training
// and scales the survivors by 1/keep. Outside training it is the identity.
type Dropout struct {
	base
	keep   float64
	seed   uint64
	rng    *rand.Rand
	mask   *mat.Dense
	data   []float64
	masked bool
}

// NewDropout creates a dropout kernel. A zero KeepProb keeps everything.
func NewDropout(s Spec) (*Dropout, error) {
	keep := s.KeepProb
	if keep == 0 {
		keep = 1
	}
	if keep < 0 || keep > 1 {
		return nil, &layer.ConfigError{Layer: -1, Field: "keep_prob", Details: fmt.Sprintf("%v outside (0, 1]", keep)}
	}
	return &Dropout{base: base{layout: s.Layout}, keep: keep, seed: s.Seed}, nil
}

// Setup implements layer.Initializer. Each rank draws its own masks.
func (k *Dropout) Setup(ctx context.Context, l *layer.Layer) error {
	if err := k.base.Setup(ctx, l); err != nil {
		return err
	}
	k.rng = newRand(k.seed, uint64(l.Group().Rank()))
	return nil
}

// Mask returns the mask of the last training pass, or nil.
func (k *Dropout) Mask() *mat.Dense {
	if !k.masked {
		return nil
	}
	return k.mask
}

// FPCompute implements layer.ForwardComputer.
func (k *Dropout) FPCompute(_ context.Context, p *layer.Pass) error {
	k.masked = false
	if err := p.Activations.CopyFrom(p.PrevActivations); err != nil {
		return err
	}
	y := local(p.Activations)
	if !k.training() || k.keep == 1 || y == nil {
		return nil
	}
	r, c := y.Dims()
	if cap(k.data) < r*c {
		k.data = make([]float64, r*c)
	}
	k.mask = mat.NewDense(r, c, k.data[:r*c])
	scale := 1 / k.keep
	for i := range k.data[:r*c] {
		if k.rng.Float64() < k.keep {
			k.data[i] = scale
		} else {
			k.data[i] = 0
		}
	}
	y.MulElem(y, k.mask)
	k.masked = true
	return nil
}

// BPCompute implements layer.BackwardComputer.
func (k *Dropout) BPCompute(_ context.Context, p *layer.Pass) error {
	if err := p.ErrorSignal.CopyFrom(p.PrevErrorSignal); err != nil {
		return err
	}
	if out := local(p.ErrorSignal); k.masked && out != nil {
		out.MulElem(out, k.mask)
	}
	return nil
}
