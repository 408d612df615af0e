package kinds

import (
	"context"
	"errors"

	"github.com/born-ml/layerkit/internal/dist"
	"github.com/born-ml/layerkit/internal/layer"
)

// Input reads the current mini-batch from a Reader into its activations,
// one sample per column. Each rank reads only the samples of its own
// columns.
type Input struct {
	base
	reader  *Reader
	buf     []float64
	indices []int
}

// NewInput creates an input kernel reading from s.Reader.
func NewInput(s Spec) (*Input, error) {
	if s.Reader == nil {
		return nil, &layer.ConfigError{Layer: -1, Field: "reader", Details: "input layer needs a reader"}
	}
	return &Input{base: base{layout: dist.DataParallel}, reader: s.Reader}, nil
}

// Setup implements layer.Initializer.
func (k *Input) Setup(ctx context.Context, l *layer.Layer) error {
	if err := k.base.Setup(ctx, l); err != nil {
		return err
	}
	if f := k.reader.Dataset().NumFeatures(); l.NumNeurons() != f {
		return configError(l, "num_neurons", "dataset has %d features, layer has %d neurons", f, l.NumNeurons())
	}
	k.buf = make([]float64, l.NumNeurons())
	return nil
}

// FPCompute implements layer.ForwardComputer.
func (k *Input) FPCompute(_ context.Context, p *layer.Pass) error {
	v := p.Activations
	k.indices = k.indices[:0]
	y := v.Local()
	if y == nil {
		return nil
	}
	if p.Minibatch > k.reader.CurrentMinibatchSize() {
		return errors.New("input: mini-batch larger than the reader's")
	}
	for j := 0; j < v.LocalCols(); j++ {
		s := k.reader.Sample(v.GlobalCol(j))
		k.reader.Dataset().Features(s, k.buf)
		y.SetCol(j, k.buf)
		k.indices = append(k.indices, s)
	}
	return nil
}

// UpdateCompute implements layer.Updater. It advances the reader and
// reports whether the epoch is complete.
func (k *Input) UpdateCompute(context.Context) (bool, error) {
	return k.reader.Advance(), nil
}

// SampleIndicesPerMB implements layer.SampleIndexer for this rank's
// columns.
func (k *Input) SampleIndicesPerMB() []int { return k.indices }
