package kinds

import (
	"context"
	"fmt"
	"math"

	"github.com/born-ml/layerkit/internal/dist"
	"github.com/born-ml/layerkit/internal/layer"
	"github.com/born-ml/layerkit/internal/summary"
	"gonum.org/v1/gonum/floats"
)

// Loss selects the objective a Target computes.
type Loss int

// Supported losses.
const (
	CrossEntropy Loss = iota
	MeanSquared
)

// String returns the loss name.
func (l Loss) String() string {
	switch l {
	case CrossEntropy:
		return "cross_entropy"
	case MeanSquared:
		return "mean_squared"
	default:
		return fmt.Sprintf("loss(%d)", int(l))
	}
}

// ParseLoss maps a loss name to its Loss.
func ParseLoss(s string) (Loss, error) {
	switch s {
	case "", "cross_entropy":
		return CrossEntropy, nil
	case "mean_squared", "mse":
		return MeanSquared, nil
	default:
		return 0, fmt.Errorf("kinds: unknown loss %q", s)
	}
}

const minProb = 1e-12

// Target compares the previous layer's activations with the ground truth
// of the current mini-batch and produces the error signal.
//
// Its own activations hold the ground truth: one-hot labels, or the input
// features for a reconstruction layer, which always uses MeanSquared.
// Loss and accuracy are summed over the group and accumulated until
// EpochReset.
type Target struct {
	base
	reader      *Reader
	loss        Loss
	reconstruct bool
	buf         []float64
	col         []float64

	sums [3]float64 // loss, correct, samples
	last [3]float64
}

// NewTarget creates a target kernel reading ground truth from s.Reader.
func NewTarget(s Spec) (*Target, error) {
	if s.Reader == nil {
		return nil, &layer.ConfigError{Layer: -1, Field: "reader", Details: "target layer needs a reader"}
	}
	k := &Target{
		base:        base{layout: dist.DataParallel},
		reader:      s.Reader,
		loss:        s.Loss,
		reconstruct: s.Type == layer.Reconstruction,
	}
	if k.reconstruct {
		k.loss = MeanSquared
	}
	return k, nil
}

// Setup implements layer.Initializer.
func (k *Target) Setup(ctx context.Context, l *layer.Layer) error {
	if err := k.base.Setup(ctx, l); err != nil {
		return err
	}
	ds := k.reader.Dataset()
	want := ds.NumClasses()
	if k.reconstruct {
		want = ds.NumFeatures()
	}
	if l.NumNeurons() != want {
		return configError(l, "num_neurons", "target needs %d neurons, layer has %d", want, l.NumNeurons())
	}
	if l.NumPrevNeurons() != want {
		return configError(l, "num_prev_neurons", "target needs %d inputs, layer has %d", want, l.NumPrevNeurons())
	}
	k.buf = make([]float64, want)
	return nil
}

// FPCompute implements layer.ForwardComputer. It is a collective.
func (k *Target) FPCompute(ctx context.Context, p *layer.Pass) error {
	var batch [3]float64
	t, y := local(p.Activations), local(p.PrevActivations)
	if t != nil {
		v := p.Activations
		for j := 0; j < v.LocalCols(); j++ {
			s := k.reader.Sample(v.GlobalCol(j))
			label := -1
			if k.reconstruct {
				k.reader.Dataset().Features(s, k.buf)
			} else {
				label = k.reader.Dataset().Label(s)
				clear(k.buf)
				k.buf[label] = 1
			}
			t.SetCol(j, k.buf)

			k.col = column(k.col, j, y)
			switch k.loss {
			case CrossEntropy:
				batch[0] -= math.Log(max(k.col[label], minProb))
			default:
				d := floats.Distance(k.col, k.buf, 2)
				batch[0] += 0.5 * d * d
			}
			if label >= 0 && floats.MaxIdx(k.col) == label {
				batch[1]++
			}
			batch[2]++
		}
	}
	if err := k.layer.Group().AllReduceSum(ctx, batch[:]); err != nil {
		return fmt.Errorf("target: reduce loss: %w", err)
	}
	k.last = batch
	for i := range k.sums {
		k.sums[i] += batch[i]
	}
	return nil
}

// BPCompute implements layer.BackwardComputer. After a softmax, or for
// MeanSquared, the error signal is y - t; a bare cross entropy yields -t/y.
func (k *Target) BPCompute(_ context.Context, p *layer.Pass) error {
	t, y, out := local(p.Activations), local(p.PrevActivations), local(p.ErrorSignal)
	if out == nil {
		return nil
	}
	if k.loss == CrossEntropy && k.layer.PrevLayerType() != layer.Softmax {
		out.Apply(func(i, j int, _ float64) float64 {
			return -t.At(i, j) / max(y.At(i, j), minProb)
		}, out)
		return nil
	}
	out.Sub(y, t)
	return nil
}

// LogitGradient reports whether the error signal emitted after a softmax is
// the gradient with respect to the softmax input. Only cross entropy folds
// the Jacobian in; mean squared yields the gradient of the probabilities.
func (k *Target) LogitGradient() bool { return k.loss == CrossEntropy }

// Loss returns the mean loss per sample since the last EpochReset.
func (k *Target) Loss() float64 { return mean(k.sums[0], k.sums[2]) }

// Accuracy returns the fraction of correctly classified samples since the
// last EpochReset. Reconstruction targets report 0.
func (k *Target) Accuracy() float64 { return mean(k.sums[1], k.sums[2]) }

// Samples returns the number of samples seen since the last EpochReset.
func (k *Target) Samples() int { return int(k.sums[2]) }

// MinibatchLoss returns the mean loss of the last mini-batch.
func (k *Target) MinibatchLoss() float64 { return mean(k.last[0], k.last[2]) }

func mean(sum, n float64) float64 {
	if n == 0 {
		return 0
	}
	return sum / n
}

// EpochPrint implements layer.EpochPrinter. Only rank 0 logs.
func (k *Target) EpochPrint(ctx context.Context) error {
	if k.layer.Group().Rank() != 0 {
		return nil
	}
	k.layer.Logger().InfoContext(ctx, "epoch complete",
		"mode", k.layer.ExecutionMode().String(),
		"loss", k.Loss(),
		"accuracy", k.Accuracy(),
		"samples", k.Samples())
	return nil
}

// EpochReset implements layer.EpochResetter.
func (k *Target) EpochReset() {
	k.sums = [3]float64{}
}

// Summarize implements layer.SummaryReporter.
func (k *Target) Summarize(_ context.Context, s *summary.Summarizer, prefix string, step int) error {
	s.RecordScalar(prefix+"loss", k.MinibatchLoss(), step)
	if !k.reconstruct {
		s.RecordScalar(prefix+"accuracy", mean(k.last[1], k.last[2]), step)
	}
	return nil
}
