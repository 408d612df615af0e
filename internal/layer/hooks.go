package layer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/born-ml/layerkit/internal/summary"
)

// Summarize records the phase timings in seconds, averaged over the group,
// under "layer<i>/" and then any kernel statistics. It is a collective.
func (l *Layer) Summarize(ctx context.Context, s *summary.Summarizer, step int) error {
	prefix := fmt.Sprintf("layer%d/", l.index)
	for _, t := range []struct {
		tag string
		d   time.Duration
	}{
		{"fp_time", l.counters.FP},
		{"fp_compute_time", l.counters.FPCompute},
		{"bp_time", l.counters.BP},
		{"bp_compute_time", l.counters.BPCompute},
		{"update_time", l.counters.Update},
	} {
		if err := s.MeanScalar(ctx, prefix+t.tag, t.d.Seconds(), step); err != nil {
			return fmt.Errorf("layer %d: %w", l.index, err)
		}
	}
	if r, ok := l.kernel.(SummaryReporter); ok {
		return r.Summarize(ctx, s, prefix, step)
	}
	return nil
}

// EpochPrint reports at the end of an epoch.
func (l *Layer) EpochPrint(ctx context.Context) error {
	if p, ok := l.kernel.(EpochPrinter); ok {
		return p.EpochPrint(ctx)
	}
	return nil
}

// EpochReset clears per-epoch kernel state.
func (l *Layer) EpochReset() {
	if r, ok := l.kernel.(EpochResetter); ok {
		r.EpochReset()
	}
}

// CheckGradientMB returns the largest discrepancy between analytic and
// numeric gradients, or 0 when the kernel cannot check.
func (l *Layer) CheckGradientMB(ctx context.Context, prev *Layer, eps float64) (float64, error) {
	if c, ok := l.kernel.(GradientChecker); ok {
		return c.CheckGradientMB(ctx, prev, eps)
	}
	return 0, nil
}

// SaveToFile exports learned parameters.
func (l *Layer) SaveToFile(w io.Writer) error {
	if f, ok := l.kernel.(FileSaver); ok {
		if err := f.SaveToFile(w); err != nil {
			return fmt.Errorf("layer %d: save: %w", l.index, err)
		}
	}
	return nil
}

// LoadFromFile imports learned parameters.
func (l *Layer) LoadFromFile(r io.Reader) error {
	if f, ok := l.kernel.(FileSaver); ok {
		if err := f.LoadFromFile(r); err != nil {
			return fmt.Errorf("layer %d: load: %w", l.index, err)
		}
	}
	return nil
}

// SampleIndicesPerMB returns the sample indices of the current mini-batch,
// or nil for layers that do not read data.
func (l *Layer) SampleIndicesPerMB() []int {
	if s, ok := l.kernel.(SampleIndexer); ok {
		return s.SampleIndicesPerMB()
	}
	return nil
}
