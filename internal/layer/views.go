package layer

import (
	"context"
	"fmt"

	"github.com/born-ml/layerkit/internal/dist"
)

// fpSetStdMatrixView restricts the forward buffers to the current
// mini-batch. A borrowed input with this layer's layout is viewed in place;
// otherwise its active columns are redistributed into prevActivations.
func (l *Layer) fpSetStdMatrixView(ctx context.Context) error {
	var err error
	if l.prevActivations != nil {
		l.prevActivationsV, err = l.inputView(ctx, "fp_input", l.fpInput, l.prevActivations)
		if err != nil {
			return err
		}
	}
	l.activationsV, err = l.activations.View(l.numNeurons, l.mbSize)
	if err != nil {
		return fmt.Errorf("%w: layer %d: activations view: %w", ErrConfiguration, l.index, err)
	}
	return nil
}

// bpSetStdMatrixView restricts the backward buffers to the current
// mini-batch.
func (l *Layer) bpSetStdMatrixView(ctx context.Context) error {
	var err error
	l.prevErrorSignalV, err = l.inputView(ctx, "bp_input", l.bpInput, l.prevErrorSignal)
	if err != nil {
		return err
	}
	if l.errorSignal != nil {
		l.errorSignalV, err = l.errorSignal.View(l.numPrevNeurons, l.mbSize)
		if err != nil {
			return fmt.Errorf("%w: layer %d: error signal view: %w", ErrConfiguration, l.index, err)
		}
	}
	if l.activationsV == nil || l.activationsV.Cols() != l.mbSize {
		// Backward without a forward pass on this mini-batch.
		return l.fpSetStdMatrixView(ctx)
	}
	return nil
}

// inputView returns the current-mini-batch view of a borrowed input, or of
// own when nothing is borrowed.
func (l *Layer) inputView(ctx context.Context, field string, borrowed, own *dist.Matrix) (*dist.View, error) {
	if borrowed == nil {
		v, err := own.View(own.Rows(), l.mbSize)
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d: %s view: %w", ErrConfiguration, l.index, field, err)
		}
		return v, nil
	}
	src, err := borrowed.View(borrowed.Rows(), l.mbSize)
	if err != nil {
		return nil, fmt.Errorf("%w: layer %d: %s view: %w", ErrConfiguration, l.index, field, err)
	}
	if borrowed.Layout() == l.layout && borrowed.Group().Size() == l.group.Size() {
		return src, nil
	}
	dst, err := own.View(own.Rows(), l.mbSize)
	if err != nil {
		return nil, fmt.Errorf("%w: layer %d: %s view: %w", ErrConfiguration, l.index, field, err)
	}
	if err := dst.Redistribute(ctx, src); err != nil {
		return nil, fmt.Errorf("%w: layer %d: redistribute %s: %w", ErrTransfer, l.index, field, err)
	}
	return dst, nil
}
