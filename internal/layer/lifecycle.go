package layer

import (
	"context"
	"fmt"
	"time"

	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/dist"
)

// CheckSetup validates the layer configuration and its wiring.
func (l *Layer) CheckSetup() error {
	cat, err := CategoryOf(l.typ)
	if err != nil {
		return &ConfigError{Layer: l.index, Field: "type", Details: fmt.Sprintf("invalid layer type %d", int(l.typ))}
	}
	if cat == CategoryInvalid {
		return &ConfigError{Layer: l.index, Field: "type", Details: "layer type is invalid"}
	}
	if l.numNeurons <= 0 {
		return &ConfigError{Layer: l.index, Field: "num_neurons", Details: fmt.Sprintf("%d neurons", l.numNeurons)}
	}
	if l.numPrevNeurons < 0 || (l.numPrevNeurons == 0 && cat != CategoryIO) {
		return &ConfigError{Layer: l.index, Field: "num_prev_neurons",
			Details: fmt.Sprintf("%d previous neurons for a %s layer", l.numPrevNeurons, cat)}
	}
	if err := l.checkInput("fp_input", l.fpInput, l.numPrevNeurons); err != nil {
		return err
	}
	return l.checkInput("bp_input", l.bpInput, l.numNeurons)
}

// Setup allocates the layer buffers for mini-batches of up to mbsize
// samples. The effective mini-batch size is reset to mbsize.
//
// Borrowed inputs are dropped, since the neighbours reallocate too; the
// container wires them again once every layer is set up.
func (l *Layer) Setup(ctx context.Context, mbsize int) error {
	if mbsize <= 0 {
		return &ConfigError{Layer: l.index, Field: "minibatch", Details: fmt.Sprintf("mini-batch size %d", mbsize)}
	}
	l.fpInput, l.bpInput = nil, nil
	l.fpInputD, l.bpInputD = nil, nil
	if err := l.CheckSetup(); err != nil {
		return err
	}
	l.Close()

	var err error
	alloc := func(rows int) *dist.Matrix {
		if err != nil || rows == 0 {
			return nil
		}
		var m *dist.Matrix
		m, err = dist.New(l.group, l.layout, rows, mbsize)
		return m
	}
	l.prevActivations = alloc(l.numPrevNeurons)
	l.activations = alloc(l.numNeurons)
	l.prevErrorSignal = alloc(l.numNeurons)
	l.errorSignal = alloc(l.numPrevNeurons)
	if err != nil {
		return fmt.Errorf("%w: layer %d: %w", ErrResource, l.index, err)
	}

	l.maxMB = mbsize
	l.mbSize = mbsize
	l.effectiveMB = mbsize
	l.prevActivationsV, l.activationsV = nil, nil
	l.prevErrorSignalV, l.errorSignalV = nil, nil

	if l.usingGPUs {
		prevRows := 0
		if l.prevActivations != nil {
			prevRows = l.prevActivations.LocalRows()
		}
		l.mirror, err = device.NewMirror(l.devices, device.MirrorConfig{
			PrevRows: prevRows,
			Rows:     l.activations.LocalRows(),
			MaxCols:  l.activations.LocalCols(),
			Pinned:   l.pinned,
		})
		if err != nil {
			return fmt.Errorf("%w: layer %d: device mirror: %w", ErrResource, l.index, err)
		}
		l.logger.Debug("device mirror allocated",
			"devices", l.devices.NumDevices(), "per_device", l.mirror.PerDevice())
	}

	if in, ok := l.kernel.(Initializer); ok {
		if err := in.Setup(ctx, l); err != nil {
			return fmt.Errorf("layer %d: kernel setup: %w", l.index, err)
		}
	}
	l.ready = true
	l.logger.Debug("setup complete", "minibatch", mbsize, "layout", l.layout.String())
	return nil
}

// Close releases device memory. The layer must be set up again before use.
func (l *Layer) Close() {
	if l.mirror != nil {
		l.mirror.Close()
		l.mirror = nil
	}
	l.deviceFresh = false
	l.ready = false
}

func (l *Layer) requireSetup() error {
	if !l.ready {
		return fmt.Errorf("%w: %v", ErrNotSetup, l)
	}
	return nil
}

// refreshMinibatchSize reads the active mini-batch size from the model.
func (l *Layer) refreshMinibatchSize() error {
	cur := l.maxMB
	if l.model != nil {
		cur = l.model.CurrentMinibatchSize()
	}
	if cur <= 0 || cur > l.maxMB {
		return &ConfigError{Layer: l.index, Field: "minibatch",
			Details: fmt.Sprintf("current mini-batch %d outside (0, %d]", cur, l.maxMB)}
	}
	l.mbSize = cur
	return nil
}

// ForwardProp computes the outgoing activations of the current mini-batch.
func (l *Layer) ForwardProp(ctx context.Context) error {
	if err := l.requireSetup(); err != nil {
		return err
	}
	start := time.Now()
	if err := l.refreshMinibatchSize(); err != nil {
		return err
	}
	if err := l.fpSetStdMatrixView(ctx); err != nil {
		return err
	}

	var compute time.Duration
	if l.usingGPUs {
		l.deviceFresh = false
		if err := l.fpStageIn(); err != nil {
			return err
		}
		t := time.Now()
		if err := l.kernel.(DeviceComputer).FPComputeDevice(ctx, &DevicePass{Mode: l.mode, Mirror: l.mirror}); err != nil {
			return fmt.Errorf("%w: layer %d: forward device compute: %w", ErrTransfer, l.index, err)
		}
		compute = time.Since(t)
		if err := l.stageOut(device.Activations, l.activationsV); err != nil {
			return err
		}
		l.deviceFresh = true
	} else if fc, ok := l.kernel.(ForwardComputer); ok {
		t := time.Now()
		if err := fc.FPCompute(ctx, l.pass(false)); err != nil {
			return fmt.Errorf("layer %d: forward compute: %w", l.index, err)
		}
		compute = time.Since(t)
	}

	l.counters.FPCompute += compute
	l.counters.FP += time.Since(start)
	return nil
}

// BackProp computes the outgoing error signal of the current mini-batch.
func (l *Layer) BackProp(ctx context.Context) error {
	if err := l.requireSetup(); err != nil {
		return err
	}
	start := time.Now()
	if err := l.bpSetStdMatrixView(ctx); err != nil {
		return err
	}

	var compute time.Duration
	if l.usingGPUs {
		if err := l.bpStageIn(); err != nil {
			return err
		}
		t := time.Now()
		if err := l.kernel.(DeviceComputer).BPComputeDevice(ctx, &DevicePass{Mode: l.mode, Mirror: l.mirror}); err != nil {
			return fmt.Errorf("%w: layer %d: backward device compute: %w", ErrTransfer, l.index, err)
		}
		compute = time.Since(t)
		if err := l.stageOut(device.ErrorSignal, l.errorSignalV); err != nil {
			return err
		}
	} else if bc, ok := l.kernel.(BackwardComputer); ok {
		t := time.Now()
		if err := bc.BPCompute(ctx, l.pass(true)); err != nil {
			return fmt.Errorf("layer %d: backward compute: %w", l.index, err)
		}
		compute = time.Since(t)
	}

	l.counters.BPCompute += compute
	l.counters.BP += time.Since(start)
	return nil
}

// Update applies the gradients accumulated by the last backward pass and
// reports whether the update schedule is complete.
func (l *Layer) Update(ctx context.Context) (bool, error) {
	if err := l.requireSetup(); err != nil {
		return false, err
	}
	start := time.Now()
	done := true
	if u, ok := l.kernel.(Updater); ok {
		var err error
		if done, err = u.UpdateCompute(ctx); err != nil {
			return false, fmt.Errorf("layer %d: update: %w", l.index, err)
		}
	}
	l.counters.Update += time.Since(start)
	return done, nil
}

func (l *Layer) pass(backward bool) *Pass {
	p := &Pass{
		Mode:            l.mode,
		Minibatch:       l.mbSize,
		PrevActivations: l.prevActivationsV,
		Activations:     l.activationsV,
	}
	if backward {
		p.PrevErrorSignal = l.prevErrorSignalV
		p.ErrorSignal = l.errorSignalV
	}
	return p
}
