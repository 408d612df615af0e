package layer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/born-ml/layerkit/internal/comm"
	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/dist"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// copyKernel forwards its input unchanged in both directions.
type copyKernel struct {
	layout  dist.Layout
	fpCols  []int
	bpCols  []int
	updates int
	done    bool
}

func (k *copyKernel) DataLayout() dist.Layout { return k.layout }

func (k *copyKernel) FPCompute(_ context.Context, p *Pass) error {
	k.fpCols = append(k.fpCols, p.Activations.Cols())
	if p.PrevActivations == nil {
		return nil
	}
	return p.Activations.CopyFrom(p.PrevActivations)
}

func (k *copyKernel) BPCompute(_ context.Context, p *Pass) error {
	k.bpCols = append(k.bpCols, p.PrevErrorSignal.Cols())
	if p.ErrorSignal == nil {
		return nil
	}
	return p.ErrorSignal.CopyFrom(p.PrevErrorSignal)
}

func (k *copyKernel) UpdateCompute(context.Context) (bool, error) {
	k.updates++
	return k.done, nil
}

// sourceKernel writes 100*row + col into its activations.
type sourceKernel struct {
	layout dist.Layout
}

func (k *sourceKernel) DataLayout() dist.Layout { return k.layout }

func (k *sourceKernel) FPCompute(_ context.Context, p *Pass) error {
	v := p.Activations
	for i := 0; i < v.LocalRows(); i++ {
		for j := 0; j < v.LocalCols(); j++ {
			v.Local().Set(i, j, sourceValue(v.GlobalRow(i), v.GlobalCol(j)))
		}
	}
	return nil
}

func sourceValue(i, j int) float64 { return float64(100*i + j) }

// reluKernel applies ReLU on the host or on the device mirror.
type reluKernel struct {
	copyKernel
	deviceFP int
	deviceBP int
}

func (k *reluKernel) FPCompute(ctx context.Context, p *Pass) error {
	if err := k.copyKernel.FPCompute(ctx, p); err != nil {
		return err
	}
	p.Activations.Apply(func(x float64) float64 { return max(0, x) })
	return nil
}

func (k *reluKernel) BPCompute(_ context.Context, p *Pass) error {
	if p.ErrorSignal == nil {
		return nil
	}
	g, y, out := p.PrevErrorSignal.Local(), p.Activations.Local(), p.ErrorSignal.Local()
	if out == nil {
		return nil
	}
	out.Apply(func(i, j int, _ float64) float64 {
		if y.At(i, j) > 0 {
			return g.At(i, j)
		}
		return 0
	}, out)
	return nil
}

func (k *reluKernel) FPComputeDevice(_ context.Context, p *DevicePass) error {
	k.deviceFP++
	for _, sh := range p.Mirror.Shards(device.PrevActivations, device.Activations, device.NoSlot) {
		if err := sh.Device.Apply(device.ReLU, sh.Out, sh.In, sh.N); err != nil {
			return err
		}
	}
	return nil
}

func (k *reluKernel) BPComputeDevice(_ context.Context, p *DevicePass) error {
	k.deviceBP++
	for _, sh := range p.Mirror.Shards(device.PrevErrorSignal, device.ErrorSignal, device.Activations) {
		if err := sh.Device.ApplyGrad(device.ReLU, sh.Out, sh.In, sh.Aux, sh.N); err != nil {
			return err
		}
	}
	return nil
}

// statefulKernel carries replicated weights.
type statefulKernel struct {
	copyKernel
	weights *mat.Dense
}

func (k *statefulKernel) Setup(context.Context, *Layer) error {
	k.weights = mat.NewDense(2, 3, nil)
	return nil
}

func (k *statefulKernel) State() []State {
	return []State{{Name: "weights", Value: k.weights}}
}

type fixedModel struct{ cur int }

func (m *fixedModel) CurrentMinibatchSize() int { return m.cur }

func mustLayer(t *testing.T, cfg Config, g comm.Group, k Kernel, devices *device.Manager) *Layer {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quiet
	}
	l, err := New(cfg, g, k, devices)
	require.NoError(t, err)
	return l
}

func newLayer(cfg Config, g comm.Group, k Kernel, devices *device.Manager) (*Layer, error) {
	if cfg.Logger == nil {
		cfg.Logger = quiet
	}
	return New(cfg, g, k, devices)
}

func filled(t *testing.T, g comm.Group, layout dist.Layout, rows, cols int, f func(i, j int) float64) *dist.Matrix {
	t.Helper()
	m, err := dist.New(g, layout, rows, cols)
	require.NoError(t, err)
	m.Fill(f)
	return m
}
