package kinds

import (
	"context"
	"math"

	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/layer"
)

// Activation applies an element-wise non-linearity. It runs on the host or
// on the layer's device mirror.
type Activation struct {
	base
	op device.Op
}

// NewActivation creates an activation kernel for s.Activation.
func NewActivation(s Spec) *Activation {
	return &Activation{base: base{layout: s.Layout}, op: s.Activation}
}

// Op returns the non-linearity.
func (k *Activation) Op() device.Op { return k.op }

// FPCompute implements layer.ForwardComputer.
func (k *Activation) FPCompute(_ context.Context, p *layer.Pass) error {
	if err := p.Activations.CopyFrom(p.PrevActivations); err != nil {
		return err
	}
	p.Activations.Apply(func(x float64) float64 { return activate(k.op, x) })
	return nil
}

// BPCompute implements layer.BackwardComputer. The derivative is taken
// from the forward output.
func (k *Activation) BPCompute(_ context.Context, p *layer.Pass) error {
	g, y, out := local(p.PrevErrorSignal), local(p.Activations), local(p.ErrorSignal)
	if out == nil {
		return nil
	}
	out.Apply(func(i, j int, _ float64) float64 {
		return derivative(k.op, y.At(i, j)) * g.At(i, j)
	}, out)
	return nil
}

// FPComputeDevice implements layer.DeviceComputer.
func (k *Activation) FPComputeDevice(_ context.Context, p *layer.DevicePass) error {
	for _, sh := range p.Mirror.Shards(device.PrevActivations, device.Activations, device.NoSlot) {
		if sh.N == 0 {
			continue
		}
		if err := sh.Device.Apply(k.op, sh.Out, sh.In, sh.N); err != nil {
			return err
		}
	}
	return nil
}

// BPComputeDevice implements layer.DeviceComputer.
func (k *Activation) BPComputeDevice(_ context.Context, p *layer.DevicePass) error {
	for _, sh := range p.Mirror.Shards(device.PrevErrorSignal, device.ErrorSignal, device.Activations) {
		if sh.N == 0 {
			continue
		}
		if err := sh.Device.ApplyGrad(k.op, sh.Out, sh.In, sh.Aux, sh.N); err != nil {
			return err
		}
	}
	return nil
}

func activate(op device.Op, x float64) float64 {
	switch op {
	case device.ReLU:
		return max(0, x)
	case device.Sigmoid:
		return 1 / (1 + math.Exp(-x))
	case device.Tanh:
		return math.Tanh(x)
	default:
		return x
	}
}

// derivative returns f'(x) expressed through y = f(x).
func derivative(op device.Op, y float64) float64 {
	switch op {
	case device.ReLU:
		if y > 0 {
			return 1
		}
		return 0
	case device.Sigmoid:
		return y * (1 - y)
	case device.Tanh:
		return 1 - y*y
	default:
		return 1
	}
}
