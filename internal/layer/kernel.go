package layer

import (
	"context"
	"io"

	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/dist"
	"github.com/born-ml/layerkit/internal/summary"
	"gonum.org/v1/gonum/mat"
)

// Kernel is the math of one layer kind.
//
// The Layer drives the protocol; a kernel implements whichever of the hook
// interfaces below it needs. A missing hook falls back to the default: no
// work for the compute hooks, "done" for UpdateCompute, no-op for the
// reporting hooks.
type Kernel any

// Pass exposes the views of the current mini-batch to the compute hooks.
// Views are nil where the layer has no such buffer (the incoming side of an
// input layer).
type Pass struct {
	Mode            ExecutionMode
	Minibatch       int
	PrevActivations *dist.View
	Activations     *dist.View
	PrevErrorSignal *dist.View // backward pass only
	ErrorSignal     *dist.View // backward pass only
}

// DevicePass exposes the device mirror to the accelerated compute hooks.
// Inputs are resident before the hook runs; outputs are downloaded after.
type DevicePass struct {
	Mode   ExecutionMode
	Mirror *device.Mirror
}

// Initializer sets up kernel state once the layer buffers exist.
type Initializer interface {
	Setup(ctx context.Context, l *Layer) error
}

// ForwardComputer computes Activations from PrevActivations.
type ForwardComputer interface {
	FPCompute(ctx context.Context, p *Pass) error
}

// BackwardComputer computes ErrorSignal from PrevErrorSignal.
type BackwardComputer interface {
	BPCompute(ctx context.Context, p *Pass) error
}

// Updater applies accumulated gradients. It reports whether the update
// schedule is complete.
type Updater interface {
	UpdateCompute(ctx context.Context) (bool, error)
}

// DeviceComputer runs both propagation directions on the device mirror.
// A layer is accelerated only when its kernel implements this interface.
type DeviceComputer interface {
	FPComputeDevice(ctx context.Context, p *DevicePass) error
	BPComputeDevice(ctx context.Context, p *DevicePass) error
}

// LayoutDeclarer declares the distribution layout of the layer buffers.
type LayoutDeclarer interface {
	DataLayout() dist.Layout
}

// SummaryReporter adds kernel statistics to a summary.
type SummaryReporter interface {
	Summarize(ctx context.Context, s *summary.Summarizer, prefix string, step int) error
}

// EpochPrinter reports at the end of an epoch. It runs on every rank and
// must synchronise its own output.
type EpochPrinter interface {
	EpochPrint(ctx context.Context) error
}

// EpochResetter clears per-epoch state.
type EpochResetter interface {
	EpochReset()
}

// State is a named piece of kernel state that is identical on every rank.
type State struct {
	Name  string
	Value *mat.Dense
}

// Stateful exposes the kernel state persisted in checkpoints, in a fixed
// order.
type Stateful interface {
	State() []State
}

// GradientChecker compares analytic and numeric gradients.
type GradientChecker interface {
	CheckGradientMB(ctx context.Context, prev *Layer, eps float64) (float64, error)
}

// FileSaver exports and imports learned parameters.
type FileSaver interface {
	SaveToFile(w io.Writer) error
	LoadFromFile(r io.Reader) error
}

// SampleIndexer reports which samples make up the current mini-batch.
type SampleIndexer interface {
	SampleIndicesPerMB() []int
}
