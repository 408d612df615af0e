// Package layer implements the execution contract shared by every stage of
// a distributed training pipeline.
//
// A Layer owns four distributed buffers (incoming and outgoing activations,
// incoming and outgoing error signal), drives the forward, backward and
// update protocol around a Kernel, restricts every pass to the active
// mini-batch through views, optionally mirrors its buffers on accelerators,
// and persists its mutable state to checkpoints.
//
// Adjacent layers are connected by borrowing: layer i+1 reads layer i's
// FPOutput and layer i reads layer i+1's BPOutput. When both sides share a
// distribution layout the borrowed matrix is used in place; otherwise it is
// redistributed into the layer's own buffer.
package layer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/born-ml/layerkit/internal/comm"
	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/dist"
)

// Model is the container that sequences layers.
type Model interface {
	// CurrentMinibatchSize returns the number of samples in the mini-batch
	// being processed, which is smaller than the configured size on the
	// last mini-batch of an epoch.
	CurrentMinibatchSize() int
}

// Config describes a layer.
type Config struct {
	Index          int
	Name           string
	Type           Type
	NumNeurons     int
	NumPrevNeurons int // 0 for layers without a predecessor

	UseGPUs bool          // run on the device manager when the kernel supports it
	Pinned  device.Pinned // staging reuse per transfer direction

	Logger *slog.Logger // default slog.Default()
}

// Counters holds cumulative phase timings.
type Counters struct {
	FP        time.Duration
	FPCompute time.Duration
	BP        time.Duration
	BPCompute time.Duration
	Update    time.Duration
}

// Layer is one stage of the pipeline.
//
// A Layer is not safe for concurrent use. The container serialises
// propagation across neighbours; Update may run concurrently with other
// layers' Update.
type Layer struct {
	index          int
	name           string
	typ            Type
	numNeurons     int
	numPrevNeurons int
	layout         dist.Layout

	group   comm.Group
	kernel  Kernel
	devices *device.Manager
	pinned  device.Pinned
	logger  *slog.Logger
	model   Model
	mode    ExecutionMode

	prevType      Type
	nextType      Type
	usingGPUs     bool
	prevUsingGPUs bool
	nextUsingGPUs bool

	prevActivations *dist.Matrix // nil without a predecessor
	activations     *dist.Matrix
	prevErrorSignal *dist.Matrix
	errorSignal     *dist.Matrix // nil without a predecessor

	prevActivationsV *dist.View
	activationsV     *dist.View
	prevErrorSignalV *dist.View
	errorSignalV     *dist.View

	nextKernel Kernel

	fpInput  *dist.Matrix // borrowed from the previous layer
	bpInput  *dist.Matrix // borrowed from the next layer
	fpInputD *device.Mirror
	bpInputD *device.Mirror
	mirror   *device.Mirror
	// deviceFresh is set by a device forward pass and cleared by any host
	// rewrite of the forward buffers.
	deviceFresh bool

	ready       bool
	maxMB       int
	mbSize      int
	effectiveMB int

	counters Counters
}

// New creates a layer running kernel k on group g. devices may be nil.
func New(cfg Config, g comm.Group, k Kernel, devices *device.Manager) (*Layer, error) {
	if _, err := CategoryOf(cfg.Type); err != nil {
		return nil, &ConfigError{Layer: cfg.Index, Field: "type", Details: fmt.Sprintf("invalid layer type %d", int(cfg.Type))}
	}
	if g == nil {
		g = comm.Self()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("layer", cfg.Index, "type", cfg.Type.String(), "rank", g.Rank())

	l := &Layer{
		index:          cfg.Index,
		name:           cfg.Name,
		typ:            cfg.Type,
		numNeurons:     cfg.NumNeurons,
		numPrevNeurons: cfg.NumPrevNeurons,
		layout:         dist.ModelParallel,
		group:          g,
		kernel:         k,
		devices:        devices,
		pinned:         cfg.Pinned,
		logger:         logger,
		mode:           Training,
		prevType:       Invalid,
		nextType:       Invalid,
	}
	if ld, ok := k.(LayoutDeclarer); ok {
		l.layout = ld.DataLayout()
	} else {
		logger.Warn("kernel does not declare a data layout, using model parallel")
	}
	if cfg.UseGPUs {
		_, accel := k.(DeviceComputer)
		switch {
		case !devices.Available():
			logger.Info("no accelerator available, running on host")
		case !accel:
			logger.Info("kernel has no device implementation, running on host")
		default:
			l.usingGPUs = true
		}
	}
	return l, nil
}

// Type returns the layer kind.
func (l *Layer) Type() Type { return l.typ }

// Name returns the layer name.
func (l *Layer) Name() string { return l.name }

// SetName sets the layer name.
func (l *Layer) SetName(name string) { l.name = name }

// Index returns the position of the layer in its model.
func (l *Layer) Index() int { return l.index }

// SetIndex sets the position of the layer in its model.
func (l *Layer) SetIndex(i int) { l.index = i }

// NumNeurons returns the output width.
func (l *Layer) NumNeurons() int { return l.numNeurons }

// NumPrevNeurons returns the input width.
func (l *Layer) NumPrevNeurons() int { return l.numPrevNeurons }

// ExecutionMode returns the current mode.
func (l *Layer) ExecutionMode() ExecutionMode { return l.mode }

// SetExecutionMode sets the mode for subsequent passes.
func (l *Layer) SetExecutionMode(m ExecutionMode) { l.mode = m }

// DataLayout returns the distribution layout of the layer buffers.
func (l *Layer) DataLayout() dist.Layout { return l.layout }

// Group returns the process group.
func (l *Layer) Group() comm.Group { return l.group }

// Kernel returns the layer's kernel.
func (l *Layer) Kernel() Kernel { return l.kernel }

// Logger returns the layer logger.
func (l *Layer) Logger() *slog.Logger { return l.logger }

// Activations returns the outgoing activation matrix.
func (l *Layer) Activations() *dist.Matrix { return l.activations }

// MinibatchSize returns the size of the mini-batch being processed.
func (l *Layer) MinibatchSize() int { return l.mbSize }

// MaxMinibatchSize returns the size configured at Setup.
func (l *Layer) MaxMinibatchSize() int { return l.maxMB }

// EffectiveMinibatchSize returns the sample count used to scale gradients.
func (l *Layer) EffectiveMinibatchSize() int { return l.effectiveMB }

// SetEffectiveMinibatchSize sets the sample count used to scale gradients.
// Propagation never changes it.
func (l *Layer) SetEffectiveMinibatchSize(n int) { l.effectiveMB = n }

// Model returns the container the layer belongs to.
func (l *Layer) Model() Model { return l.model }

// SetModel attaches the layer to a container.
func (l *Layer) SetModel(m Model) { l.model = m }

// Counters returns the cumulative phase timings.
func (l *Layer) Counters() Counters { return l.counters }

// ResetCounters zeroes the phase timings. Learned state is untouched.
func (l *Layer) ResetCounters() { l.counters = Counters{} }

// IsSetup reports whether Setup has completed.
func (l *Layer) IsSetup() bool { return l.ready }

// PrevLayerType returns the type of the previous layer.
func (l *Layer) PrevLayerType() Type { return l.prevType }

// SetPrevLayerType records the type of the previous layer.
func (l *Layer) SetPrevLayerType(t Type) { l.prevType = t }

// NextLayerType returns the type of the next layer.
func (l *Layer) NextLayerType() Type { return l.nextType }

// SetNextLayerType records the type of the next layer.
func (l *Layer) SetNextLayerType(t Type) { l.nextType = t }

// NextLayerKernel returns the kernel of the next layer, or nil.
func (l *Layer) NextLayerKernel() Kernel { return l.nextKernel }

// SetNextLayerKernel records the kernel of the next layer.
func (l *Layer) SetNextLayerKernel(k Kernel) { l.nextKernel = k }

// UsingGPUs reports whether the layer runs on accelerators.
func (l *Layer) UsingGPUs() bool { return l.usingGPUs }

// SetPrevLayerUsingGPUs records whether the previous layer is accelerated.
func (l *Layer) SetPrevLayerUsingGPUs(b bool) { l.prevUsingGPUs = b }

// SetNextLayerUsingGPUs records whether the next layer is accelerated.
func (l *Layer) SetNextLayerUsingGPUs(b bool) { l.nextUsingGPUs = b }

// FPOutput returns the matrix the next layer reads in forward propagation.
func (l *Layer) FPOutput() *dist.Matrix { return l.activations }

// BPOutput returns the matrix the previous layer reads in backward
// propagation.
func (l *Layer) BPOutput() *dist.Matrix { return l.errorSignal }

// SetupFPInput borrows the previous layer's forward output.
func (l *Layer) SetupFPInput(m *dist.Matrix) error {
	if err := l.checkInput("fp_input", m, l.numPrevNeurons); err != nil {
		return err
	}
	l.fpInput = m
	return nil
}

// SetupBPInput borrows the next layer's backward output.
func (l *Layer) SetupBPInput(m *dist.Matrix) error {
	if err := l.checkInput("bp_input", m, l.numNeurons); err != nil {
		return err
	}
	l.bpInput = m
	return nil
}

func (l *Layer) checkInput(field string, m *dist.Matrix, rows int) error {
	if m == nil {
		return nil
	}
	if m.Rows() != rows {
		return &ConfigError{Layer: l.index, Field: field,
			Details: fmt.Sprintf("neighbour provides %d rows, layer expects %d", m.Rows(), rows)}
	}
	if l.ready && m.Cols() != l.maxMB {
		return &ConfigError{Layer: l.index, Field: field,
			Details: fmt.Sprintf("neighbour provides %d columns, layer was set up for %d", m.Cols(), l.maxMB)}
	}
	return nil
}

// FPOutputDevice returns the mirror holding the forward output on the
// devices, or nil when the layer is not accelerated.
func (l *Layer) FPOutputDevice() *device.Mirror { return l.mirror }

// BPOutputDevice returns the mirror holding the backward output on the
// devices, or nil when the layer is not accelerated.
func (l *Layer) BPOutputDevice() *device.Mirror { return l.mirror }

// SetupFPInputDevice lets the forward pass read the previous layer's device
// output in place of an upload.
func (l *Layer) SetupFPInputDevice(m *device.Mirror) { l.fpInputD = m }

// SetupBPInputDevice lets the backward pass read the next layer's device
// output in place of an upload.
func (l *Layer) SetupBPInputDevice(m *device.Mirror) { l.bpInputD = m }

// String implements fmt.Stringer.
func (l *Layer) String() string {
	if l.name != "" {
		return fmt.Sprintf("%s(%d, %s)", l.typ, l.index, l.name)
	}
	return fmt.Sprintf("%s(%d)", l.typ, l.index)
}
