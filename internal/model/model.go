// Package model sequences a chain of layers: it wires neighbours, runs
// training and evaluation epochs and checkpoints every layer.
package model

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/born-ml/layerkit/internal/checkpoint"
	"github.com/born-ml/layerkit/internal/comm"
	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/kinds"
	"github.com/born-ml/layerkit/internal/layer"
	"github.com/born-ml/layerkit/internal/parallel"
	"github.com/born-ml/layerkit/internal/summary"
)

// LayerConfig describes one layer of the chain. NumPrevNeurons is taken
// from the previous layer.
type LayerConfig struct {
	Name    string
	UseGPUs bool
	Pinned  device.Pinned
	kinds.Spec
}

// Config configures a Model.
type Config struct {
	Minibatch int             // default: the reader's mini-batch size
	Reader    *kinds.Reader   // shared by input and target layers without their own
	Devices   *device.Manager // nil runs everything on the host
	Registry  *kinds.Registry // default kinds.NewRegistry()
	Logger    *slog.Logger    // default slog.Default()

	// EffectiveMinibatch is forwarded to every layer before each backward
	// pass, e.g. the total over data-parallel replicas. Zero uses the
	// current local mini-batch size.
	EffectiveMinibatch int
}

// Metrics is implemented by kernels that accumulate an objective.
type Metrics interface {
	Loss() float64
	Accuracy() float64
	Samples() int
}

// EpochStats summarises one pass over the data.
type EpochStats struct {
	Epoch    int
	Mode     layer.ExecutionMode
	Steps    int
	Samples  int
	Loss     float64
	Accuracy float64
}

// Model is a chain of layers run by one rank of a group.
type Model struct {
	group   comm.Group
	reader  *kinds.Reader
	logger  *slog.Logger
	layers  []*layer.Layer
	mbSize  int
	effMB   int
	ready   bool
	epoch   int
	step    int
	metrics Metrics
}

// New builds the layers described by specs on group g.
func New(cfg Config, g comm.Group, specs []LayerConfig) (*Model, error) {
	if g == nil {
		g = comm.Self()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = kinds.NewRegistry()
	}
	if cfg.Minibatch == 0 && cfg.Reader != nil {
		cfg.Minibatch = cfg.Reader.MinibatchSize()
	}
	if cfg.Minibatch <= 0 {
		return nil, &layer.ConfigError{Layer: -1, Field: "minibatch", Details: fmt.Sprintf("mini-batch size %d", cfg.Minibatch)}
	}
	if cfg.EffectiveMinibatch < 0 {
		return nil, &layer.ConfigError{Layer: -1, Field: "effective_minibatch",
			Details: fmt.Sprintf("effective mini-batch size %d", cfg.EffectiveMinibatch)}
	}
	if len(specs) == 0 {
		return nil, &layer.ConfigError{Layer: -1, Field: "layers", Details: "model has no layers"}
	}

	m := &Model{
		group:  g,
		reader: cfg.Reader,
		logger: cfg.Logger.With("rank", g.Rank()),
		mbSize: cfg.Minibatch,
		effMB:  cfg.EffectiveMinibatch,
	}
	prev := 0
	for i, s := range specs {
		if s.Reader == nil {
			s.Reader = cfg.Reader
		}
		k, err := cfg.Registry.Build(s.Spec)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		l, err := layer.New(layer.Config{
			Index:          i,
			Name:           s.Name,
			Type:           s.Type,
			NumNeurons:     s.Neurons,
			NumPrevNeurons: prev,
			UseGPUs:        s.UseGPUs,
			Pinned:         s.Pinned,
			Logger:         cfg.Logger,
		}, g, k, cfg.Devices)
		if err != nil {
			return nil, err
		}
		l.SetModel(m)
		if mt, ok := k.(Metrics); ok && m.metrics == nil {
			m.metrics = mt
		}
		m.layers = append(m.layers, l)
		prev = s.Neurons
	}
	return m, nil
}

// Layers returns the chain in order.
func (m *Model) Layers() []*layer.Layer { return m.layers }

// Group returns the process group.
func (m *Model) Group() comm.Group { return m.group }

// Step returns the number of training mini-batches processed.
func (m *Model) Step() int { return m.step }

// SetEffectiveMinibatchSize sets the value forwarded to every layer before
// each backward pass. n <= 0 restores the current local mini-batch size.
func (m *Model) SetEffectiveMinibatchSize(n int) { m.effMB = max(n, 0) }

// EffectiveMinibatchSize returns the value the next backward pass forwards
// to the layers.
func (m *Model) EffectiveMinibatchSize() int {
	if m.effMB > 0 {
		return m.effMB
	}
	return m.CurrentMinibatchSize()
}

// CurrentMinibatchSize implements layer.Model.
func (m *Model) CurrentMinibatchSize() int {
	if m.reader != nil {
		return m.reader.CurrentMinibatchSize()
	}
	return m.mbSize
}

// link records neighbour types and accelerator use on every layer.
func (m *Model) link() {
	for i, l := range m.layers {
		if i > 0 {
			p := m.layers[i-1]
			l.SetPrevLayerType(p.Type())
			l.SetPrevLayerUsingGPUs(p.UsingGPUs())
		}
		if i < len(m.layers)-1 {
			n := m.layers[i+1]
			l.SetNextLayerType(n.Type())
			l.SetNextLayerKernel(n.Kernel())
			l.SetNextLayerUsingGPUs(n.UsingGPUs())
		}
	}
}

// wire connects every pair of neighbours. It runs after all layers are
// set up, since Setup drops borrowed inputs.
func (m *Model) wire() error {
	for i := 1; i < len(m.layers); i++ {
		p, l := m.layers[i-1], m.layers[i]
		if err := l.SetupFPInput(p.FPOutput()); err != nil {
			return err
		}
		if err := p.SetupBPInput(l.BPOutput()); err != nil {
			return err
		}
		if p.UsingGPUs() && l.UsingGPUs() {
			l.SetupFPInputDevice(p.FPOutputDevice())
			p.SetupBPInputDevice(l.BPOutputDevice())
		}
	}
	for _, l := range m.layers {
		if err := l.CheckSetup(); err != nil {
			return err
		}
	}
	m.ready = true
	return nil
}

// Setup allocates every layer for the configured mini-batch size and
// connects the chain.
func (m *Model) Setup(ctx context.Context) error {
	m.link()
	for _, l := range m.layers {
		if err := l.Setup(ctx, m.mbSize); err != nil {
			return err
		}
	}
	if err := m.wire(); err != nil {
		return err
	}
	m.logger.Debug("model set up", "layers", len(m.layers), "minibatch", m.mbSize)
	return nil
}

func (m *Model) setMode(mode layer.ExecutionMode) {
	for _, l := range m.layers {
		l.SetExecutionMode(mode)
	}
}

func (m *Model) forward(ctx context.Context) error {
	for _, l := range m.layers {
		if err := l.ForwardProp(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) backward(ctx context.Context) error {
	eff := m.EffectiveMinibatchSize()
	for _, l := range m.layers {
		l.SetEffectiveMinibatchSize(eff)
	}
	for i := len(m.layers) - 1; i >= 0; i-- {
		if err := m.layers[i].BackProp(ctx); err != nil {
			return err
		}
	}
	return nil
}

// update runs every layer's update concurrently; an update touches only
// the layer's own state. It reports whether all layers are done.
func (m *Model) update(ctx context.Context) (bool, error) {
	done := make([]bool, len(m.layers))
	err := parallel.Do(len(m.layers), func(i int) error {
		var err error
		done[i], err = m.layers[i].Update(ctx)
		return err
	})
	if err != nil {
		return false, err
	}
	for _, d := range done {
		if !d {
			return false, nil
		}
	}
	return true, nil
}

// TrainStep runs forward, backward and update on one mini-batch and
// reports whether it ended the epoch.
func (m *Model) TrainStep(ctx context.Context) (bool, error) {
	if !m.ready {
		return false, fmt.Errorf("%w: model", layer.ErrNotSetup)
	}
	if err := m.forward(ctx); err != nil {
		return false, err
	}
	if err := m.backward(ctx); err != nil {
		return false, err
	}
	m.step++
	return m.update(ctx)
}

// TrainEpoch trains until the input layers report the end of the epoch.
func (m *Model) TrainEpoch(ctx context.Context) (EpochStats, error) {
	m.setMode(layer.Training)
	steps := 0
	for {
		done, err := m.TrainStep(ctx)
		if err != nil {
			return EpochStats{}, err
		}
		steps++
		if done {
			break
		}
	}
	m.epoch++
	return m.finishEpoch(ctx, layer.Training, steps)
}

// Train runs epochs training epochs.
func (m *Model) Train(ctx context.Context, epochs int) ([]EpochStats, error) {
	stats := make([]EpochStats, 0, epochs)
	for range epochs {
		s, err := m.TrainEpoch(ctx)
		if err != nil {
			return stats, err
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// Evaluate runs forward propagation over one epoch in testing mode
// without changing any parameter.
func (m *Model) Evaluate(ctx context.Context) (EpochStats, error) {
	if !m.ready {
		return EpochStats{}, fmt.Errorf("%w: model", layer.ErrNotSetup)
	}
	if m.reader != nil {
		m.reader.Reset()
	}
	m.setMode(layer.Testing)
	defer m.setMode(layer.Training)
	steps := 0
	for {
		if err := m.forward(ctx); err != nil {
			return EpochStats{}, err
		}
		steps++
		done, err := m.update(ctx)
		if err != nil {
			return EpochStats{}, err
		}
		if done {
			break
		}
	}
	return m.finishEpoch(ctx, layer.Testing, steps)
}

func (m *Model) finishEpoch(ctx context.Context, mode layer.ExecutionMode, steps int) (EpochStats, error) {
	s := EpochStats{Epoch: m.epoch, Mode: mode, Steps: steps}
	if m.metrics != nil {
		s.Loss, s.Accuracy, s.Samples = m.metrics.Loss(), m.metrics.Accuracy(), m.metrics.Samples()
	}
	for _, l := range m.layers {
		if err := l.EpochPrint(ctx); err != nil {
			return s, err
		}
	}
	for _, l := range m.layers {
		l.EpochReset()
	}
	return s, nil
}

// Summarize records every layer's statistics at the current step.
func (m *Model) Summarize(ctx context.Context, s *summary.Summarizer) error {
	for _, l := range m.layers {
		if err := l.Summarize(ctx, s, m.step); err != nil {
			return err
		}
	}
	return nil
}

// ResetCounters zeroes every layer's timings.
func (m *Model) ResetCounters() {
	for _, l := range m.layers {
		l.ResetCounters()
	}
}

// SaveCheckpoint writes every layer to w in shared mode. Only rank 0
// needs a writer. It is a collective.
func (m *Model) SaveCheckpoint(ctx context.Context, w io.Writer) error {
	p := checkpoint.NewPersistWriter(m.group, w)
	for _, l := range m.layers {
		if err := l.SaveToCheckpointShared(ctx, p); err != nil {
			return err
		}
	}
	m.logger.Debug("checkpoint saved", "bytes", p.Bytes())
	return nil
}

// LoadCheckpoint restores every layer from r, setting the model up first
// if needed. Only rank 0 needs a reader. It is a collective.
func (m *Model) LoadCheckpoint(ctx context.Context, r io.Reader) error {
	if !m.ready {
		m.link()
	}
	p := checkpoint.NewPersistReader(m.group, r)
	for _, l := range m.layers {
		if err := l.LoadFromCheckpointShared(ctx, p); err != nil {
			return err
		}
	}
	if !m.ready {
		if err := m.wire(); err != nil {
			return err
		}
	}
	m.logger.Debug("checkpoint loaded", "bytes", p.Bytes())
	return nil
}

// Close releases device memory held by the layers.
func (m *Model) Close() {
	for _, l := range m.layers {
		l.Close()
	}
	m.ready = false
}
