// Package kinds provides the layer kernels: the per-kind math plugged into
// a layer.Layer.
//
// Kernels are built from a Spec through a Registry keyed on layer.Type, so
// a model description can name its layers by type alone.
package kinds

import (
	"context"
	"fmt"
	"sort"

	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/dist"
	"github.com/born-ml/layerkit/internal/layer"
	"github.com/born-ml/layerkit/internal/optim"
	"gonum.org/v1/gonum/mat"
)

// Spec configures one kernel. Fields that do not apply to a kind are
// ignored.
type Spec struct {
	Type    layer.Type
	Neurons int

	Layout     dist.Layout // Activation and Dropout; other kinds fix their layout
	Activation device.Op   // Activation
	KeepProb   float64     // Dropout, in (0, 1]
	Loss       Loss        // Target
	Seed       uint64      // FullyConnected initialisation, Dropout masks
	Optimizer  optim.Spec  // FullyConnected
	Reader     *Reader     // Input and Target
}

// Builder creates a kernel from a Spec.
type Builder func(s Spec) (layer.Kernel, error)

// Registry maps layer types to kernel builders.
type Registry struct {
	builders map[layer.Type]Builder
}

// NewRegistry returns a registry holding every kernel of this package.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[layer.Type]Builder)}
	r.Register(layer.FullyConnected, func(s Spec) (layer.Kernel, error) { return NewFullyConnected(s) })
	r.Register(layer.Activation, func(s Spec) (layer.Kernel, error) { return NewActivation(s), nil })
	r.Register(layer.Softmax, func(s Spec) (layer.Kernel, error) { return NewSoftmax(s), nil })
	r.Register(layer.Dropout, func(s Spec) (layer.Kernel, error) { return NewDropout(s) })
	for _, t := range []layer.Type{
		layer.InputDistributedMinibatch,
		layer.InputDistributedMinibatchParallelIO,
		layer.InputPartitionedMinibatchParallelIO,
	} {
		r.Register(t, func(s Spec) (layer.Kernel, error) { return NewInput(s) })
	}
	for _, t := range []layer.Type{
		layer.TargetDistributedMinibatch,
		layer.TargetDistributedMinibatchParallelIO,
		layer.TargetPartitionedMinibatchParallelIO,
		layer.Reconstruction,
	} {
		r.Register(t, func(s Spec) (layer.Kernel, error) { return NewTarget(s) })
	}
	return r
}

// Register sets the builder for t, replacing any previous one.
func (r *Registry) Register(t layer.Type, b Builder) {
	r.builders[t] = b
}

// Build creates the kernel for s.Type.
func (r *Registry) Build(s Spec) (layer.Kernel, error) {
	b, ok := r.builders[s.Type]
	if !ok {
		return nil, &layer.ConfigError{Layer: -1, Field: "type",
			Details: fmt.Sprintf("no kernel registered for %s", s.Type)}
	}
	return b(s)
}

// Types returns the registered layer types in enumeration order.
func (r *Registry) Types() []layer.Type {
	types := make([]layer.Type, 0, len(r.builders))
	for t := range r.builders {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// base holds what every kernel learns at setup.
type base struct {
	layer  *layer.Layer
	layout dist.Layout
}

// DataLayout implements layer.LayoutDeclarer.
func (b *base) DataLayout() dist.Layout { return b.layout }

// Setup implements layer.Initializer.
func (b *base) Setup(_ context.Context, l *layer.Layer) error {
	b.layer = l
	return nil
}

func (b *base) training() bool {
	return b.layer != nil && b.layer.ExecutionMode() == layer.Training
}

func configError(l *layer.Layer, field, format string, args ...any) error {
	return &layer.ConfigError{Layer: l.Index(), Field: field, Details: fmt.Sprintf(format, args...)}
}

// local returns the local shard of v, or nil for a missing view.
func local(v *dist.View) *mat.Dense {
	if v == nil {
		return nil
	}
	return v.Local()
}
