// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package layer

import (
	"context"

	"github.com/born-ml/layerkit/internal/comm"
	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/dist"
	"github.com/born-ml/layerkit/internal/kinds"
	"github.com/born-ml/layerkit/internal/layer"
	"github.com/born-ml/layerkit/internal/model"
)

// Layer is one stage of the pipeline.
type Layer = layer.Layer

// Config describes a layer.
type Config = layer.Config

// Kernel is the per-kind computation run by a Layer. See the hook
// interfaces for the methods a kernel may implement.
type Kernel = layer.Kernel

// Pass carries the views a kernel computes on.
type Pass = layer.Pass

// State is a named matrix persisted with the layer.
type State = layer.State

// ConfigError reports an invalid layer configuration.
type ConfigError = layer.ConfigError

// Errors returned by layers.
var (
	ErrConfiguration = layer.ErrConfiguration
	ErrResource      = layer.ErrResource
	ErrTransfer      = layer.ErrTransfer
	ErrCheckpoint    = layer.ErrCheckpoint
	ErrNotSetup      = layer.ErrNotSetup
)

// New creates a layer running kernel k on group g. devices may be nil.
func New(cfg Config, g Group, k Kernel, devices *DeviceManager) (*Layer, error) {
	return layer.New(cfg, g, k, devices)
}

// Type identifies a layer kind.
type Type = layer.Type

// Layer kinds.
const (
	FullyConnected                       = layer.FullyConnected
	Convolution                          = layer.Convolution
	Softmax                              = layer.Softmax
	Activation                           = layer.Activation
	Pooling                              = layer.Pooling
	LocalResponseNormalization           = layer.LocalResponseNormalization
	Dropout                              = layer.Dropout
	BatchNormalization                   = layer.BatchNormalization
	InputDistributedMinibatch            = layer.InputDistributedMinibatch
	InputDistributedMinibatchParallelIO  = layer.InputDistributedMinibatchParallelIO
	InputPartitionedMinibatchParallelIO  = layer.InputPartitionedMinibatchParallelIO
	TargetDistributedMinibatch           = layer.TargetDistributedMinibatch
	TargetDistributedMinibatchParallelIO = layer.TargetDistributedMinibatchParallelIO
	TargetPartitionedMinibatchParallelIO = layer.TargetPartitionedMinibatchParallelIO
	Reconstruction                       = layer.Reconstruction
)

// ParseType maps a layer kind name to its Type.
func ParseType(s string) (Type, error) { return layer.ParseType(s) }

// Category is the broad class a layer kind belongs to.
type Category = layer.Category

// CategoryOf returns the category of t.
func CategoryOf(t Type) (Category, error) { return layer.CategoryOf(t) }

// ExecutionMode is the phase a layer is run in.
type ExecutionMode = layer.ExecutionMode

// Execution modes.
const (
	Training   = layer.Training
	Validation = layer.Validation
	Testing    = layer.Testing
	Prediction = layer.Prediction
)

// Layout is the distribution of a matrix over the ranks of a group.
type Layout = dist.Layout

// Layouts.
const (
	ModelParallel = dist.ModelParallel
	DataParallel  = dist.DataParallel
)

// Group is the set of ranks a layer is distributed over.
type Group = comm.Group

// Self returns the single-rank group.
func Self() Group { return comm.Self() }

// Run starts n in-process ranks and calls fn on each with its group.
func Run(ctx context.Context, n int, fn func(ctx context.Context, g Group) error) error {
	return comm.Run(ctx, n, fn)
}

// DeviceManager holds the accelerators available to layers.
type DeviceManager = device.Manager

// NewSimManager returns a manager over n simulated devices.
func NewSimManager(n int) *DeviceManager { return device.NewSimManager(n, device.SimConfig{}) }

// Op is an element-wise activation.
type Op = device.Op

// Activations.
const (
	Identity = device.Identity
	ReLU     = device.ReLU
	Sigmoid  = device.Sigmoid
	Tanh     = device.Tanh
)

// Spec configures the kernel of one layer.
type Spec = kinds.Spec

// Loss selects a target objective.
type Loss = kinds.Loss

// Objectives.
const (
	CrossEntropy = kinds.CrossEntropy
	MeanSquared  = kinds.MeanSquared
)

// Registry maps layer kinds to kernel builders.
type Registry = kinds.Registry

// NewRegistry returns a registry holding every built-in kernel.
func NewRegistry() *Registry { return kinds.NewRegistry() }

// Dataset is an in-memory labelled sample source.
type Dataset = kinds.Dataset

// Reader walks a dataset in mini-batches.
type Reader = kinds.Reader

// NewReader returns a reader over ds. With shuffle set the order is
// permuted every epoch from seed.
func NewReader(ds Dataset, batch int, shuffle bool, seed uint64) (*Reader, error) {
	return kinds.NewReader(ds, batch, shuffle, seed)
}

// Synthetic returns n samples drawn around one random centre per class.
func Synthetic(n, features, classes int, seed uint64) Dataset {
	return kinds.Synthetic(n, features, classes, seed)
}

// OpenIDX reads an IDX image file and its label file (the MNIST layout)
// with pixels scaled to [0, 1]. classes of 0 is taken from the labels and
// a positive limit caps the number of samples.
func OpenIDX(images, labels string, classes, limit int) (Dataset, error) {
	ds, err := kinds.OpenIDX(images, labels, classes, limit)
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// OpenCSV reads "label,features..." rows after a header line, dividing
// features by scale when it is positive.
func OpenCSV(path string, classes, limit int, scale float64) (Dataset, error) {
	ds, err := kinds.OpenCSV(path, classes, limit, scale)
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// Model is a chain of layers.
type Model = model.Model

// ModelConfig configures a Model.
type ModelConfig = model.Config

// LayerConfig describes one layer of a model.
type LayerConfig = model.LayerConfig

// EpochStats summarises one pass over the data.
type EpochStats = model.EpochStats

// NewModel builds the layers described by specs on group g.
func NewModel(cfg ModelConfig, g Group, specs []LayerConfig) (*Model, error) {
	return model.New(cfg, g, specs)
}
