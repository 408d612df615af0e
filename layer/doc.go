// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package layer provides the distributed layer execution core.
//
// # Overview
//
// A Layer is one stage of a training pipeline. It owns its activation and
// error-signal buffers, each split across the ranks of a process group in
// a model-parallel (rows) or data-parallel (columns) layout, and runs a
// Kernel through forward propagation, backward propagation and update.
// Partial mini-batches are handled through views over the active columns,
// element-wise kernels may run on accelerators, and every layer can be
// saved to and restored from a checkpoint.
//
// A Model chains layers, wires neighbours together and trains them.
//
// # Basic Usage
//
//	ds := layer.Synthetic(1024, 8, 3, 1)
//	reader, _ := layer.NewReader(ds, 32, true, 1)
//	adam := optim.Spec{Kind: "adam", LR: 0.01}
//
//	m, err := layer.NewModel(layer.ModelConfig{Reader: reader}, layer.Self(), []layer.LayerConfig{
//	    {Spec: layer.Spec{Type: layer.InputDistributedMinibatch, Neurons: 8}},
//	    {Spec: layer.Spec{Type: layer.FullyConnected, Neurons: 3, Optimizer: adam}},
//	    {Spec: layer.Spec{Type: layer.Softmax, Neurons: 3}},
//	    {Spec: layer.Spec{Type: layer.TargetDistributedMinibatch, Neurons: 3}},
//	})
//	if err != nil {
//	    return err
//	}
//	if err := m.Setup(ctx); err != nil {
//	    return err
//	}
//	stats, err := m.Train(ctx, 10)
//
// # Multiple ranks
//
// Run starts one goroutine per rank, each with its own Group; every rank
// builds the same model and the layers exchange data through the group.
//
//	err := layer.Run(ctx, 4, func(ctx context.Context, g layer.Group) error {
//	    m, err := layer.NewModel(cfg, g, layers)
//	    ...
//	})
package layer
