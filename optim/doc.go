// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides the parameter update rules used by learning layers.
//
// # Overview
//
// This package contains:
//   - SGD: Stochastic Gradient Descent with momentum, Nesterov momentum and decay
//   - Adagrad: per-element learning rates from accumulated squared gradients
//   - RMSProp: Adagrad with an exponentially decaying cache
//   - Adam: Adaptive Moment Estimation with bias correction
//
// Every optimizer updates one gonum matrix in place and exposes its
// internal buffers through State, so checkpoints can persist them.
//
// # Basic Usage
//
//	factory, err := optim.NewFactory(optim.Spec{Kind: "adam", LR: 0.001})
//	if err != nil {
//	    return err
//	}
//	opt := factory()
//	opt.Setup(rows, cols)
//	err = opt.Update(weights, grad) // weights -= step(grad)
//
// Learning layers take a Spec and build one optimizer per parameter.
package optim
