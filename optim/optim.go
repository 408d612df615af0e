// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package optim

import "github.com/born-ml/layerkit/internal/optim"

// Optimizer updates one parameter matrix from its gradient.
type Optimizer = optim.Optimizer

// State is a named internal buffer of an optimizer.
type State = optim.State

// Factory creates optimizers of one configuration.
type Factory = optim.Factory

// Spec selects and configures an optimizer by name.
type Spec = optim.Spec

// ErrShape is returned when a gradient does not match its parameter.
var ErrShape = optim.ErrShape

// NewFactory returns a factory for the optimizer described by s.
func NewFactory(s Spec) (Factory, error) { return optim.NewFactory(s) }

// SGD (Stochastic Gradient Descent)

// SGD represents the SGD optimizer.
type SGD = optim.SGD

// SGDConfig contains configuration for the SGD optimizer.
type SGDConfig = optim.SGDConfig

// NewSGD creates a new SGD optimizer.
//
// Example:
//
//	opt := optim.NewSGD(optim.SGDConfig{LR: 0.01, Momentum: 0.9, Nesterov: true})
//	opt.Setup(10, 784)
func NewSGD(config SGDConfig) *SGD { return optim.NewSGD(config) }

// Adagrad

// Adagrad represents the Adagrad optimizer.
type Adagrad = optim.Adagrad

// AdagradConfig contains configuration for the Adagrad optimizer.
type AdagradConfig = optim.AdagradConfig

// NewAdagrad creates a new Adagrad optimizer.
func NewAdagrad(config AdagradConfig) *Adagrad { return optim.NewAdagrad(config) }

// RMSProp

// RMSProp represents the RMSProp optimizer.
type RMSProp = optim.RMSProp

// RMSPropConfig contains configuration for the RMSProp optimizer.
type RMSPropConfig = optim.RMSPropConfig

// NewRMSProp creates a new RMSProp optimizer.
func NewRMSProp(config RMSPropConfig) *RMSProp { return optim.NewRMSProp(config) }

// Adam (Adaptive Moment Estimation)

// Adam represents the Adam optimizer.
type Adam = optim.Adam

// AdamConfig contains configuration for the Adam optimizer.
type AdamConfig = optim.AdamConfig

// NewAdam creates a new Adam optimizer with bias correction.
//
// Example:
//
//	opt := optim.NewAdam(optim.AdamConfig{LR: 0.001})
//	opt.Setup(10, 784)
//	for step := range steps {
//	    if err := opt.Update(weights, grads[step]); err != nil {
//	        return err
//	    }
//	}
func NewAdam(config AdamConfig) *Adam { return optim.NewAdam(config) }
