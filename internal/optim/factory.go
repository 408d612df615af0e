package optim

import (
	"fmt"
	"strings"
)

// Spec selects and configures an optimizer by name. Zero fields take the
// optimizer's defaults.
type Spec struct {
	Kind     string     `yaml:"kind"` // sgd, adagrad, rmsprop or adam
	LR       float64    `yaml:"lr"`
	Momentum float64    `yaml:"momentum"`
	Nesterov bool       `yaml:"nesterov"`
	Decay    float64    `yaml:"decay"`
	Betas    [2]float64 `yaml:"betas"`
	Eps      float64    `yaml:"eps"`
}

// NewFactory returns a Factory for s.
func NewFactory(s Spec) (Factory, error) {
	switch strings.ToLower(s.Kind) {
	case "", "sgd":
		cfg := SGDConfig{LR: s.LR, Momentum: s.Momentum, Decay: s.Decay, Nesterov: s.Nesterov}
		return func() Optimizer { return NewSGD(cfg) }, nil
	case "adagrad":
		cfg := AdagradConfig{LR: s.LR, Eps: s.Eps}
		return func() Optimizer { return NewAdagrad(cfg) }, nil
	case "rmsprop":
		cfg := RMSPropConfig{LR: s.LR, Decay: s.Decay, Eps: s.Eps}
		return func() Optimizer { return NewRMSProp(cfg) }, nil
	case "adam":
		cfg := AdamConfig{LR: s.LR, Betas: s.Betas, Eps: s.Eps}
		return func() Optimizer { return NewAdam(cfg) }, nil
	default:
		return nil, fmt.Errorf("optim: unknown optimizer %q", s.Kind)
	}
}
