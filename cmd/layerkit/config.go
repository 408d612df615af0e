package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/kinds"
	"github.com/born-ml/layerkit/internal/layer"
	"github.com/born-ml/layerkit/internal/model"
	"github.com/born-ml/layerkit/internal/optim"
	"gopkg.in/yaml.v3"
)

// RunConfig describes a training run.
type RunConfig struct {
	Ranks     int    `yaml:"ranks"`
	Epochs    int    `yaml:"epochs"`
	Minibatch int    `yaml:"minibatch"`
	Seed      uint64 `yaml:"seed"`
	Shuffle   bool   `yaml:"shuffle"`

	Data struct {
		// Format is "synthetic" (default), "idx" or "csv".
		Format   string  `yaml:"format"`
		Samples  int     `yaml:"samples"`
		Features int     `yaml:"features"`
		Classes  int     `yaml:"classes"`
		Images   string  `yaml:"images"` // idx
		Labels   string  `yaml:"labels"` // idx
		Path     string  `yaml:"path"`   // csv
		Limit    int     `yaml:"limit"`
		Scale    float64 `yaml:"scale"` // csv feature divisor
	} `yaml:"data"`

	Hidden     []int   `yaml:"hidden"`
	Activation string  `yaml:"activation"`
	KeepProb   float64 `yaml:"keep_prob"`

	// Device is "" for the host, "sim" or "webgpu".
	Device  string `yaml:"device"`
	Devices int    `yaml:"devices"` // simulated devices per rank

	Optimizer  optim.Spec `yaml:"optimizer"`
	Checkpoint string     `yaml:"checkpoint"`
	Summary    bool       `yaml:"summary"`
}

// DefaultRunConfig returns a small single-rank run.
func DefaultRunConfig() RunConfig {
	var c RunConfig
	c.Ranks = 1
	c.Epochs = 5
	c.Minibatch = 32
	c.Seed = 1
	c.Shuffle = true
	c.Data.Samples = 512
	c.Data.Features = 8
	c.Data.Classes = 3
	c.Hidden = []int{16}
	c.Activation = "relu"
	c.KeepProb = 1
	c.Devices = 2
	c.Optimizer = optim.Spec{Kind: "adam", LR: 0.01}
	return c
}

// LoadRunConfig reads a YAML run description over the defaults.
func LoadRunConfig(path string) (RunConfig, error) {
	c := DefaultRunConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, c.Validate()
}

// Validate checks the run sizes.
func (c RunConfig) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("ranks", c.Ranks)
	positive("epochs", c.Epochs)
	positive("minibatch", c.Minibatch)
	switch c.Data.Format {
	case "", "synthetic":
		positive("data.samples", c.Data.Samples)
		positive("data.features", c.Data.Features)
		positive("data.classes", c.Data.Classes)
	case "idx":
		if c.Data.Images == "" || c.Data.Labels == "" {
			errs = append(errs, errors.New("idx data needs data.images and data.labels"))
		}
	case "csv":
		if c.Data.Path == "" {
			errs = append(errs, errors.New("csv data needs data.path"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown data format %q", c.Data.Format))
	}
	for i, h := range c.Hidden {
		positive(fmt.Sprintf("hidden[%d]", i), h)
	}
	if c.KeepProb <= 0 || c.KeepProb > 1 {
		errs = append(errs, fmt.Errorf("keep_prob must be in (0, 1], got %g", c.KeepProb))
	}
	if _, err := device.ParseOp(c.Activation); err != nil {
		errs = append(errs, err)
	}
	switch c.Device {
	case "", "webgpu":
	case "sim":
		positive("devices", c.Devices)
	default:
		errs = append(errs, fmt.Errorf("unknown device %q", c.Device))
	}
	if _, err := optim.NewFactory(c.Optimizer); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Dataset loads the configured data and records its sizes in c.
func (c *RunConfig) Dataset() (kinds.Dataset, error) {
	var (
		ds  *kinds.Memory
		err error
	)
	switch c.Data.Format {
	case "idx":
		ds, err = kinds.OpenIDX(c.Data.Images, c.Data.Labels, c.Data.Classes, c.Data.Limit)
	case "csv":
		ds, err = kinds.OpenCSV(c.Data.Path, c.Data.Classes, c.Data.Limit, c.Data.Scale)
	default:
		ds = kinds.Synthetic(c.Data.Samples, c.Data.Features, c.Data.Classes, c.Seed)
	}
	if err != nil {
		return nil, err
	}
	c.Data.Samples, c.Data.Features, c.Data.Classes = ds.Len(), ds.NumFeatures(), ds.NumClasses()
	return ds, nil
}

// Layers builds the layer chain: input, hidden blocks of fully connected,
// activation and optional dropout, then the classifier and its target.
func (c RunConfig) Layers() []model.LayerConfig {
	op, _ := device.ParseOp(c.Activation)
	gpus := c.Device != ""
	layers := []model.LayerConfig{{
		Name: "data",
		Spec: kinds.Spec{Type: layer.InputDistributedMinibatch, Neurons: c.Data.Features},
	}}
	seed := c.Seed
	for i, h := range c.Hidden {
		seed++
		layers = append(layers,
			model.LayerConfig{
				Name: fmt.Sprintf("fc%d", i+1),
				Spec: kinds.Spec{Type: layer.FullyConnected, Neurons: h, Seed: seed, Optimizer: c.Optimizer},
			},
			model.LayerConfig{
				Name:    fmt.Sprintf("act%d", i+1),
				UseGPUs: gpus,
				Spec:    kinds.Spec{Type: layer.Activation, Neurons: h, Activation: op},
			})
		if c.KeepProb < 1 {
			layers = append(layers, model.LayerConfig{
				Name: fmt.Sprintf("drop%d", i+1),
				Spec: kinds.Spec{Type: layer.Dropout, Neurons: h, KeepProb: c.KeepProb, Seed: seed},
			})
		}
	}
	return append(layers,
		model.LayerConfig{
			Name: "logits",
			Spec: kinds.Spec{Type: layer.FullyConnected, Neurons: c.Data.Classes, Seed: seed + 1, Optimizer: c.Optimizer},
		},
		model.LayerConfig{Name: "prob", Spec: kinds.Spec{Type: layer.Softmax, Neurons: c.Data.Classes}},
		model.LayerConfig{
			Name: "loss",
			Spec: kinds.Spec{Type: layer.TargetDistributedMinibatch, Neurons: c.Data.Classes, Loss: kinds.CrossEntropy},
		})
}
