// Package config holds the hyperparameters of a model and loads them from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/sw965/infomatch/layer"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	OptimizerAdam     = "adam"
	OptimizerMomentum = "momentum"
)

type Config struct {
	// Coordinate predictor
	Act            string `yaml:"act"`
	UseBias        bool   `yaml:"use_bias"`
	Norm           string `yaml:"norm"`
	NumDownsamples int    `yaml:"num_downsamples"`
	NumResblocks   int    `yaml:"num_resblocks"`
	Base           int    `yaml:"base"`

	// Encoder and patch sampler
	NCELayers       []int  `yaml:"nce_layers"`
	Units           int    `yaml:"units"`
	NumPatches      int    `yaml:"num_patches"`
	BackboneWeights string `yaml:"backbone_weights"`

	// Training
	Temperature  float32 `yaml:"temperature"`
	Optimizer    string  `yaml:"optimizer"` // adam or momentum
	LearningRate float32 `yaml:"learning_rate"`
	Beta1        float32 `yaml:"beta1"`
	Beta2        float32 `yaml:"beta2"`
	Momentum     float32 `yaml:"momentum"`
	Seed         int64   `yaml:"seed"`
	Parallel     int     `yaml:"parallel"`
}

func Default() Config {
	return Config{
		Act:            "relu",
		UseBias:        true,
		Norm:           "instance",
		NumDownsamples: 2,
		NumResblocks:   9,
		Base:           64,
		NCELayers:      []int{1, 4, 8, 12, 16},
		Units:          256,
		NumPatches:     256,
		Temperature:    0.07,
		Optimizer:      OptimizerAdam,
		LearningRate:   2e-4,
		Beta1:          0.5,
		Beta2:          0.999,
		Momentum:       0.9,
		Seed:           1,
		Parallel:       runtime.NumCPU(),
	}
}

// Load overlays the YAML file at path on Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Activation() (layer.ActivationKind, error) {
	kind, err := layer.ParseActivation(c.Act)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return kind, nil
}

func (c *Config) NormKind() (layer.NormKind, error) {
	kind, err := layer.ParseNormKind(c.Norm)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return kind, nil
}

func (c *Config) Validate() error {
	if _, err := c.Activation(); err != nil {
		return err
	}
	if _, err := c.NormKind(); err != nil {
		return err
	}
	positive := []struct {
		name string
		v    int
	}{
		{"base", c.Base},
		{"units", c.Units},
		{"num_patches", c.NumPatches},
		{"parallel", c.Parallel},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.v)
		}
	}
	if c.NumDownsamples < 0 || c.NumResblocks < 0 {
		return fmt.Errorf("%w: num_downsamples and num_resblocks must not be negative", ErrInvalidConfig)
	}
	if len(c.NCELayers) == 0 {
		return fmt.Errorf("%w: nce_layers is empty", ErrInvalidConfig)
	}
	if c.Temperature <= 0 {
		return fmt.Errorf("%w: temperature must be positive, got %v", ErrInvalidConfig, c.Temperature)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be positive, got %v", ErrInvalidConfig, c.LearningRate)
	}
	switch c.Optimizer {
	case OptimizerAdam:
		if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
			return fmt.Errorf("%w: beta1 and beta2 must lie in [0, 1)", ErrInvalidConfig)
		}
	case OptimizerMomentum:
		if c.Momentum < 0 || c.Momentum >= 1 {
			return fmt.Errorf("%w: momentum must lie in [0, 1), got %v", ErrInvalidConfig, c.Momentum)
		}
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, c.Optimizer)
	}
	return nil
}
