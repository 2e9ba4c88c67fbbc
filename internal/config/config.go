// Package config holds the settings of a conversion run.
package config

import (
	"errors"
	"fmt"

	"github.com/fragrancelog/embedexport/internal/loader"
	"github.com/fragrancelog/embedexport/internal/model"
)

// Config captures every knob of a conversion run.
type Config struct {
	CheckpointPath string
	OutputPath     string

	// StateKey is the top-level checkpoint entry holding the weights.
	StateKey string

	Model model.Config

	// ExampleSeed seeds the standard-normal example input used for tracing
	// and validation.
	ExampleSeed uint64

	// Tolerance bounds the cross-engine max absolute difference.
	Tolerance float64

	// NoiseScale is the relative std of the perturbation sanity check.
	NoiseScale float64
	NoiseSeed  uint64

	Policy        loader.MismatchPolicy
	FuseBatchNorm bool
}

// Default returns the production run: the ResNet-101 GeM checkpoint in the
// working directory converted to resnet101_ap_gem.onnx.
func Default() *Config {
	return &Config{
		CheckpointPath: "Resnet-101-AP-GeM.pt",
		OutputPath:     "resnet101_ap_gem.onnx",
		StateKey:       loader.StateDictKey,
		Model:          model.DefaultConfig(),
		ExampleSeed:    0,
		Tolerance:      1e-4,
		NoiseScale:     0.01,
		NoiseSeed:      1,
		Policy:         loader.PolicyContinue,
		FuseBatchNorm:  true,
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.CheckpointPath == "" {
		return errors.New("checkpoint path must be set")
	}
	if c.OutputPath == "" {
		return errors.New("output path must be set")
	}
	if c.StateKey == "" {
		return errors.New("state key must be set")
	}
	if c.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be > 0 (got %g)", c.Tolerance)
	}
	if c.NoiseScale <= 0 {
		return fmt.Errorf("noise scale must be > 0 (got %g)", c.NoiseScale)
	}
	switch c.Policy {
	case loader.PolicyContinue, loader.PolicyAbort:
	default:
		return fmt.Errorf("unknown mismatch policy %v", c.Policy)
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	return nil
}
