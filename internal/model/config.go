package model

import (
	"errors"
	"fmt"
)

// StageConfig describes one residual stage.
type StageConfig struct {
	InChannels  int
	OutChannels int
	Blocks      int
	Stride      int
}

// Config is the immutable description of the network topology and its
// numeric constants. The builder never reads package-level state, so
// several differently configured models can coexist.
type Config struct {
	ImageSize    int
	InChannels   int
	StemChannels int
	Stages       []StageConfig
	OutputDim    int

	GeMP   float32
	GeMEps float32
	BNEps  float32
	L2Eps  float32

	// Per-channel input normalization applied inside Forward.
	Mean []float32
	Std  []float32

	// Seed for weight initialization of a freshly built model.
	Seed uint64
}

// ImageNet channel statistics.
var (
	imageNetMean = []float32{0.485, 0.456, 0.406}
	imageNetStd  = []float32{0.229, 0.224, 0.225}
)

// DefaultConfig returns the ResNet-101 topology with a GeM head and a
// 2048-dimensional embedding.
func DefaultConfig() Config {
	return Config{
		ImageSize:    224,
		InChannels:   3,
		StemChannels: 64,
		Stages: []StageConfig{
			{InChannels: 64, OutChannels: 256, Blocks: 3, Stride: 1},
			{InChannels: 256, OutChannels: 512, Blocks: 4, Stride: 2},
			{InChannels: 512, OutChannels: 1024, Blocks: 23, Stride: 2},
			{InChannels: 1024, OutChannels: 2048, Blocks: 3, Stride: 2},
		},
		OutputDim: 2048,
		GeMP:      3.0,
		GeMEps:    1e-6,
		BNEps:     1e-5,
		L2Eps:     1e-12,
		Mean:      append([]float32(nil), imageNetMean...),
		Std:       append([]float32(nil), imageNetStd...),
		Seed:      0,
	}
}

// Validate checks that adjacent layers line up.
func (c Config) Validate() error {
	var errs []error
	if c.ImageSize <= 0 {
		errs = append(errs, fmt.Errorf("image size must be positive, got %d", c.ImageSize))
	}
	if c.InChannels <= 0 || c.StemChannels <= 0 {
		errs = append(errs, fmt.Errorf("stem channels must be positive, got in=%d stem=%d", c.InChannels, c.StemChannels))
	}
	if len(c.Mean) != c.InChannels || len(c.Std) != c.InChannels {
		errs = append(errs, fmt.Errorf("mean/std need %d entries, got %d/%d", c.InChannels, len(c.Mean), len(c.Std)))
	}
	for i, s := range c.Std {
		if s == 0 {
			errs = append(errs, fmt.Errorf("std[%d] is zero", i))
		}
	}
	if len(c.Stages) == 0 {
		errs = append(errs, errors.New("at least one stage is required"))
	}

	prev := c.StemChannels
	for i, s := range c.Stages {
		name := fmt.Sprintf("layer%d", i+1)
		if s.InChannels != prev {
			errs = append(errs, fmt.Errorf("%s: input channels %d do not match previous output %d", name, s.InChannels, prev))
		}
		if s.OutChannels <= 0 || s.OutChannels%4 != 0 {
			errs = append(errs, fmt.Errorf("%s: output channels %d must be a positive multiple of 4", name, s.OutChannels))
		}
		if s.Blocks <= 0 {
			errs = append(errs, fmt.Errorf("%s: block count must be positive, got %d", name, s.Blocks))
		}
		if s.Stride <= 0 {
			errs = append(errs, fmt.Errorf("%s: stride must be positive, got %d", name, s.Stride))
		}
		prev = s.OutChannels
	}

	if c.OutputDim <= 0 {
		errs = append(errs, fmt.Errorf("output dim must be positive, got %d", c.OutputDim))
	}
	if c.GeMEps <= 0 || c.L2Eps <= 0 || c.BNEps < 0 {
		errs = append(errs, fmt.Errorf("eps values must be positive (gem=%g l2=%g bn=%g)", c.GeMEps, c.L2Eps, c.BNEps))
	}
	if c.GeMP == 0 {
		errs = append(errs, errors.New("gem exponent must be non-zero"))
	}
	return errors.Join(errs...)
}

// FeatureDim returns the channel count entering the pooling head.
func (c Config) FeatureDim() int {
	if len(c.Stages) == 0 {
		return c.StemChannels
	}
	return c.Stages[len(c.Stages)-1].OutChannels
}

// TinyConfig returns a two-stage miniature of the network with the same
// block structure, sized for tests and smoke runs.
func TinyConfig() Config {
	cfg := DefaultConfig()
	cfg.ImageSize = 32
	cfg.StemChannels = 8
	cfg.Stages = []StageConfig{
		{InChannels: 8, OutChannels: 16, Blocks: 1, Stride: 1},
		{InChannels: 16, OutChannels: 32, Blocks: 2, Stride: 2},
	}
	cfg.OutputDim = 8
	cfg.Seed = 1
	return cfg
}
