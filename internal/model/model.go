// Package model builds the ResNet-101 image-embedding network: a residual
// backbone of bottleneck blocks followed by generalized-mean pooling, a
// linear projection and L2 normalization.
//
// Parameter names follow the PyTorch state_dict layout of the trained
// network ("conv1.weight", "layer3.22.bn2.running_var", "gem.p",
// "fc.bias"), so a renamed checkpoint maps onto a built Model by name.
package model

import (
	"fmt"
	"sort"

	"golang.org/x/exp/rand"

	"github.com/fragrancelog/embedexport/internal/nn"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// Names of the input normalization constants. They are part of the graph
// but not of the checkpoint.
const (
	MeanConstant = "normalize.mean"
	StdConstant  = "normalize.std"
)

// Model is the embedding network. It is evaluation-only: after weights are
// loaded it is never mutated.
type Model struct {
	cfg     Config
	backend tensor.Backend

	mean, std *tensor.Tensor // [1, C, 1, 1]

	conv1   *nn.Conv2D
	bn1     *nn.BatchNorm2D
	relu    *nn.ReLU
	maxpool *nn.MaxPool2D
	layers  []*nn.Sequential // layer1..layerN
	gem     *nn.GeM
	flatten *nn.Flatten
	fc      *nn.Linear
	norm    *nn.L2Norm

	params []*nn.Parameter
	index  map[string]*nn.Parameter
}

// Build constructs the network described by cfg on the given backend.
//
// Weights are initialized from cfg.Seed. Returns an error if the
// configuration is inconsistent.
func Build(cfg Config, backend tensor.Backend) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}

	src := rand.NewSource(cfg.Seed)
	c := cfg.InChannels
	m := &Model{
		cfg:     cfg,
		backend: backend,
		mean:    tensor.FromSlice(append([]float32(nil), cfg.Mean...), tensor.Shape{1, c, 1, 1}),
		std:     tensor.FromSlice(append([]float32(nil), cfg.Std...), tensor.Shape{1, c, 1, 1}),
		conv1:   nn.NewConv2D("conv1", c, cfg.StemChannels, 7, 2, 3, false, backend, src),
		bn1:     nn.NewBatchNorm2D("bn1", cfg.StemChannels, cfg.BNEps, backend),
		relu:    nn.NewReLU(backend),
		maxpool: nn.NewMaxPool2D(3, 2, 1, backend),
	}
	for i, sc := range cfg.Stages {
		m.layers = append(m.layers, newStage(fmt.Sprintf("layer%d", i+1), sc, cfg.BNEps, backend, src))
	}
	m.gem = nn.NewGeM("gem", cfg.GeMP, cfg.GeMEps, backend)
	m.flatten = nn.NewFlatten(1, backend)
	m.fc = nn.NewLinear("fc", cfg.FeatureDim(), cfg.OutputDim, backend, src)
	m.norm = nn.NewL2Norm(cfg.L2Eps, backend)

	m.collect()
	return m, nil
}

func (m *Model) collect() {
	mods := []nn.Module{m.conv1, m.bn1}
	for _, l := range m.layers {
		mods = append(mods, l)
	}
	mods = append(mods, m.gem, m.fc)

	m.index = make(map[string]*nn.Parameter)
	for _, mod := range mods {
		for _, p := range mod.Parameters() {
			if _, dup := m.index[p.Name()]; dup {
				panic(fmt.Sprintf("model: duplicate parameter name %q", p.Name()))
			}
			m.params = append(m.params, p)
			m.index[p.Name()] = p
		}
	}
}

// Forward computes embeddings for a batch of images.
//
// Input: [N, C, H, W] raw RGB values. Output: [N, OutputDim] with unit L2
// norm per row.
func (m *Model) Forward(x *tensor.Tensor) *tensor.Tensor {
	if x.Rank() != 4 || x.Dim(1) != m.cfg.InChannels {
		panic(fmt.Sprintf("model: expected input [N,%d,H,W], got %v", m.cfg.InChannels, x.Shape()))
	}

	x = m.backend.Div(m.backend.Sub(x, m.mean), m.std)

	x = m.conv1.Forward(x)
	x = m.bn1.Forward(x)
	x = m.relu.Forward(x)
	x = m.maxpool.Forward(x)

	for _, layer := range m.layers {
		x = layer.Forward(x)
	}

	x = m.gem.Forward(x)
	x = m.flatten.Forward(x)
	x = m.fc.Forward(x)
	return m.norm.Forward(x)
}

// Config returns the configuration the model was built from.
func (m *Model) Config() Config {
	return m.cfg
}

// Parameters returns all parameters and buffers in state_dict order.
func (m *Model) Parameters() []*nn.Parameter {
	return m.params
}

// Parameter looks up a parameter by its qualified name.
func (m *Model) Parameter(name string) (*nn.Parameter, bool) {
	p, ok := m.index[name]
	return p, ok
}

// ParameterNames returns every qualified parameter name, sorted.
func (m *Model) ParameterNames() []string {
	names := make([]string, 0, len(m.index))
	for name := range m.index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StateDict returns name -> tensor for every parameter and buffer.
// The tensors are the live ones, not copies.
func (m *Model) StateDict() map[string]*tensor.Tensor {
	sd := make(map[string]*tensor.Tensor, len(m.params))
	for _, p := range m.params {
		sd[p.Name()] = p.Tensor()
	}
	return sd
}

// Constants returns the named non-parameter tensors the forward pass reads.
func (m *Model) Constants() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		MeanConstant: m.mean,
		StdConstant:  m.std,
	}
}

// Stage returns stage i (0-based) for inspection.
func (m *Model) Stage(i int) *nn.Sequential {
	return m.layers[i]
}

// NumParameters returns the total number of scalar values in learnable
// parameters, excluding buffers.
func (m *Model) NumParameters() int {
	n := 0
	for _, p := range m.params {
		if !p.Buffer() {
			n += p.Tensor().NumElements()
		}
	}
	return n
}
