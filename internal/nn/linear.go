package nn

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// Linear implements a fully connected layer: y = x @ W.T + b.
//
// Weight shape: [out_features, in_features]
// Bias shape: [out_features]
//
// Example:
//
//	fc := nn.NewLinear("fc", 2048, 2048, backend, src)
//	output := fc.Forward(input) // [batch, 2048] -> [batch, 2048]
type Linear struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter
	bias        *Parameter
	backend     tensor.Backend
}

// NewLinear creates a fully connected layer named name.
//
// Weights and bias are drawn from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(name string, inFeatures, outFeatures int, backend tensor.Backend, src rand.Source) *Linear {
	if inFeatures <= 0 || outFeatures <= 0 {
		panic(fmt.Sprintf("linear %s: invalid features in=%d, out=%d", name, inFeatures, outFeatures))
	}
	bound := 1 / math.Sqrt(float64(inFeatures))
	return &Linear{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      NewParameter(join(name, "weight"), Uniform(bound, tensor.Shape{outFeatures, inFeatures}, src)),
		bias:        NewParameter(join(name, "bias"), Uniform(bound, tensor.Shape{outFeatures}, src)),
		backend:     backend,
	}
}

// Forward computes the affine map.
//
// Input: [batch_size, in_features]
// Output: [batch_size, out_features].
func (l *Linear) Forward(input *tensor.Tensor) *tensor.Tensor {
	if input.Rank() != 2 || input.Dim(1) != l.inFeatures {
		panic(fmt.Sprintf("linear: expected [N,%d], got %v", l.inFeatures, input.Shape()))
	}
	return l.backend.Linear(input, l.weight.Tensor(), l.bias.Tensor())
}

// Parameters returns weight and bias.
func (l *Linear) Parameters() []*Parameter {
	return []*Parameter{l.weight, l.bias}
}

// OutFeatures returns the output dimension.
func (l *Linear) OutFeatures() int {
	return l.outFeatures
}

// L2Norm scales every row of a [N, D] input to unit Euclidean length.
// Rows with norm below eps are divided by eps instead.
type L2Norm struct {
	eps     float32
	backend tensor.Backend
}

// NewL2Norm creates a row-wise L2 normalization module.
func NewL2Norm(eps float32, backend tensor.Backend) *L2Norm {
	return &L2Norm{eps: eps, backend: backend}
}

// Forward normalizes each row.
func (n *L2Norm) Forward(input *tensor.Tensor) *tensor.Tensor {
	return n.backend.L2Normalize(input, n.eps)
}

// Parameters returns an empty slice.
func (n *L2Norm) Parameters() []*Parameter {
	return []*Parameter{}
}

// Flatten collapses all dimensions from axis onwards.
type Flatten struct {
	axis    int
	backend tensor.Backend
}

// NewFlatten creates a flatten module.
func NewFlatten(axis int, backend tensor.Backend) *Flatten {
	return &Flatten{axis: axis, backend: backend}
}

// Forward reshapes to 2D.
func (f *Flatten) Forward(input *tensor.Tensor) *tensor.Tensor {
	return f.backend.Flatten(input, f.axis)
}

// Parameters returns an empty slice.
func (f *Flatten) Parameters() []*Parameter {
	return []*Parameter{}
}
