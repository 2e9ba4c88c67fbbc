package nn

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// Conv2D is a 2D convolutional layer with a square kernel.
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [out_channels, in_channels, kernel, kernel]
// Bias shape:   [out_channels] or absent
// Output shape: [batch, out_channels, out_h, out_w]
//
// Where:
//
//	out_h = (height + 2*padding - kernel) / stride + 1
//	out_w = (width + 2*padding - kernel) / stride + 1
//
// Example:
//
//	// ResNet stem: 3 -> 64 channels, 7x7 kernel, stride 2, padding 3, no bias
//	conv := nn.NewConv2D("conv1", 3, 64, 7, 2, 3, false, backend, src)
//	output := conv.Forward(input) // [N, 64, 112, 112] for 224x224 input
type Conv2D struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     int

	weight *Parameter // [out_channels, in_channels, kernel, kernel]
	bias   *Parameter // [out_channels] or nil

	backend tensor.Backend
}

// NewConv2D creates a new 2D convolutional layer named name.
//
// Parameters:
//   - name: Qualified layer name; parameters become name+".weight"/".bias"
//   - inChannels, outChannels: Channel counts
//   - kernelSize: Square kernel extent
//   - stride, padding: Window stride and zero padding
//   - useBias: Whether to include a bias term
//   - backend: Backend for computation
//   - src: Random source for weight initialization
//
// Initialization:
//   - Weights: He normal (fan-out)
//   - Bias: Zeros
func NewConv2D(
	name string,
	inChannels, outChannels int,
	kernelSize, stride, padding int,
	useBias bool,
	backend tensor.Backend,
	src rand.Source,
) *Conv2D {
	if inChannels <= 0 || outChannels <= 0 {
		panic(fmt.Sprintf("conv2d %s: invalid channels in=%d, out=%d", name, inChannels, outChannels))
	}
	if kernelSize <= 0 {
		panic(fmt.Sprintf("conv2d %s: invalid kernel size %d", name, kernelSize))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("conv2d %s: invalid stride %d", name, stride))
	}
	if padding < 0 {
		panic(fmt.Sprintf("conv2d %s: invalid padding %d", name, padding))
	}

	weightShape := tensor.Shape{outChannels, inChannels, kernelSize, kernelSize}
	fanOut := outChannels * kernelSize * kernelSize
	weight := NewParameter(join(name, "weight"), HeNormal(fanOut, weightShape, src))

	var bias *Parameter
	if useBias {
		bias = NewParameter(join(name, "bias"), tensor.Zeros(tensor.Shape{outChannels}))
	}

	return &Conv2D{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		weight:      weight,
		bias:        bias,
		backend:     backend,
	}
}

// Forward performs the forward pass.
//
// Input: [batch, in_channels, height, width]
// Output: [batch, out_channels, out_h, out_w].
func (c *Conv2D) Forward(input *tensor.Tensor) *tensor.Tensor {
	if input.Rank() != 4 {
		panic(fmt.Sprintf("conv2d: expected 4D input [N,C,H,W], got %dD", input.Rank()))
	}
	if input.Dim(1) != c.inChannels {
		panic(fmt.Sprintf("conv2d: expected %d input channels, got %d", c.inChannels, input.Dim(1)))
	}

	var bias *tensor.Tensor
	if c.bias != nil {
		bias = c.bias.Tensor()
	}
	return c.backend.Conv2D(input, c.weight.Tensor(), bias, c.stride, c.padding)
}

// Parameters returns the weight and, if present, the bias.
func (c *Conv2D) Parameters() []*Parameter {
	if c.bias != nil {
		return []*Parameter{c.weight, c.bias}
	}
	return []*Parameter{c.weight}
}

// Weight returns the weight parameter.
func (c *Conv2D) Weight() *Parameter {
	return c.weight
}

// Bias returns the bias parameter, or nil.
func (c *Conv2D) Bias() *Parameter {
	return c.bias
}

// OutChannels returns the number of filters.
func (c *Conv2D) OutChannels() int {
	return c.outChannels
}

// String returns a string representation of the layer.
func (c *Conv2D) String() string {
	return fmt.Sprintf("Conv2D(%d, %d, kernel=%d, stride=%d, padding=%d, bias=%v)",
		c.inChannels, c.outChannels, c.kernelSize, c.stride, c.padding, c.bias != nil)
}
