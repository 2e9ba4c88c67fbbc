package nn

import (
	"fmt"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// MaxPool2D applies 2D max pooling with a square window.
//
// Max pooling has no learnable parameters. Padded border positions never
// contribute to the maximum.
//
// Example:
//
//	// ResNet stem pool: 3x3 window, stride 2, padding 1
//	pool := nn.NewMaxPool2D(3, 2, 1, backend)
//	output := pool.Forward(input) // [N, 64, 112, 112] -> [N, 64, 56, 56]
type MaxPool2D struct {
	kernelSize int
	stride     int
	padding    int
	backend    tensor.Backend
}

// NewMaxPool2D creates a new max pooling layer.
func NewMaxPool2D(kernelSize, stride, padding int, backend tensor.Backend) *MaxPool2D {
	if kernelSize <= 0 || stride <= 0 || padding < 0 {
		panic(fmt.Sprintf("maxpool2d: invalid kernel=%d stride=%d padding=%d", kernelSize, stride, padding))
	}
	return &MaxPool2D{kernelSize: kernelSize, stride: stride, padding: padding, backend: backend}
}

// Forward applies max pooling.
func (m *MaxPool2D) Forward(input *tensor.Tensor) *tensor.Tensor {
	return m.backend.MaxPool2D(input, m.kernelSize, m.stride, m.padding)
}

// Parameters returns an empty slice (max pooling has no parameters).
func (m *MaxPool2D) Parameters() []*Parameter {
	return []*Parameter{}
}

// String returns a string representation of the layer.
func (m *MaxPool2D) String() string {
	return fmt.Sprintf("MaxPool2D(kernel=%d, stride=%d, padding=%d)", m.kernelSize, m.stride, m.padding)
}

// GeM is generalized-mean pooling over the spatial dimensions:
//
//	y = (mean_hw clamp(x, eps)^p)^(1/p)
//
// p is a learnable one-element tensor. p=1 is average pooling and p→∞
// approaches max pooling. The eps floor keeps the base positive.
//
// Input: [N, C, H, W]. Output: [N, C, 1, 1].
type GeM struct {
	p       *Parameter
	eps     float32
	backend tensor.Backend
}

// NewGeM creates a GeM pooling layer whose exponent is named name+".p".
func NewGeM(name string, p, eps float32, backend tensor.Backend) *GeM {
	if eps <= 0 {
		panic(fmt.Sprintf("gem %s: eps must be positive, got %g", name, eps))
	}
	return &GeM{
		p:       NewParameter(join(name, "p"), tensor.FromSlice([]float32{p}, tensor.Shape{1})),
		eps:     eps,
		backend: backend,
	}
}

// Forward pools the spatial dimensions.
func (g *GeM) Forward(input *tensor.Tensor) *tensor.Tensor {
	p := g.p.Tensor()
	x := g.backend.Clamp(input, g.eps)
	x = g.backend.Pow(x, p)
	x = g.backend.GlobalAvgPool2D(x)
	return g.backend.Pow(x, g.backend.Reciprocal(p))
}

// Parameters returns the exponent.
func (g *GeM) Parameters() []*Parameter {
	return []*Parameter{g.p}
}

// P returns the exponent parameter.
func (g *GeM) P() *Parameter {
	return g.p
}
