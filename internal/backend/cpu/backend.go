// Package cpu implements the in-process CPU backend with BLAS integration.
//
// Convolutions and the fully connected projection are lowered onto gonum's
// single precision BLAS. Everything else is a straight loop over the
// row-major buffer.
package cpu

import (
	"fmt"
	"math"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// CPUBackend implements tensor.Backend on the CPU.
type CPUBackend struct{}

var _ tensor.Backend = (*CPUBackend)(nil)

// New creates a new CPU backend.
func New() *CPUBackend {
	return &CPUBackend{}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.Tensor) *tensor.Tensor {
	return binary("add", a, b, func(x, y float32) float32 { return x + y })
}

// Sub performs element-wise subtraction with NumPy-style broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.Tensor) *tensor.Tensor {
	return binary("sub", a, b, func(x, y float32) float32 { return x - y })
}

// Div performs element-wise division with NumPy-style broadcasting.
func (cpu *CPUBackend) Div(a, b *tensor.Tensor) *tensor.Tensor {
	return binary("div", a, b, func(x, y float32) float32 { return x / y })
}

// Pow raises x to exponent element-wise. The exponent usually is a
// one-element learnable tensor broadcast over x.
func (cpu *CPUBackend) Pow(x, exponent *tensor.Tensor) *tensor.Tensor {
	return binary("pow", x, exponent, func(a, p float32) float32 {
		return float32(math.Pow(float64(a), float64(p)))
	})
}

// ReLU computes max(0, x).
func (cpu *CPUBackend) ReLU(x *tensor.Tensor) *tensor.Tensor {
	return unary(x, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

// Clamp computes max(x, lo).
func (cpu *CPUBackend) Clamp(x *tensor.Tensor, lo float32) *tensor.Tensor {
	return unary(x, func(v float32) float32 {
		if v < lo {
			return lo
		}
		return v
	})
}

// Reciprocal computes 1/x.
func (cpu *CPUBackend) Reciprocal(x *tensor.Tensor) *tensor.Tensor {
	return unary(x, func(v float32) float32 { return 1 / v })
}

// Flatten reshapes x to [prod(shape[:axis]), prod(shape[axis:])].
func (cpu *CPUBackend) Flatten(x *tensor.Tensor, axis int) *tensor.Tensor {
	shape := x.Shape()
	if axis < 0 || axis > len(shape) {
		panic(fmt.Sprintf("flatten: axis %d out of range for rank %d", axis, len(shape)))
	}
	outer := tensor.Shape(shape[:axis]).NumElements()
	inner := tensor.Shape(shape[axis:]).NumElements()
	out, err := x.Reshape(tensor.Shape{outer, inner})
	if err != nil {
		panic(fmt.Sprintf("flatten: %v", err))
	}
	return out
}

func unary(x *tensor.Tensor, fn func(float32) float32) *tensor.Tensor {
	out := tensor.Zeros(x.Shape())
	src, dst := x.Data(), out.Data()
	for i, v := range src {
		dst[i] = fn(v)
	}
	return out
}

func binary(op string, a, b *tensor.Tensor, fn func(x, y float32) float32) *tensor.Tensor {
	out, err := tensor.BinaryMap(a, b, fn)
	if err != nil {
		panic(fmt.Sprintf("%s: %v", op, err))
	}
	return out
}
