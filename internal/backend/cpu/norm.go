package cpu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// BatchNorm applies inference-mode batch normalization to [N, C, H, W].
//
// Per channel c the affine map is folded into a single scale and shift:
//
//	scale = gamma[c] / sqrt(var[c] + eps)
//	shift = beta[c] - mean[c] * scale
func (cpu *CPUBackend) BatchNorm(input, gamma, beta, mean, variance *tensor.Tensor, eps float32) *tensor.Tensor {
	shape := input.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("batchnorm: expected 4D input [N,C,H,W], got %dD", len(shape)))
	}
	N, C := shape[0], shape[1]
	for _, p := range []*tensor.Tensor{gamma, beta, mean, variance} {
		if p.NumElements() != C {
			panic(fmt.Sprintf("batchnorm: parameter has %d elements, want %d", p.NumElements(), C))
		}
	}

	spatial := shape[2] * shape[3]
	g, b, m, v := gamma.Data(), beta.Data(), mean.Data(), variance.Data()
	output := tensor.Zeros(shape)
	src, dst := input.Data(), output.Data()

	for c := 0; c < C; c++ {
		scale := g[c] / float32(math.Sqrt(float64(v[c]+eps)))
		shift := b[c] - m[c]*scale
		for n := 0; n < N; n++ {
			off := (n*C + c) * spatial
			for i := off; i < off+spatial; i++ {
				dst[i] = src[i]*scale + shift
			}
		}
	}
	return output
}

// GlobalAvgPool2D averages [N, C, H, W] over the spatial dimensions.
func (cpu *CPUBackend) GlobalAvgPool2D(x *tensor.Tensor) *tensor.Tensor {
	shape := x.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("global_avg_pool2d: expected 4D input [N,C,H,W], got %dD", len(shape)))
	}
	N, C, spatial := shape[0], shape[1], shape[2]*shape[3]
	output := tensor.Zeros(tensor.Shape{N, C, 1, 1})
	src, dst := x.Data(), output.Data()

	for i := 0; i < N*C; i++ {
		var sum float64
		for _, v := range src[i*spatial : (i+1)*spatial] {
			sum += float64(v)
		}
		dst[i] = float32(sum / float64(spatial))
	}
	return output
}

// L2Normalize divides every row of [N, D] by max(||row||₂, eps).
func (cpu *CPUBackend) L2Normalize(x *tensor.Tensor, eps float32) *tensor.Tensor {
	if x.Rank() != 2 {
		panic(fmt.Sprintf("l2normalize: expected 2D input [N,D], got %dD", x.Rank()))
	}
	output := x.Clone()
	N, D := x.Dim(0), x.Dim(1)

	for n := 0; n < N; n++ {
		row := blas32.Vector{N: D, Data: output.Row(n), Inc: 1}
		norm := blas32.Nrm2(row)
		if norm < eps {
			norm = eps
		}
		blas32.Scal(1/norm, row)
	}
	return output
}
