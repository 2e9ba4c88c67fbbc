package tensor

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Zeros creates a tensor filled with zeros.
//
// Example:
//
//	t := tensor.Zeros(tensor.Shape{3, 4})
func Zeros(shape Shape) *Tensor {
	if err := shape.Validate(); err != nil {
		panic(err)
	}
	return &Tensor{shape: shape.Clone(), data: make([]float32, shape.NumElements())}
}

// Ones creates a tensor filled with ones.
func Ones(shape Shape) *Tensor {
	return Full(shape, 1)
}

// Full creates a tensor filled with a specific value.
func Full(shape Shape, value float32) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// Scalar creates a rank-0 tensor.
func Scalar(value float32) *Tensor {
	return &Tensor{shape: Shape{}, data: []float32{value}}
}

// RandNormal creates a tensor with samples from N(mean, std²).
//
// The generator is seeded explicitly so example inputs and initial weights
// are reproducible across runs.
//
// Example:
//
//	img := tensor.RandNormal(tensor.Shape{1, 3, 224, 224}, 0, 1, 42)
func RandNormal(shape Shape, mean, std float64, seed uint64) *Tensor {
	return RandNormalFrom(shape, mean, std, rand.NewSource(seed))
}

// RandNormalFrom is RandNormal drawing from an existing source, so several
// tensors can share one reproducible stream.
func RandNormalFrom(shape Shape, mean, std float64, src rand.Source) *Tensor {
	dist := distuv.Normal{Mu: mean, Sigma: std, Src: src}
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = float32(dist.Rand())
	}
	return t
}
