package nn

import (
	"math"

	"golang.org/x/exp/rand"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// HeNormal initializes a weight with N(0, 2/fanOut), the fan-out variant
// of Kaiming initialization used for ReLU convolution stacks.
//
// Production weights always come from a checkpoint; initialization only
// needs to keep activations in a sane range for freshly built models.
func HeNormal(fanOut int, shape tensor.Shape, src rand.Source) *tensor.Tensor {
	std := math.Sqrt(2.0 / float64(fanOut))
	return tensor.RandNormalFrom(shape, 0, std, src)
}

// Uniform initializes a tensor with U(-bound, bound).
//
// For Linear layers: bound = 1/sqrt(fan_in).
func Uniform(bound float64, shape tensor.Shape, src rand.Source) *tensor.Tensor {
	rng := rand.New(src)
	t := tensor.Zeros(shape)
	data := t.Data()
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return t
}
