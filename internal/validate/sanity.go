package validate

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// perturb adds Gaussian noise whose standard deviation is scale times the
// standard deviation of x. A constant input gets noise of std scale.
func perturb(x *tensor.Tensor, scale float64, src rand.Source) *tensor.Tensor {
	sigma := scale * stat.StdDev(float64s(x.Data()), nil)
	if !(sigma > 0) {
		sigma = scale
	}
	noise := tensor.RandNormalFrom(x.Shape(), 0, sigma, src)

	out := noise.Data()
	for i, v := range x.Data() {
		out[i] += v
	}
	return noise
}

// similarity is the dot product of two embeddings. For unit vectors it is
// the cosine similarity.
func similarity(a, b []float64) float64 {
	return mat.Dot(mat.NewVecDense(len(a), a), mat.NewVecDense(len(b), b))
}
