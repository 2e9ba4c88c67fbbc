package nn

import (
	"fmt"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// BatchNorm2D is inference-mode batch normalization over the channel axis
// of [N, C, H, W] inputs.
//
// Parameters (PyTorch state_dict layout):
//   - weight, bias: learnable per-channel scale and shift
//   - running_mean, running_var: frozen statistics
//   - num_batches_tracked: scalar training counter, carried for
//     checkpoint compatibility and never read
type BatchNorm2D struct {
	numFeatures int
	eps         float32

	weight      *Parameter
	bias        *Parameter
	runningMean *Parameter
	runningVar  *Parameter
	numBatches  *Parameter

	backend tensor.Backend
}

// NewBatchNorm2D creates a batch normalization layer named name with
// identity statistics (mean 0, var 1, gamma 1, beta 0).
func NewBatchNorm2D(name string, numFeatures int, eps float32, backend tensor.Backend) *BatchNorm2D {
	if numFeatures <= 0 {
		panic(fmt.Sprintf("batchnorm2d %s: invalid feature count %d", name, numFeatures))
	}
	shape := tensor.Shape{numFeatures}
	return &BatchNorm2D{
		numFeatures: numFeatures,
		eps:         eps,
		weight:      NewParameter(join(name, "weight"), tensor.Ones(shape)),
		bias:        NewParameter(join(name, "bias"), tensor.Zeros(shape)),
		runningMean: NewBuffer(join(name, "running_mean"), tensor.Zeros(shape)),
		runningVar:  NewBuffer(join(name, "running_var"), tensor.Ones(shape)),
		numBatches:  NewBuffer(join(name, "num_batches_tracked"), tensor.Scalar(0)),
		backend:     backend,
	}
}

// Forward normalizes with the running statistics.
func (bn *BatchNorm2D) Forward(input *tensor.Tensor) *tensor.Tensor {
	if input.Rank() != 4 || input.Dim(1) != bn.numFeatures {
		panic(fmt.Sprintf("batchnorm2d: expected [N,%d,H,W], got %v", bn.numFeatures, input.Shape()))
	}
	return bn.backend.BatchNorm(input,
		bn.weight.Tensor(), bn.bias.Tensor(),
		bn.runningMean.Tensor(), bn.runningVar.Tensor(),
		bn.eps)
}

// Parameters returns weight, bias and the three buffers in state_dict order.
func (bn *BatchNorm2D) Parameters() []*Parameter {
	return []*Parameter{bn.weight, bn.bias, bn.runningMean, bn.runningVar, bn.numBatches}
}

// Eps returns the variance floor.
func (bn *BatchNorm2D) Eps() float32 {
	return bn.eps
}
