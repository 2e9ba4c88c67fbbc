// Package nn implements the inference layers of the embedding network.
//
// This package provides building blocks for constructing the network:
//   - Module interface: Base interface for all NN components
//   - Parameter: Named tensors owned by a layer (weights and buffers)
//   - Conv2D, BatchNorm2D, MaxPool2D, ReLU: the convolutional backbone
//   - GeM: generalized-mean spatial pooling
//   - Linear, L2Norm: the embedding head
//   - Sequential: Container for stacking layers
//
// Every layer is evaluation-only. Parameter names are fully qualified at
// construction time (for example "layer3.22.bn2.running_var") so that a
// model's parameter set lines up one-to-one with a checkpoint's keys.
package nn

import (
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// Module is the base interface for all neural network components.
//
// Modules can be composed to build complex architectures:
//
//	stem := nn.NewSequential(
//	    nn.NewConv2D("conv1", 3, 64, 7, 2, 3, false, backend, src),
//	    nn.NewBatchNorm2D("bn1", 64, 1e-5, backend),
//	    nn.NewReLU(backend),
//	)
type Module interface {
	// Forward computes the output of the module given an input tensor.
	Forward(input *tensor.Tensor) *tensor.Tensor

	// Parameters returns all parameters and buffers of this module in
	// registration order. Returns an empty slice for stateless modules.
	Parameters() []*Parameter
}
