package nn

import (
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// ReLU applies the Rectified Linear Unit activation: max(0, x).
type ReLU struct {
	backend tensor.Backend
}

// NewReLU creates a new ReLU activation module.
func NewReLU(backend tensor.Backend) *ReLU {
	return &ReLU{backend: backend}
}

// Forward applies ReLU activation element-wise.
func (r *ReLU) Forward(input *tensor.Tensor) *tensor.Tensor {
	return r.backend.ReLU(input)
}

// Parameters returns an empty slice (ReLU has no parameters).
func (r *ReLU) Parameters() []*Parameter {
	return []*Parameter{}
}
