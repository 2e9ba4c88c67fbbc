package nn

import (
	"fmt"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// Parameter is a named tensor owned by a layer.
//
// Learnable weights and running statistics share this type; Buffer reports
// which of the two a parameter is. Checkpoints carry both.
type Parameter struct {
	name   string         // Fully qualified name (e.g., "layer1.0.conv1.weight")
	tensor *tensor.Tensor // The parameter tensor
	buffer bool           // Running statistic rather than a learnable weight
}

// NewParameter creates a learnable parameter.
func NewParameter(name string, t *tensor.Tensor) *Parameter {
	return &Parameter{name: name, tensor: t}
}

// NewBuffer creates a non-learnable buffer such as a running mean.
func NewBuffer(name string, t *tensor.Tensor) *Parameter {
	return &Parameter{name: name, tensor: t, buffer: true}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.Tensor {
	return p.tensor
}

// Buffer reports whether the parameter is a running statistic.
func (p *Parameter) Buffer() bool {
	return p.buffer
}

// Load copies values into the parameter. The shape must match exactly;
// a mismatch means the checkpoint was produced by a different topology.
func (p *Parameter) Load(src *tensor.Tensor) error {
	if !p.tensor.Shape().Equal(src.Shape()) {
		return fmt.Errorf("parameter %s: shape mismatch: model %v, checkpoint %v", p.name, p.tensor.Shape(), src.Shape())
	}
	return p.tensor.CopyFrom(src)
}

// join qualifies a child name with its owner's prefix.
func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
