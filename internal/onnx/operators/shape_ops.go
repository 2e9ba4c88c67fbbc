package operators

import (
	"fmt"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// registerShapeOps adds shape manipulation operators to the registry.
func (r *Registry) registerShapeOps() {
	r.Register("Flatten", handleFlatten)
	r.Register("Identity", handleIdentity)
}

// FlattenShape returns the 2D shape Flatten produces for the given input
// shape and axis.
func FlattenShape(shape []int, axis int) ([]int, error) {
	rank := len(shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis > rank {
		return nil, fmt.Errorf("flatten: axis out of range for rank %d", rank)
	}
	outer, inner := 1, 1
	for i, d := range shape {
		if i < axis {
			outer *= d
		} else {
			inner *= d
		}
	}
	return []int{outer, inner}, nil
}

// handleFlatten reshapes to [prod(dims[:axis]), prod(dims[axis:])].
func handleFlatten(_ *Context, node *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := requireInputs("Flatten", inputs, 1, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	shape, err := FlattenShape(x.Shape(), int(GetAttrInt(node, "axis", 1)))
	if err != nil {
		return nil, err
	}
	out, err := x.Reshape(shape)
	if err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	return single(out), nil
}

func handleIdentity(_ *Context, _ *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := requireInputs("Identity", inputs, 1, 1); err != nil {
		return nil, err
	}
	return single(inputs[0].Clone()), nil
}
