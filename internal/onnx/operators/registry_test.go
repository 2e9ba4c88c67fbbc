package operators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()

	for _, op := range []string{
		"Conv", "MaxPool", "GlobalAveragePool",
		"BatchNormalization", "LpNormalization",
		"Add", "Sub", "Div", "Pow", "Reciprocal", "Relu", "Clip", "Gemm",
		"Flatten", "Identity",
	} {
		_, ok := r.Get(op)
		assert.True(t, ok, "expected %s to be registered", op)
	}
	assert.Len(t, r.SupportedOps(), 15)
	assert.IsNonDecreasing(t, r.SupportedOps())
}

func TestRegistry_Unknown(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Get("Softmax")
	assert.False(t, ok)

	_, err := r.Execute(nil, &Node{OpType: "Softmax"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported operator")
}

func TestRegistry_CustomOp(t *testing.T) {
	r := NewRegistry()
	r.Register("Twice", func(_ *Context, _ *Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
		return []*tensor.Tensor{in[0], in[0]}, nil
	})

	x := tensor.Ones(tensor.Shape{2})
	out, err := r.Execute(DefaultContext(), &Node{OpType: "Twice"}, []*tensor.Tensor{x})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestRequireInputs(t *testing.T) {
	x := tensor.Ones(tensor.Shape{1})
	assert.NoError(t, requireInputs("Conv", []*tensor.Tensor{x, x}, 2, 3))
	assert.NoError(t, requireInputs("Conv", []*tensor.Tensor{x, x, nil}, 2, 3))
	assert.Error(t, requireInputs("Conv", []*tensor.Tensor{x}, 2, 3))
	assert.Error(t, requireInputs("Conv", []*tensor.Tensor{x, nil}, 2, 3))
	assert.Error(t, requireInputs("Relu", []*tensor.Tensor{x, x}, 1, 1))
}
