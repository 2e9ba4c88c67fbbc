package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_ValidModel(t *testing.T) {
	require.NoError(t, Check(smallModel()))
}

func TestCheck_Opset(t *testing.T) {
	m := smallModel()
	m.OpsetImport[0].Version = 17
	err := Check(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opset is 17")
}

func TestCheck_IRVersion(t *testing.T) {
	m := smallModel()
	m.IRVersion = 6
	assert.ErrorContains(t, Check(m), "IR version")
}

func TestCheck_NoGraph(t *testing.T) {
	assert.Error(t, Check(&ModelProto{}))
	assert.Error(t, Check(nil))
}

func TestCheck_UseBeforeDefine(t *testing.T) {
	m := smallModel()
	nodes := m.Graph.Nodes
	nodes[0], nodes[1] = nodes[1], nodes[0]
	assert.ErrorContains(t, Check(m), `input "t0" is used before it is defined`)
}

func TestCheck_SingleAssignment(t *testing.T) {
	m := smallModel()
	m.Graph.Nodes[1].Outputs = []string{"t0"}
	assert.ErrorContains(t, Check(m), `"t0" is defined more than once`)
}

func TestCheck_UnknownOperator(t *testing.T) {
	m := smallModel()
	m.Graph.Nodes[1].OpType = "Gelu"
	err := Check(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operator")
	// Dependents of the failed node are not reported again.
	assert.NotContains(t, err.Error(), "used before")
}

func TestCheck_Attributes(t *testing.T) {
	m := smallModel()
	m.Graph.Nodes[0].Attributes = append(m.Graph.Nodes[0].Attributes, intAttr("ceil_mode", 1))
	assert.ErrorContains(t, Check(m), `unexpected attribute "ceil_mode"`)

	m = smallModel()
	m.Graph.Nodes[3].Attributes[0].Type = AttributeProtoFloat
	assert.ErrorContains(t, Check(m), `attribute "axis" has type`)

	m = smallModel()
	m.Graph.Nodes = append(m.Graph.Nodes, NodeProto{Name: "pool", OpType: "MaxPool", Inputs: []string{"t1"}, Outputs: []string{"p"}})
	assert.ErrorContains(t, Check(m), `missing required attribute "kernel_shape"`)
}

func TestCheck_Arity(t *testing.T) {
	m := smallModel()
	m.Graph.Nodes[1].Inputs = []string{"t0", "t0"}
	assert.ErrorContains(t, Check(m), "2 inputs, want 1 to 1")
}

func TestCheck_InitializerPayload(t *testing.T) {
	m := smallModel()
	m.Graph.Initializers[1].RawData = m.Graph.Initializers[1].RawData[:8]
	assert.ErrorContains(t, Check(m), "raw bytes")

	m = smallModel()
	m.Graph.Initializers[1].DataType = TensorProtoInt64
	assert.ErrorContains(t, Check(m), "not a float type")
}

func TestCheck_ShapeMismatch(t *testing.T) {
	m := smallModel()
	// Weight expects 2 input channels.
	m.Graph.Inputs[0] = valueInfo("input", "batch", 3, 4, 4)
	assert.ErrorContains(t, Check(m), "input channels 3")
}

func TestCheck_DeclaredOutputs(t *testing.T) {
	m := smallModel()
	m.Graph.Outputs[0] = valueInfo("embedding", "batch", 5)
	assert.ErrorContains(t, Check(m), "dimension 1 declared 5, inferred 2")

	m = smallModel()
	m.Graph.Outputs[0] = valueInfo("embedding", "batch")
	assert.ErrorContains(t, Check(m), "declared rank 1")

	m = smallModel()
	m.Graph.Outputs[0].Name = "nowhere"
	assert.ErrorContains(t, Check(m), "never produced")
}

func TestCheck_FixedBatchLosesDynamicAxis(t *testing.T) {
	m := smallModel()
	m.Graph.Inputs[0] = valueInfo("input", 1, 2, 4, 4)
	assert.ErrorContains(t, Check(m), "declared symbolic but is fixed at 1")
}

func TestCheck_CollectsEveryProblem(t *testing.T) {
	m := smallModel()
	m.OpsetImport[0].Version = 13
	m.Graph.Initializers[1].DataType = TensorProtoInt64
	err := Check(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opset")
	assert.Contains(t, err.Error(), "not a float type")
}

func TestBroadcastDims(t *testing.T) {
	out, err := broadcastDims(dims{-1, 3, 4, 4}, dims{1, 3, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, dims{-1, 3, 4, 4}, out)

	out, err = broadcastDims(dims{-1, 8}, dims{1})
	require.NoError(t, err)
	assert.Equal(t, dims{-1, 8}, out)

	_, err = broadcastDims(dims{2, 3}, dims{4})
	assert.Error(t, err)
}
