package onnx

import (
	"github.com/fragrancelog/embedexport/internal/tensor"
)

func valueInfo(name string, shape ...interface{}) ValueInfoProto {
	ts := &TensorShapeProto{}
	for _, d := range shape {
		switch v := d.(type) {
		case string:
			ts.Dims = append(ts.Dims, DimensionProto{DimParam: v})
		case int:
			ts.Dims = append(ts.Dims, DimensionProto{DimValue: int64(v)})
		}
	}
	return ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TensorTypeProto{ElemType: TensorProtoFloat, Shape: ts}},
	}
}

func intsAttr(name string, v ...int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInts, Ints: v}
}

func intAttr(name string, v int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInt, I: v}
}

// smallModel is x[batch,2,4,4] -> Conv(3x3, pad 1) -> Relu -> GAP ->
// Flatten -> Gemm -> LpNormalization.
func smallModel() *ModelProto {
	w := tensor.RandNormal(tensor.Shape{3, 2, 3, 3}, 0, 0.5, 11)
	b := tensor.FromSlice([]float32{0.1, -0.2, 0.3}, tensor.Shape{3})
	fcW := tensor.RandNormal(tensor.Shape{2, 3}, 0, 1, 12)
	fcB := tensor.FromSlice([]float32{0.5, -0.5}, tensor.Shape{2})

	return &ModelProto{
		IRVersion:    IRVersion,
		ProducerName: "test",
		OpsetImport:  []OperatorSetID{{Version: OpsetVersion}},
		Graph: &GraphProto{
			Name: "small",
			Nodes: []NodeProto{
				{Name: "Conv_0", OpType: "Conv", Inputs: []string{"input", "conv.weight", "conv.bias"}, Outputs: []string{"t0"},
					Attributes: []AttributeProto{intsAttr("kernel_shape", 3, 3), intsAttr("pads", 1, 1, 1, 1), intsAttr("strides", 1, 1)}},
				{Name: "Relu_1", OpType: "Relu", Inputs: []string{"t0"}, Outputs: []string{"t1"}},
				{Name: "GlobalAveragePool_2", OpType: "GlobalAveragePool", Inputs: []string{"t1"}, Outputs: []string{"t2"}},
				{Name: "Flatten_3", OpType: "Flatten", Inputs: []string{"t2"}, Outputs: []string{"t3"},
					Attributes: []AttributeProto{intAttr("axis", 1)}},
				{Name: "Gemm_4", OpType: "Gemm", Inputs: []string{"t3", "fc.weight", "fc.bias"}, Outputs: []string{"t4"},
					Attributes: []AttributeProto{intAttr("transB", 1)}},
				{Name: "LpNormalization_5", OpType: "LpNormalization", Inputs: []string{"t4"}, Outputs: []string{"embedding"},
					Attributes: []AttributeProto{intAttr("axis", 1), intAttr("p", 2)}},
			},
			Initializers: []TensorProto{
				NewTensorProto("conv.weight", w),
				NewTensorProto("conv.bias", b),
				NewTensorProto("fc.weight", fcW),
				NewTensorProto("fc.bias", fcB),
			},
			Inputs:  []ValueInfoProto{valueInfo("input", "batch", 2, 4, 4)},
			Outputs: []ValueInfoProto{valueInfo("embedding", "batch", 2)},
		},
	}
}
