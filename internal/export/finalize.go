package export

import (
	"fmt"

	"github.com/fragrancelog/embedexport/internal/onnx"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// finalize assigns the public names and builds the GraphProto.
//
// Nodes become <OpType>_<index>, their outputs <node>_out. Placeholder
// constants become const_<k> in order of first use. Initializers are
// emitted in order of first use.
func (g *graph) finalize(opts Options, inShape, outShape tensor.Shape) *onnx.GraphProto {
	rename := make(map[string]string)
	consts := 0
	var inits []onnx.TensorProto
	seen := make(map[string]bool)

	for i, n := range g.nodes {
		n.Name = fmt.Sprintf("%s_%d", n.OpType, i)
		for j, in := range n.Inputs {
			if in == "" {
				continue
			}
			if t, ok := g.consts[in]; ok && !seen[in] {
				seen[in] = true
				name := in
				if isTemp(in) {
					name = fmt.Sprintf("const_%d", consts)
					consts++
					rename[in] = name
				}
				inits = append(inits, onnx.NewTensorProto(name, t))
			}
			if r, ok := rename[in]; ok {
				n.Inputs[j] = r
			}
		}
		if out := n.Outputs[0]; out != g.output {
			rename[out] = n.Name + "_out"
			n.Outputs[0] = rename[out]
		}
	}

	nodes := make([]onnx.NodeProto, len(g.nodes))
	for i, n := range g.nodes {
		nodes[i] = *n
	}

	return &onnx.GraphProto{
		Name:         opts.GraphName,
		Nodes:        nodes,
		Initializers: inits,
		Inputs:       []onnx.ValueInfoProto{valueInfo(opts.InputName, opts.BatchParam, inShape)},
		Outputs:      []onnx.ValueInfoProto{valueInfo(opts.OutputName, opts.BatchParam, outShape)},
	}
}

// valueInfo declares a FLOAT tensor whose leading axis is symbolic.
func valueInfo(name, batch string, shape tensor.Shape) onnx.ValueInfoProto {
	dims := make([]onnx.DimensionProto, len(shape))
	dims[0] = onnx.DimensionProto{DimParam: batch}
	for i := 1; i < len(shape); i++ {
		dims[i] = onnx.DimensionProto{DimValue: int64(shape[i])}
	}
	return onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{TensorType: &onnx.TensorTypeProto{
			ElemType: onnx.TensorProtoFloat,
			Shape:    &onnx.TensorShapeProto{Dims: dims},
		}},
	}
}
