package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fragrancelog/embedexport/internal/onnx"
	"github.com/fragrancelog/embedexport/internal/onnx/operators"
	"github.com/fragrancelog/embedexport/internal/tensor"
	"github.com/fragrancelog/embedexport/internal/trace"
)

// Names starting with tempPrefix are placeholders that finalize replaces.
// Parameter names never contain it.
const tempPrefix = "%"

// graph is the mutable form of the exported network. Values are named
// strings; consts holds the initializer candidates.
type graph struct {
	nodes  []*onnx.NodeProto
	consts map[string]*tensor.Tensor
	input  string
	output string
	temps  int
}

func (g *graph) temp(kind string) string {
	g.temps++
	return fmt.Sprintf("%s%s%d", tempPrefix, kind, g.temps)
}

func (g *graph) addConst(t *tensor.Tensor) string {
	name := g.temp("c")
	g.consts[name] = t
	return name
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

func intsAttr(name string, v ...int64) onnx.AttributeProto {
	return onnx.AttributeProto{Name: name, Type: onnx.AttributeProtoInts, Ints: v}
}

func intAttr(name string, v int64) onnx.AttributeProto {
	return onnx.AttributeProto{Name: name, Type: onnx.AttributeProtoInt, I: v}
}

func floatAttr(name string, v float32) onnx.AttributeProto {
	return onnx.AttributeProto{Name: name, Type: onnx.AttributeProtoFloat, F: v}
}

// build converts the tape into a graph.
//
// Tensors are identified by pointer: the example becomes the graph input,
// tensors in named keep their names, outputs of recorded ops become
// intermediate values. A leaf that is none of these is an error, since it
// would be baked into the graph as a value computed from the example.
func build(ops []trace.Op, example, output *tensor.Tensor, named map[string]*tensor.Tensor, opts Options) (*graph, error) {
	g := &graph{
		consts: make(map[string]*tensor.Tensor, len(named)),
		input:  opts.InputName,
		output: opts.OutputName,
	}

	names := map[*tensor.Tensor]string{example: opts.InputName}
	keys := make([]string, 0, len(named))
	for k := range named {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t := named[k]
		if t == example {
			return nil, fmt.Errorf("example input aliases %q", k)
		}
		if _, tied := names[t]; !tied {
			names[t] = k
		}
		g.consts[k] = t
	}

	for i, op := range ops {
		inputs := make([]string, len(op.Inputs))
		for j, t := range op.Inputs {
			if t == nil {
				continue
			}
			name, ok := names[t]
			if !ok {
				return nil, fmt.Errorf("op %d (%s): input %d %v is neither traced nor a named tensor", i, op.Type, j, t.Shape())
			}
			inputs[j] = name
		}

		out := g.temp("v")
		if op.Output == output {
			out = g.output
		}
		node, err := g.lower(op, inputs, out)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i, op.Type, err)
		}
		g.nodes = append(g.nodes, node)
		names[op.Output] = out
	}

	if names[output] != g.output {
		return nil, fmt.Errorf("network output was not produced by a traced op")
	}
	return g, nil
}

// lower maps one backend op to an ONNX node.
func (g *graph) lower(op trace.Op, inputs []string, out string) (*onnx.NodeProto, error) {
	n := &onnx.NodeProto{Outputs: []string{out}}
	a := op.Attrs

	switch op.Type {
	case trace.OpConv2D:
		w := op.Inputs[1]
		if w == nil || w.Rank() != 4 {
			return nil, fmt.Errorf("weight must be 4D")
		}
		n.OpType = "Conv"
		n.Attributes = []onnx.AttributeProto{
			intsAttr("dilations", 1, 1),
			intsAttr("kernel_shape", int64(w.Dim(2)), int64(w.Dim(3))),
			intsAttr("pads", int64(a.Padding), int64(a.Padding), int64(a.Padding), int64(a.Padding)),
			intsAttr("strides", int64(a.Stride), int64(a.Stride)),
		}
	case trace.OpMaxPool2D:
		n.OpType = "MaxPool"
		n.Attributes = []onnx.AttributeProto{
			intsAttr("kernel_shape", int64(a.KernelSize), int64(a.KernelSize)),
			intsAttr("pads", int64(a.Padding), int64(a.Padding), int64(a.Padding), int64(a.Padding)),
			intsAttr("strides", int64(a.Stride), int64(a.Stride)),
		}
	case trace.OpBatchNorm:
		n.OpType = "BatchNormalization"
		n.Attributes = []onnx.AttributeProto{floatAttr("epsilon", a.Eps)}
	case trace.OpReLU:
		n.OpType = "Relu"
	case trace.OpAdd:
		n.OpType = "Add"
	case trace.OpSub:
		n.OpType = "Sub"
	case trace.OpDiv:
		n.OpType = "Div"
	case trace.OpPow:
		n.OpType = "Pow"
	case trace.OpReciprocal:
		n.OpType = "Reciprocal"
	case trace.OpClamp:
		n.OpType = "Clip"
		inputs = append(inputs, g.addConst(tensor.Scalar(a.Min)))
	case trace.OpGlobalAvgPool2D:
		n.OpType = "GlobalAveragePool"
	case trace.OpFlatten:
		n.OpType = "Flatten"
		n.Attributes = []onnx.AttributeProto{intAttr("axis", int64(a.Axis))}
	case trace.OpLinear:
		n.OpType = "Gemm"
		n.Attributes = []onnx.AttributeProto{intAttr("transB", 1)}
	case trace.OpL2Normalize:
		// LpNormalization has no eps; the runtime floors the norm at MinNorm.
		if a.Eps != operators.MinNorm {
			return nil, fmt.Errorf("eps %g cannot be expressed by LpNormalization (norm floor %g)", a.Eps, operators.MinNorm)
		}
		n.OpType = "LpNormalization"
		n.Attributes = []onnx.AttributeProto{intAttr("axis", 1), intAttr("p", 2)}
	default:
		return nil, fmt.Errorf("no ONNX mapping")
	}

	// Absent trailing optional inputs are dropped; interior ones stay as "".
	for len(inputs) > 0 && inputs[len(inputs)-1] == "" {
		inputs = inputs[:len(inputs)-1]
	}
	n.Inputs = inputs
	return n, nil
}

// producers maps each value to the index of the node that computes it.
func (g *graph) producers() map[string]int {
	p := make(map[string]int, len(g.nodes))
	for i, n := range g.nodes {
		p[n.Outputs[0]] = i
	}
	return p
}

// uses counts how many node inputs read each value.
func (g *graph) uses() map[string]int {
	u := make(map[string]int)
	for _, n := range g.nodes {
		for _, in := range n.Inputs {
			if in != "" {
				u[in]++
			}
		}
	}
	return u
}
