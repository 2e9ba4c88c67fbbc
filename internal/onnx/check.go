package onnx

import (
	"errors"
	"fmt"

	"github.com/fragrancelog/embedexport/internal/onnx/operators"
)

// dims is a shape during inference. -1 marks a symbolic dimension.
type dims []int64

func (d dims) known(i int) bool { return d[i] >= 0 }

// schema describes what the checker accepts for an operator.
type schema struct {
	minIn, maxIn int
	attrs        map[string]int32 // allowed attribute -> type
	required     []string
	infer        func(n *operators.Node, in []dims) (dims, error)
}

var windowAttrs = map[string]int32{
	"auto_pad":     AttributeProtoString,
	"dilations":    AttributeProtoInts,
	"kernel_shape": AttributeProtoInts,
	"pads":         AttributeProtoInts,
	"strides":      AttributeProtoInts,
}

func withAttrs(base map[string]int32, extra map[string]int32) map[string]int32 {
	out := make(map[string]int32, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

var schemas = map[string]schema{
	"Conv": {minIn: 2, maxIn: 3,
		attrs: withAttrs(windowAttrs, map[string]int32{"group": AttributeProtoInt}),
		infer: inferConv},
	"MaxPool": {minIn: 1, maxIn: 1,
		attrs:    withAttrs(windowAttrs, map[string]int32{"ceil_mode": AttributeProtoInt, "storage_order": AttributeProtoInt}),
		required: []string{"kernel_shape"},
		infer:    inferMaxPool},
	"BatchNormalization": {minIn: 5, maxIn: 5,
		attrs: map[string]int32{"epsilon": AttributeProtoFloat, "momentum": AttributeProtoFloat, "training_mode": AttributeProtoInt},
		infer: inferBatchNorm},
	"GlobalAveragePool": {minIn: 1, maxIn: 1, infer: inferGlobalPool},
	"Relu":              {minIn: 1, maxIn: 1, infer: inferSame},
	"Reciprocal":        {minIn: 1, maxIn: 1, infer: inferSame},
	"Identity":          {minIn: 1, maxIn: 1, infer: inferSame},
	"Add":               {minIn: 2, maxIn: 2, infer: inferBroadcast},
	"Sub":               {minIn: 2, maxIn: 2, infer: inferBroadcast},
	"Div":               {minIn: 2, maxIn: 2, infer: inferBroadcast},
	"Pow":               {minIn: 2, maxIn: 2, infer: inferBroadcast},
	"Clip":              {minIn: 1, maxIn: 3, infer: inferClip},
	"Flatten": {minIn: 1, maxIn: 1,
		attrs: map[string]int32{"axis": AttributeProtoInt},
		infer: inferFlatten},
	"Gemm": {minIn: 2, maxIn: 3,
		attrs: map[string]int32{"alpha": AttributeProtoFloat, "beta": AttributeProtoFloat, "transA": AttributeProtoInt, "transB": AttributeProtoInt},
		infer: inferGemm},
	"LpNormalization": {minIn: 1, maxIn: 1,
		attrs: map[string]int32{"axis": AttributeProtoInt, "p": AttributeProtoInt},
		infer: inferLpNorm},
}

// Check validates the structure of m and returns every problem found,
// joined, or nil.
//
// It verifies the opset and IR version, single assignment of every value,
// definition before use, operator arity and attributes, initializer
// payloads and element types, and propagates shapes (with symbolic
// dimensions) to compare them with the declared outputs.
func Check(m *ModelProto) error {
	if m == nil || m.Graph == nil {
		return errors.New("model has no graph")
	}
	c := &checker{values: make(map[string]dims)}

	if v := m.Opset(); v != OpsetVersion {
		c.fail("default-domain opset is %d, want %d", v, OpsetVersion)
	}
	for _, o := range m.OpsetImport {
		if o.Domain != "" && o.Domain != "ai.onnx" {
			c.fail("unsupported opset domain %q", o.Domain)
		}
	}
	if m.IRVersion < IRVersion {
		c.fail("IR version %d is older than %d", m.IRVersion, IRVersion)
	}

	g := m.Graph
	c.initializers(g.Initializers)
	c.inputs(g.Inputs)
	c.nodes(g.Nodes)
	c.outputs(g.Outputs)

	return errors.Join(c.problems...)
}

type checker struct {
	values   map[string]dims // defined values and their inferred shapes
	problems []error
}

func (c *checker) fail(format string, args ...interface{}) {
	c.problems = append(c.problems, fmt.Errorf(format, args...))
}

func (c *checker) define(name string, shape dims) bool {
	if name == "" {
		c.fail("value with empty name")
		return false
	}
	if _, dup := c.values[name]; dup {
		c.fail("value %q is defined more than once", name)
		return false
	}
	c.values[name] = shape
	return true
}

func (c *checker) initializers(inits []TensorProto) {
	for i := range inits {
		t := &inits[i]
		n, err := t.ElementCount()
		if err != nil {
			c.fail("initializer %q: %v", t.Name, err)
			continue
		}
		switch t.DataType {
		case TensorProtoFloat:
			if len(t.RawData) > 0 && len(t.RawData) != 4*n {
				c.fail("initializer %q: %d raw bytes for %d float32 elements", t.Name, len(t.RawData), n)
			}
			if len(t.RawData) == 0 && len(t.FloatData) != n {
				c.fail("initializer %q: %d float_data values for %d elements", t.Name, len(t.FloatData), n)
			}
		case TensorProtoFloat16:
			if len(t.RawData) != 2*n {
				c.fail("initializer %q: %d raw bytes for %d float16 elements", t.Name, len(t.RawData), n)
			}
		default:
			c.fail("initializer %q: element type %d is not a float type", t.Name, t.DataType)
		}
		c.define(t.Name, append(dims(nil), t.Dims...))
	}
}

// valueShape reads a declared tensor type.
func valueShape(vi *ValueInfoProto) (dims, error) {
	if vi.Type == nil || vi.Type.TensorType == nil {
		return nil, errors.New("no tensor type")
	}
	tt := vi.Type.TensorType
	if tt.ElemType != TensorProtoFloat {
		return nil, fmt.Errorf("element type %d, want FLOAT", tt.ElemType)
	}
	if tt.Shape == nil {
		return nil, errors.New("no shape")
	}
	shape := make(dims, len(tt.Shape.Dims))
	for i, d := range tt.Shape.Dims {
		if d.DimParam != "" {
			shape[i] = -1
		} else {
			shape[i] = d.DimValue
		}
	}
	return shape, nil
}

func (c *checker) inputs(inputs []ValueInfoProto) {
	count := 0
	for i := range inputs {
		vi := &inputs[i]
		if _, isInit := c.values[vi.Name]; isInit && vi.Name != "" {
			continue
		}
		shape, err := valueShape(vi)
		if err != nil {
			c.fail("input %q: %v", vi.Name, err)
			continue
		}
		if c.define(vi.Name, shape) {
			count++
		}
	}
	if count == 0 {
		c.fail("graph has no runtime inputs")
	}
}

func (c *checker) nodes(nodes []NodeProto) {
	names := make(map[string]bool)
	for i := range nodes {
		node := &nodes[i]
		label := node.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if node.Name != "" {
			if names[node.Name] {
				c.fail("node name %q is not unique", node.Name)
			}
			names[node.Name] = true
		}

		if err := c.node(node); err != nil {
			c.fail("node %s (%s): %v", label, node.OpType, err)
			// Mark outputs unknown so dependents are not reported again.
			for _, out := range node.Outputs {
				if _, ok := c.values[out]; !ok && out != "" {
					c.values[out] = nil
				}
			}
		}
	}
}

// node checks one node and defines its output. Problems that still allow
// the output to be defined are reported through c.fail.
func (c *checker) node(node *NodeProto) error {
	if node.Domain != "" && node.Domain != "ai.onnx" {
		return fmt.Errorf("custom domain %q", node.Domain)
	}
	s, ok := schemas[node.OpType]
	if !ok {
		return errors.New("unknown operator")
	}
	if len(node.Inputs) < s.minIn || len(node.Inputs) > s.maxIn {
		return fmt.Errorf("%d inputs, want %d to %d", len(node.Inputs), s.minIn, s.maxIn)
	}
	if len(node.Outputs) != 1 {
		return fmt.Errorf("%d outputs, want 1", len(node.Outputs))
	}

	seen := make(map[string]bool)
	for _, a := range node.Attributes {
		want, ok := s.attrs[a.Name]
		switch {
		case !ok:
			return fmt.Errorf("unexpected attribute %q", a.Name)
		case a.Type != want:
			return fmt.Errorf("attribute %q has type %d, want %d", a.Name, a.Type, want)
		case seen[a.Name]:
			return fmt.Errorf("attribute %q repeated", a.Name)
		}
		seen[a.Name] = true
	}
	for _, name := range s.required {
		if !seen[name] {
			return fmt.Errorf("missing required attribute %q", name)
		}
	}

	in := make([]dims, len(node.Inputs))
	unknown := false
	for i, name := range node.Inputs {
		if name == "" {
			if i < s.minIn {
				return fmt.Errorf("required input %d is empty", i)
			}
			continue
		}
		shape, ok := c.values[name]
		if !ok {
			return fmt.Errorf("input %q is used before it is defined", name)
		}
		in[i] = shape
		unknown = unknown || shape == nil
	}
	if unknown {
		// An upstream failure was already reported.
		c.define(node.Outputs[0], nil)
		return nil
	}

	out, err := s.infer(OperatorNode(node), in)
	if err != nil {
		c.define(node.Outputs[0], nil)
		return fmt.Errorf("shape inference: %w", err)
	}
	c.define(node.Outputs[0], out)
	return nil
}

func (c *checker) outputs(outputs []ValueInfoProto) {
	if len(outputs) == 0 {
		c.fail("graph has no outputs")
	}
	for i := range outputs {
		vi := &outputs[i]
		inferred, ok := c.values[vi.Name]
		if !ok {
			c.fail("output %q is never produced", vi.Name)
			continue
		}
		declared, err := valueShape(vi)
		if err != nil {
			c.fail("output %q: %v", vi.Name, err)
			continue
		}
		if inferred == nil {
			continue // inference already failed and was reported
		}
		if len(declared) != len(inferred) {
			c.fail("output %q: declared rank %d, inferred %v", vi.Name, len(declared), inferred)
			continue
		}
		for d := range declared {
			switch {
			case declared[d] < 0 && inferred[d] >= 0:
				c.fail("output %q: dimension %d declared symbolic but is fixed at %d", vi.Name, d, inferred[d])
			case declared[d] >= 0 && inferred[d] != declared[d]:
				c.fail("output %q: dimension %d declared %d, inferred %d", vi.Name, d, declared[d], inferred[d])
			}
		}
	}
}

func inferSame(_ *operators.Node, in []dims) (dims, error) {
	return append(dims(nil), in[0]...), nil
}

// broadcastDims applies NumPy broadcasting. A symbolic dimension
// broadcasts against 1 and against itself.
func broadcastDims(a, b dims) (dims, error) {
	n := max(len(a), len(b))
	out := make(dims, n)
	for i := 0; i < n; i++ {
		x, y := int64(1), int64(1)
		if j := len(a) - n + i; j >= 0 {
			x = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			y = b[j]
		}
		switch {
		case x == y:
			out[i] = x
		case x == 1:
			out[i] = y
		case y == 1:
			out[i] = x
		case x < 0:
			out[i] = y
		case y < 0:
			out[i] = x
		default:
			return nil, fmt.Errorf("cannot broadcast %v with %v", a, b)
		}
	}
	return out, nil
}

func inferBroadcast(_ *operators.Node, in []dims) (dims, error) {
	return broadcastDims(in[0], in[1])
}

func inferClip(_ *operators.Node, in []dims) (dims, error) {
	for _, bound := range in[1:] {
		if bound == nil {
			continue
		}
		for _, d := range bound {
			if d != 1 {
				return nil, fmt.Errorf("bound %v is not a scalar", bound)
			}
		}
	}
	return inferSame(nil, in)
}

// spatial infers the output extent of a 2D window. Symbolic spatial
// extents stay symbolic.
func spatial(n *operators.Node, x dims, kh, kw int64) (int64, int64, error) {
	if !x.known(2) || !x.known(3) {
		return -1, -1, nil
	}
	h, w, err := operators.Window(n, int(kh), int(kw), int(x[2]), int(x[3]))
	return int64(h), int64(w), err
}

func inferConv(n *operators.Node, in []dims) (dims, error) {
	x, w := in[0], in[1]
	if len(x) != 4 || len(w) != 4 {
		return nil, fmt.Errorf("want 4D input and weight, got %v and %v", x, w)
	}
	group := operators.GetAttrInt(n, "group", 1)
	if group <= 0 {
		return nil, fmt.Errorf("group %d", group)
	}
	if x.known(1) && x[1] != w[1]*group {
		return nil, fmt.Errorf("input channels %d do not match weight %v with group %d", x[1], w, group)
	}
	if len(in) > 2 && in[2] != nil {
		if b := in[2]; len(b) != 1 || b[0] != w[0] {
			return nil, fmt.Errorf("bias %v, want [%d]", b, w[0])
		}
	}
	h, wd, err := spatial(n, x, w[2], w[3])
	if err != nil {
		return nil, err
	}
	return dims{x[0], w[0], h, wd}, nil
}

func inferMaxPool(n *operators.Node, in []dims) (dims, error) {
	x := in[0]
	if len(x) != 4 {
		return nil, fmt.Errorf("want 4D input, got %v", x)
	}
	if operators.GetAttrInt(n, "ceil_mode", 0) != 0 {
		return nil, errors.New("ceil_mode not supported")
	}
	h, w, err := spatial(n, x, 0, 0)
	if err != nil {
		return nil, err
	}
	return dims{x[0], x[1], h, w}, nil
}

func inferBatchNorm(n *operators.Node, in []dims) (dims, error) {
	x := in[0]
	if len(x) < 2 {
		return nil, fmt.Errorf("want rank >= 2, got %v", x)
	}
	if operators.GetAttrInt(n, "training_mode", 0) != 0 {
		return nil, errors.New("training_mode not supported")
	}
	for i, p := range in[1:] {
		if len(p) != 1 || (x.known(1) && p[0] != x[1]) {
			return nil, fmt.Errorf("parameter %d has shape %v, want [%d]", i+1, p, x[1])
		}
	}
	return inferSame(n, in)
}

func inferGlobalPool(_ *operators.Node, in []dims) (dims, error) {
	x := in[0]
	if len(x) < 3 {
		return nil, fmt.Errorf("want rank >= 3, got %v", x)
	}
	out := dims{x[0], x[1]}
	for range x[2:] {
		out = append(out, 1)
	}
	return out, nil
}

func inferFlatten(n *operators.Node, in []dims) (dims, error) {
	x := in[0]
	axis := int(operators.GetAttrInt(n, "axis", 1))
	if axis < 0 {
		axis += len(x)
	}
	if axis < 0 || axis > len(x) {
		return nil, fmt.Errorf("axis %d out of range for rank %d", axis, len(x))
	}
	prod := func(ds dims) int64 {
		p := int64(1)
		for _, d := range ds {
			if d < 0 {
				return -1
			}
			p *= d
		}
		return p
	}
	return dims{prod(x[:axis]), prod(x[axis:])}, nil
}

func inferGemm(n *operators.Node, in []dims) (dims, error) {
	a, b := in[0], in[1]
	if len(a) != 2 || len(b) != 2 {
		return nil, fmt.Errorf("want 2D operands, got %v and %v", a, b)
	}
	m, k := a[0], a[1]
	if operators.GetAttrInt(n, "transA", 0) != 0 {
		m, k = k, m
	}
	kb, cols := b[0], b[1]
	if operators.GetAttrInt(n, "transB", 0) != 0 {
		kb, cols = cols, kb
	}
	if k >= 0 && kb >= 0 && k != kb {
		return nil, fmt.Errorf("inner dimensions %d and %d differ", k, kb)
	}
	out := dims{m, cols}
	if len(in) > 2 && in[2] != nil {
		bc, err := broadcastDims(out, in[2])
		if err != nil || len(bc) != 2 || (bc[1] != cols) {
			return nil, fmt.Errorf("C %v does not broadcast to %v", in[2], out)
		}
	}
	return out, nil
}

func inferLpNorm(n *operators.Node, in []dims) (dims, error) {
	x := in[0]
	axis := operators.GetAttrInt(n, "axis", -1)
	if axis < -int64(len(x)) || axis >= int64(len(x)) {
		return nil, fmt.Errorf("axis %d out of range for rank %d", axis, len(x))
	}
	if p := operators.GetAttrInt(n, "p", 2); p != 1 && p != 2 {
		return nil, fmt.Errorf("p must be 1 or 2, got %d", p)
	}
	return inferSame(n, in)
}
