package onnx

import (
	"errors"
	"fmt"

	"github.com/fragrancelog/embedexport/internal/onnx/operators"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// Model is a compiled graph executed on the reference kernels. It is not
// safe for concurrent Forward calls.
type Model struct {
	proto    *ModelProto
	registry *operators.Registry
	ctx      *operators.Context

	weights map[string]*tensor.Tensor
	inputs  []string
	outputs []string
	steps   []*operators.Node
}

func (m *Model) InputNames() []string  { return m.inputs }
func (m *Model) OutputNames() []string { return m.outputs }
func (m *Model) OpsetVersion() int64   { return m.proto.Opset() }

// Proto returns the model the runtime was compiled from.
func (m *Model) Proto() *ModelProto { return m.proto }

// Metadata merges metadata_props with the producer fields.
func (m *Model) Metadata() map[string]string {
	meta := map[string]string{
		"producer_name":    m.proto.ProducerName,
		"producer_version": m.proto.ProducerVersion,
	}
	for _, p := range m.proto.MetadataProps {
		meta[p.Key] = p.Value
	}
	return meta
}

// Forward runs a single-input, single-output graph.
func (m *Model) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(m.inputs) != 1 || len(m.outputs) != 1 {
		return nil, fmt.Errorf("model has %d inputs and %d outputs, use ForwardNamed", len(m.inputs), len(m.outputs))
	}
	out, err := m.ForwardNamed(map[string]*tensor.Tensor{m.inputs[0]: input})
	if err != nil {
		return nil, err
	}
	return out[m.outputs[0]], nil
}

// ForwardNamed feeds every graph input by name and returns every graph
// output by name.
func (m *Model) ForwardNamed(feeds map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	env := make(map[string]*tensor.Tensor, len(m.weights)+len(m.steps)+len(m.inputs))
	for name, w := range m.weights {
		env[name] = w
	}
	for _, name := range m.inputs {
		x, ok := feeds[name]
		if !ok {
			return nil, fmt.Errorf("missing input: %s", name)
		}
		env[name] = x
	}

	for _, step := range m.steps {
		if err := m.exec(step, env); err != nil {
			return nil, err
		}
	}

	out := make(map[string]*tensor.Tensor, len(m.outputs))
	for _, name := range m.outputs {
		y, ok := env[name]
		if !ok {
			return nil, fmt.Errorf("missing output: %s", name)
		}
		out[name] = y
	}
	return out, nil
}

func (m *Model) exec(step *operators.Node, env map[string]*tensor.Tensor) error {
	args := make([]*tensor.Tensor, len(step.Inputs))
	for i, name := range step.Inputs {
		if name == "" {
			continue // omitted optional input
		}
		x, ok := env[name]
		if !ok {
			return fmt.Errorf("node %s: missing input %s", step.Name, name)
		}
		args[i] = x
	}

	results, err := m.registry.Execute(m.ctx, step, args)
	if err != nil {
		return fmt.Errorf("node %s (%s): %w", step.Name, step.OpType, err)
	}
	if len(results) < len(step.Outputs) {
		return fmt.Errorf("node %s (%s): %d outputs, want %d", step.Name, step.OpType, len(results), len(step.Outputs))
	}
	for i, name := range step.Outputs {
		env[name] = results[i]
	}
	return nil
}

// compile decodes the initializers, resolves the caller-supplied inputs and
// fixes the execution order.
func (m *Model) compile() error {
	g := m.proto.Graph
	if g == nil {
		return errors.New("model has no graph")
	}

	m.weights = make(map[string]*tensor.Tensor, len(g.Initializers))
	for i := range g.Initializers {
		tp := &g.Initializers[i]
		w, err := TensorFromProto(tp)
		if err != nil {
			return fmt.Errorf("initializer %s: %w", tp.Name, err)
		}
		m.weights[tp.Name] = w
	}

	// An input that is also an initializer has a default and is not fed.
	for i := range g.Inputs {
		if _, ok := m.weights[g.Inputs[i].Name]; !ok {
			m.inputs = append(m.inputs, g.Inputs[i].Name)
		}
	}
	for i := range g.Outputs {
		m.outputs = append(m.outputs, g.Outputs[i].Name)
	}

	ordered := topologicalSort(g.Nodes)
	m.steps = make([]*operators.Node, len(ordered))
	for i := range ordered {
		m.steps[i] = OperatorNode(&ordered[i])
	}
	return nil
}

// OperatorNode converts a decoded node into the form the kernels consume.
func OperatorNode(n *NodeProto) *operators.Node {
	node := &operators.Node{
		Name:       n.Name,
		OpType:     n.OpType,
		Inputs:     n.Inputs,
		Outputs:    n.Outputs,
		Attributes: make([]operators.Attribute, 0, len(n.Attributes)),
	}
	for _, a := range n.Attributes {
		node.Attributes = append(node.Attributes, operators.Attribute{
			Name: a.Name, Type: a.Type,
			F: a.F, I: a.I, S: a.S,
			Floats: a.Floats, Ints: a.Ints,
		})
	}
	return node
}

// topologicalSort orders nodes so every producer precedes its consumers.
// Independent nodes keep their file order.
func topologicalSort(nodes []NodeProto) []NodeProto {
	producer := make(map[string]int)
	for i := range nodes {
		for _, name := range nodes[i].Outputs {
			producer[name] = i
		}
	}

	done := make([]bool, len(nodes))
	order := make([]NodeProto, 0, len(nodes))
	var place func(int)
	place = func(i int) {
		if done[i] {
			return
		}
		done[i] = true
		for _, name := range nodes[i].Inputs {
			if p, ok := producer[name]; ok {
				place(p)
			}
		}
		order = append(order, nodes[i])
	}
	for i := range nodes {
		place(i)
	}
	return order
}
