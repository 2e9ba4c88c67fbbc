package onnx

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fragrancelog/embedexport/internal/onnx/operators"
	"github.com/fragrancelog/embedexport/internal/parallel"
)

// LoadOptions controls how a parsed graph is prepared for execution.
type LoadOptions struct {
	// Strict rejects graphs with operators the registry cannot run. When
	// false the error surfaces at the first Forward reaching such a node.
	Strict bool

	Parallel parallel.Config
}

// DefaultLoadOptions returns strict loading with the default worker pool.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{Strict: true, Parallel: parallel.DefaultConfig()}
}

func pickOptions(opts []LoadOptions) LoadOptions {
	if len(opts) == 0 {
		return DefaultLoadOptions()
	}
	return opts[0]
}

// Load reads an artifact from disk and compiles it.
//
//	rt, err := onnx.Load("resnet101_ap_gem.onnx")
//	if err != nil {
//	    return err
//	}
//	embedding, err := rt.Forward(batch)
func Load(path string, opts ...LoadOptions) (*Model, error) {
	proto, err := ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return LoadFromProto(proto, pickOptions(opts))
}

// LoadFromBytes is Load for an in-memory artifact.
func LoadFromBytes(data []byte, opts ...LoadOptions) (*Model, error) {
	proto, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	return LoadFromProto(proto, pickOptions(opts))
}

// LoadFromProto compiles an already parsed model.
func LoadFromProto(proto *ModelProto, opt LoadOptions) (*Model, error) {
	if proto == nil || proto.Graph == nil {
		return nil, errors.New("model has no graph")
	}
	registry := operators.NewRegistry()
	if opt.Strict {
		if missing := unsupportedOps(proto.Graph, registry); len(missing) > 0 {
			return nil, fmt.Errorf("unsupported operators: %v", missing)
		}
	}

	m := &Model{
		proto:    proto,
		registry: registry,
		ctx:      &operators.Context{Parallel: opt.Parallel},
	}
	if err := m.compile(); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	return m, nil
}

// unsupportedOps lists op types without a handler, sorted.
func unsupportedOps(g *GraphProto, registry *operators.Registry) []string {
	set := make(map[string]struct{})
	for i := range g.Nodes {
		op := g.Nodes[i].OpType
		if _, ok := registry.Get(op); !ok {
			set[op] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for op := range set {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// ModelInfo summarizes an artifact for display.
type ModelInfo struct {
	IRVersion       int64
	OpsetVersion    int64
	ProducerName    string
	ProducerVersion string

	// InputNames excludes graph inputs that are backed by an initializer.
	InputNames  []string
	OutputNames []string

	NodeCount   int
	WeightCount int
	OpCounts    map[string]int
}

// Info summarizes a parsed model without compiling it.
func Info(proto *ModelProto) *ModelInfo {
	info := &ModelInfo{
		IRVersion:       proto.IRVersion,
		OpsetVersion:    proto.Opset(),
		ProducerName:    proto.ProducerName,
		ProducerVersion: proto.ProducerVersion,
		OpCounts:        make(map[string]int),
	}
	g := proto.Graph
	if g == nil {
		return info
	}

	info.NodeCount = len(g.Nodes)
	info.WeightCount = len(g.Initializers)
	for i := range g.Nodes {
		info.OpCounts[g.Nodes[i].OpType]++
	}
	for i := range g.Inputs {
		if _, weight := g.Initializer(g.Inputs[i].Name); !weight {
			info.InputNames = append(info.InputNames, g.Inputs[i].Name)
		}
	}
	for i := range g.Outputs {
		info.OutputNames = append(info.OutputNames, g.Outputs[i].Name)
	}
	return info
}

// ListSupportedOps returns the operator types the runtime can execute.
func ListSupportedOps() []string {
	return operators.NewRegistry().SupportedOps()
}
