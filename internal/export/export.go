// Package export turns a traced forward pass of the embedding network into
// an ONNX model.
//
// The model is built on a trace.Backend, run once on an example input, and
// the recorded tape is converted to a graph whose leaves are the graph
// input, the named parameters and constants of the network. The graph then
// goes through Conv+BatchNormalization fusion, constant folding and
// pruning before it is encoded.
//
// Export is deterministic: the same weights and example input always
// produce byte-identical output. Names are derived from positions in the
// graph, initializers are ordered by first use and no timestamps or host
// information are written.
package export

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/fragrancelog/embedexport/internal/onnx"
	"github.com/fragrancelog/embedexport/internal/tensor"
	"github.com/fragrancelog/embedexport/internal/trace"
)

// ErrNothingTraced is returned when the forward pass recorded no operations,
// which happens when the model was not built on the tracing backend.
var ErrNothingTraced = errors.New("forward pass recorded no operations")

// Traceable is a network that can be exported.
type Traceable interface {
	// Forward computes the network output. It must run on the backend
	// passed to Export.
	Forward(x *tensor.Tensor) *tensor.Tensor

	// StateDict returns the parameters and buffers by qualified name.
	StateDict() map[string]*tensor.Tensor

	// Constants returns named non-parameter tensors read by Forward.
	Constants() map[string]*tensor.Tensor
}

// Options controls naming and graph passes.
type Options struct {
	InputName  string
	OutputName string

	// BatchParam is the dim_param of the dynamic leading axis of the input
	// and output.
	BatchParam string

	GraphName       string
	ProducerName    string
	ProducerVersion string

	// FuseBatchNorm folds every BatchNormalization that directly follows a
	// Conv into the convolution weights.
	FuseBatchNorm bool

	// FoldConstants evaluates nodes whose inputs are all initializers.
	FoldConstants bool

	// Metadata is written as metadata_props, sorted by key.
	Metadata map[string]string
}

// DefaultOptions returns the options used for the production artifact.
func DefaultOptions() Options {
	return Options{
		InputName:     "input",
		OutputName:    "embedding",
		BatchParam:    "batch",
		GraphName:     "embedding_net",
		ProducerName:  "embedexport",
		FuseBatchNorm: true,
		FoldConstants: true,
	}
}

func (o Options) validate() error {
	switch {
	case o.InputName == "" || o.OutputName == "":
		return errors.New("input and output names are required")
	case o.InputName == o.OutputName:
		return fmt.Errorf("input and output share the name %q", o.InputName)
	case o.BatchParam == "":
		return errors.New("batch dim_param is required")
	}
	return nil
}

// Stats summarizes what the graph passes did.
type Stats struct {
	Nodes              int
	Initializers       int
	Fused              int
	Folded             int
	PrunedNodes        int
	PrunedInitializers int
}

// Result is an exported model.
type Result struct {
	Model *onnx.ModelProto
	Bytes []byte

	// Checksum is the hex SHA-256 of Bytes.
	Checksum string

	// Output is the in-process output of the traced forward pass on the
	// example input.
	Output *tensor.Tensor

	Stats Stats
}

// WriteFile writes the encoded model to path.
func (r *Result) WriteFile(path string) error {
	if err := os.WriteFile(path, r.Bytes, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Export traces one forward pass of m on example and converts it to ONNX.
//
// m must have been built on tb. example is [N, C, H, W]; N becomes the
// symbolic batch axis, the other dimensions are fixed.
func Export(m Traceable, tb *trace.Backend, example *tensor.Tensor, opts Options) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid export options: %w", err)
	}
	if example == nil || example.Rank() < 2 {
		return nil, fmt.Errorf("example input must have a batch axis, got %v", shapeOf(example))
	}

	out, ops, err := record(m, tb, example)
	if err != nil {
		return nil, err
	}
	if out.Rank() < 2 {
		return nil, fmt.Errorf("output must have a batch axis, got %v", out.Shape())
	}

	named := make(map[string]*tensor.Tensor)
	for name, t := range m.Constants() {
		named[name] = t
	}
	for name, t := range m.StateDict() {
		if _, dup := named[name]; dup {
			return nil, fmt.Errorf("constant %q shadows a parameter", name)
		}
		named[name] = t
	}

	g, err := build(ops, example, out, named, opts)
	if err != nil {
		return nil, err
	}

	var stats Stats
	if opts.FuseBatchNorm {
		stats.Fused = g.fuseBatchNorm()
	}
	if opts.FoldConstants {
		if stats.Folded, err = g.foldConstants(); err != nil {
			return nil, err
		}
	}
	stats.PrunedNodes, stats.PrunedInitializers = g.prune()

	graph := g.finalize(opts, example.Shape(), out.Shape())
	stats.Nodes = len(graph.Nodes)
	stats.Initializers = len(graph.Initializers)

	model := &onnx.ModelProto{
		IRVersion:       onnx.IRVersion,
		ProducerName:    opts.ProducerName,
		ProducerVersion: opts.ProducerVersion,
		Graph:           graph,
		OpsetImport:     []onnx.OperatorSetID{{Version: onnx.OpsetVersion}},
		MetadataProps:   metadata(opts.Metadata),
	}

	data := onnx.Marshal(model)
	sum := sha256.Sum256(data)
	return &Result{
		Model:    model,
		Bytes:    data,
		Checksum: hex.EncodeToString(sum[:]),
		Output:   out,
		Stats:    stats,
	}, nil
}

// record runs the forward pass with the tape recording.
func record(m Traceable, tb *trace.Backend, example *tensor.Tensor) (out *tensor.Tensor, ops []trace.Op, err error) {
	tape := tb.Tape()
	defer func() {
		if r := recover(); r != nil {
			out, ops, err = nil, nil, fmt.Errorf("forward pass failed: %v", r)
		}
	}()

	tape.Clear()
	tape.StartRecording()
	defer tape.StopRecording()

	out = m.Forward(example)
	if tape.Len() == 0 {
		return nil, nil, ErrNothingTraced
	}
	return out, tape.Ops(), nil
}

func metadata(m map[string]string) []onnx.StringStringEntry {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	props := make([]onnx.StringStringEntry, len(keys))
	for i, k := range keys {
		props[i] = onnx.StringStringEntry{Key: k, Value: m[k]}
	}
	return props
}

func shapeOf(t *tensor.Tensor) tensor.Shape {
	if t == nil {
		return nil
	}
	return t.Shape()
}
