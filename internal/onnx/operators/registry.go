package operators

import (
	"fmt"
	"sort"

	"github.com/fragrancelog/embedexport/internal/parallel"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// OpHandler processes an ONNX node and returns output tensors.
//
// Absent optional inputs are passed as nil. Handlers never modify their
// inputs.
type OpHandler func(ctx *Context, node *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error)

// Context carries execution settings shared by all handlers.
type Context struct {
	Parallel parallel.Config
}

// DefaultContext spreads kernel work over all CPUs.
func DefaultContext() *Context {
	return &Context{Parallel: parallel.DefaultConfig()}
}

// Registry maps ONNX operator types to handler functions.
type Registry struct {
	handlers map[string]OpHandler
}

// NewRegistry creates a registry with every supported operator.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[string]OpHandler),
	}

	r.registerConvOps()
	r.registerNormOps()
	r.registerMathOps()
	r.registerShapeOps()

	return r
}

// Register adds or replaces an operator handler.
func (r *Registry) Register(opType string, handler OpHandler) {
	r.handlers[opType] = handler
}

// Get returns the handler for an operator type.
func (r *Registry) Get(opType string) (OpHandler, bool) {
	h, ok := r.handlers[opType]
	return h, ok
}

// Execute runs an operator with the given inputs.
func (r *Registry) Execute(ctx *Context, node *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	handler, ok := r.handlers[node.OpType]
	if !ok {
		return nil, fmt.Errorf("unsupported operator: %s", node.OpType)
	}
	if ctx == nil {
		ctx = DefaultContext()
	}
	return handler(ctx, node, inputs)
}

// SupportedOps returns all supported operator types, sorted.
func (r *Registry) SupportedOps() []string {
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// requireInputs checks the count of present inputs. The first min inputs
// must be non-nil; up to max may be given.
func requireInputs(op string, inputs []*tensor.Tensor, minIn, maxIn int) error {
	if len(inputs) < minIn || len(inputs) > maxIn {
		if minIn == maxIn {
			return fmt.Errorf("%s requires %d inputs, got %d", op, minIn, len(inputs))
		}
		return fmt.Errorf("%s requires %d to %d inputs, got %d", op, minIn, maxIn, len(inputs))
	}
	for i := 0; i < minIn; i++ {
		if inputs[i] == nil {
			return fmt.Errorf("%s: input %d is required", op, i)
		}
	}
	return nil
}

// optional returns inputs[i] or nil when it is absent.
func optional(inputs []*tensor.Tensor, i int) *tensor.Tensor {
	if i < len(inputs) {
		return inputs[i]
	}
	return nil
}

func single(t *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{t}
}
