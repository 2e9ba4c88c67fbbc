// Package trace captures the forward computation of a network as a list of
// backend operations.
//
// Backend wraps any tensor.Backend (the CPU backend in practice) using the
// decorator pattern: every call is forwarded to the inner backend and the
// call, its tensor arguments and its result are appended to a Tape while
// recording is enabled. Tensors are identified by pointer, so the tape is a
// data-flow graph: an input that is the Output of an earlier Op is an edge,
// anything else is a leaf (the graph input, a parameter or a constant).
//
// Usage:
//
//	backend := trace.New(cpu.New())
//	net, _ := model.Build(cfg, backend)
//	backend.Tape().StartRecording()
//	out := net.Forward(input)
//	backend.Tape().StopRecording()
package trace

import "github.com/fragrancelog/embedexport/internal/tensor"

// Backend wraps a tensor.Backend and records operations on a Tape.
type Backend struct {
	inner tensor.Backend
	tape  *Tape
}

var _ tensor.Backend = (*Backend)(nil)

// New creates a tracing backend wrapping the given backend.
func New(inner tensor.Backend) *Backend {
	return &Backend{
		inner: inner,
		tape:  NewTape(),
	}
}

// Tape returns the tape for manual control.
func (b *Backend) Tape() *Tape {
	return b.tape
}

// Inner returns the wrapped backend.
func (b *Backend) Inner() tensor.Backend {
	return b.inner
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "Trace(" + b.inner.Name() + ")"
}

func (b *Backend) record(typ OpType, out *tensor.Tensor, attrs Attrs, inputs ...*tensor.Tensor) *tensor.Tensor {
	b.tape.Record(Op{Type: typ, Inputs: inputs, Output: out, Attrs: attrs})
	return out
}

// Conv2D forwards to the inner backend and records the call.
func (b *Backend) Conv2D(input, weight, bias *tensor.Tensor, stride, padding int) *tensor.Tensor {
	out := b.inner.Conv2D(input, weight, bias, stride, padding)
	attrs := Attrs{KernelSize: weight.Dim(2), Stride: stride, Padding: padding}
	return b.record(OpConv2D, out, attrs, input, weight, bias)
}

// MaxPool2D forwards to the inner backend and records the call.
func (b *Backend) MaxPool2D(input *tensor.Tensor, kernelSize, stride, padding int) *tensor.Tensor {
	out := b.inner.MaxPool2D(input, kernelSize, stride, padding)
	return b.record(OpMaxPool2D, out, Attrs{KernelSize: kernelSize, Stride: stride, Padding: padding}, input)
}

// BatchNorm forwards to the inner backend and records the call.
func (b *Backend) BatchNorm(input, gamma, beta, mean, variance *tensor.Tensor, eps float32) *tensor.Tensor {
	out := b.inner.BatchNorm(input, gamma, beta, mean, variance, eps)
	return b.record(OpBatchNorm, out, Attrs{Eps: eps}, input, gamma, beta, mean, variance)
}

// ReLU forwards to the inner backend and records the call.
func (b *Backend) ReLU(x *tensor.Tensor) *tensor.Tensor {
	return b.record(OpReLU, b.inner.ReLU(x), Attrs{}, x)
}

// Add forwards to the inner backend and records the call.
func (b *Backend) Add(x, y *tensor.Tensor) *tensor.Tensor {
	return b.record(OpAdd, b.inner.Add(x, y), Attrs{}, x, y)
}

// Sub forwards to the inner backend and records the call.
func (b *Backend) Sub(x, y *tensor.Tensor) *tensor.Tensor {
	return b.record(OpSub, b.inner.Sub(x, y), Attrs{}, x, y)
}

// Div forwards to the inner backend and records the call.
func (b *Backend) Div(x, y *tensor.Tensor) *tensor.Tensor {
	return b.record(OpDiv, b.inner.Div(x, y), Attrs{}, x, y)
}

// Clamp forwards to the inner backend and records the call.
func (b *Backend) Clamp(x *tensor.Tensor, lo float32) *tensor.Tensor {
	return b.record(OpClamp, b.inner.Clamp(x, lo), Attrs{Min: lo}, x)
}

// Pow forwards to the inner backend and records the call.
func (b *Backend) Pow(x, exponent *tensor.Tensor) *tensor.Tensor {
	return b.record(OpPow, b.inner.Pow(x, exponent), Attrs{}, x, exponent)
}

// Reciprocal forwards to the inner backend and records the call.
func (b *Backend) Reciprocal(x *tensor.Tensor) *tensor.Tensor {
	return b.record(OpReciprocal, b.inner.Reciprocal(x), Attrs{}, x)
}

// GlobalAvgPool2D forwards to the inner backend and records the call.
func (b *Backend) GlobalAvgPool2D(x *tensor.Tensor) *tensor.Tensor {
	return b.record(OpGlobalAvgPool2D, b.inner.GlobalAvgPool2D(x), Attrs{}, x)
}

// Flatten forwards to the inner backend and records the call.
func (b *Backend) Flatten(x *tensor.Tensor, axis int) *tensor.Tensor {
	return b.record(OpFlatten, b.inner.Flatten(x, axis), Attrs{Axis: axis}, x)
}

// Linear forwards to the inner backend and records the call.
func (b *Backend) Linear(x, weight, bias *tensor.Tensor) *tensor.Tensor {
	return b.record(OpLinear, b.inner.Linear(x, weight, bias), Attrs{}, x, weight, bias)
}

// L2Normalize forwards to the inner backend and records the call.
func (b *Backend) L2Normalize(x *tensor.Tensor, eps float32) *tensor.Tensor {
	return b.record(OpL2Normalize, b.inner.L2Normalize(x, eps), Attrs{Eps: eps}, x)
}
