// Package tensor provides the dense float32 tensor used by the embedding
// network, the in-process backend and the ONNX runtime.
//
// Tensors are immutable from the point of view of the compute path: every
// backend operation allocates its output and leaves its inputs untouched.
// Loaders are the only code that writes into a tensor after creation.
package tensor

import (
	"fmt"
	"strings"
)

// Tensor is a dense row-major array of float32 values.
type Tensor struct {
	shape Shape
	data  []float32
}

// New wraps data in a tensor of the given shape.
//
// The slice is used directly, not copied. Returns an error if the shape is
// invalid or does not match len(data).
func New(data []float32, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("tensor: shape %v needs %d elements, got %d", shape, shape.NumElements(), len(data))
	}
	return &Tensor{shape: shape.Clone(), data: data}, nil
}

// FromSlice is New for callers with statically known shapes. Panics on mismatch.
//
// Example:
//
//	mean := tensor.FromSlice([]float32{0.485, 0.456, 0.406}, tensor.Shape{1, 3, 1, 1})
func FromSlice(data []float32, shape Shape) *Tensor {
	t, err := New(data, shape)
	if err != nil {
		panic(err)
	}
	return t
}

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() Shape {
	return t.shape.Clone()
}

// Dim returns the size of dimension i. Negative indices count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return len(t.data)
}

// Data returns the underlying buffer. Callers must not retain it across
// mutations of the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Row returns row i of a tensor viewed as [dim0, rest...]. The returned
// slice aliases the tensor buffer.
func (t *Tensor) Row(i int) []float32 {
	if len(t.shape) == 0 {
		panic("tensor: Row on scalar")
	}
	stride := len(t.data) / t.shape[0]
	return t.data[i*stride : (i+1)*stride]
}

// At returns the element at the given multi-dimensional index.
func (t *Tensor) At(indices ...int) float32 {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: At expects %d indices, got %d", len(t.shape), len(indices)))
	}
	strides := t.shape.ComputeStrides()
	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for dim %d (size %d)", idx, i, t.shape[i]))
		}
		offset += idx * strides[i]
	}
	return t.data[offset]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: t.shape.Clone(), data: data}
}

// Reshape returns a copy of the tensor with a new shape of the same size.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	if shape.NumElements() != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v to %v", t.shape, shape)
	}
	out := t.Clone()
	out.shape = shape.Clone()
	return out, nil
}

// CopyFrom overwrites the tensor contents with src. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.shape.Equal(src.shape) {
		return fmt.Errorf("tensor: shape mismatch: have %v, got %v", t.shape, src.shape)
	}
	copy(t.data, src.data)
	return nil
}

// String returns a short description, not the full contents.
func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%v[", []int(t.shape))
	n := min(len(t.data), 4)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%.4g", t.data[i])
	}
	if len(t.data) > n {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}
