package tensor

import "fmt"

// Shape lists tensor dimensions, outermost first. An empty Shape is a scalar.
type Shape []int

// NumElements returns the product of the dimensions (1 for a scalar).
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Validate rejects non-positive dimensions.
func (s Shape) Validate() error {
	for axis, d := range s {
		if d <= 0 {
			return fmt.Errorf("tensor: dimension %d of %v is %d, want > 0", axis, []int(s), d)
		}
	}
	return nil
}

// Equal reports whether both shapes have the same rank and dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for axis, d := range s {
		if other[axis] != d {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Shape) Clone() Shape {
	return append(Shape(make([]int, 0, len(s))), s...)
}

// Int64s converts the shape to the int64 dims used by serialized graphs.
func (s Shape) Int64s() []int64 {
	dims := make([]int64, len(s))
	for i, d := range s {
		dims[i] = int64(d)
	}
	return dims
}

// ComputeStrides returns row-major element strides: the last axis has
// stride 1 and each earlier axis spans the product of the ones after it.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	step := 1
	for axis := len(s) - 1; axis >= 0; axis-- {
		strides[axis] = step
		step *= s[axis]
	}
	return strides
}

// BroadcastShapes aligns a and b on their trailing axes and returns the
// NumPy broadcast result. Axes are compatible when equal or when either
// is 1; a missing leading axis counts as 1. The flag reports whether any
// operand has to be expanded.
//
//	[1 3 1 1] with [2 3 8 8] -> [2 3 8 8], true
//	[3 5] with [3 5]         -> [3 5], false
//	[3 4] with [3 5]         -> error
func BroadcastShapes(a, b Shape) (Shape, bool, error) {
	rank := max(len(a), len(b))
	out := make(Shape, rank)
	expand := len(a) != len(b)

	dim := func(s Shape, axis int) int {
		if i := axis - (rank - len(s)); i >= 0 {
			return s[i]
		}
		return 1
	}
	for axis := 0; axis < rank; axis++ {
		da, db := dim(a, axis), dim(b, axis)
		switch {
		case da == db:
			out[axis] = da
		case da == 1:
			out[axis], expand = db, true
		case db == 1:
			out[axis], expand = da, true
		default:
			return nil, false, fmt.Errorf("tensor: cannot broadcast %v with %v at axis %d (%d vs %d)", a, b, axis, da, db)
		}
	}
	return out, expand, nil
}

// Conv2DOutputSize returns the spatial output extent of a convolution or
// pooling window over an input extent.
func Conv2DOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}
