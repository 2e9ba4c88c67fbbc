package operators

import (
	"fmt"
	"math"

	"github.com/fragrancelog/embedexport/internal/parallel"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// registerMathOps adds element-wise and matrix operators to the registry.
func (r *Registry) registerMathOps() {
	r.Register("Add", binaryHandler("Add", func(x, y float64) float64 { return x + y }))
	r.Register("Sub", binaryHandler("Sub", func(x, y float64) float64 { return x - y }))
	r.Register("Div", binaryHandler("Div", func(x, y float64) float64 { return x / y }))
	r.Register("Pow", binaryHandler("Pow", math.Pow))
	r.Register("Reciprocal", unaryHandler("Reciprocal", func(x float64) float64 { return 1 / x }))
	r.Register("Relu", unaryHandler("Relu", func(x float64) float64 { return math.Max(x, 0) }))
	r.Register("Clip", handleClip)
	r.Register("Gemm", handleGemm)
}

// binaryHandler builds a broadcasting element-wise operator.
func binaryHandler(op string, fn func(x, y float64) float64) OpHandler {
	return func(_ *Context, _ *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
		if err := requireInputs(op, inputs, 2, 2); err != nil {
			return nil, err
		}
		out, err := tensor.BinaryMap(inputs[0], inputs[1], func(x, y float32) float32 {
			return float32(fn(float64(x), float64(y)))
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return single(out), nil
	}
}

func unaryHandler(op string, fn func(x float64) float64) OpHandler {
	return func(_ *Context, _ *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
		if err := requireInputs(op, inputs, 1, 1); err != nil {
			return nil, err
		}
		x := inputs[0]
		out := tensor.Zeros(x.Shape())
		od := out.Data()
		for i, v := range x.Data() {
			od[i] = float32(fn(float64(v)))
		}
		return single(out), nil
	}
}

// handleClip bounds values to [min, max]. Both bounds are optional
// scalar inputs.
func handleClip(_ *Context, _ *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := requireInputs("Clip", inputs, 1, 3); err != nil {
		return nil, err
	}
	lo, hi := math.Inf(-1), math.Inf(1)
	for i, bound := range []*float64{&lo, &hi} {
		t := optional(inputs, i+1)
		if t == nil {
			continue
		}
		if t.NumElements() != 1 {
			return nil, fmt.Errorf("clip: bound %d must be a scalar, got %v", i+1, t.Shape())
		}
		*bound = float64(t.Data()[0])
	}

	x := inputs[0]
	out := tensor.Zeros(x.Shape())
	od := out.Data()
	for i, v := range x.Data() {
		od[i] = float32(math.Min(math.Max(float64(v), lo), hi))
	}
	return single(out), nil
}

// handleGemm implements General Matrix Multiplication: Y = alpha*A'*B' + beta*C,
// where A' and B' are optionally transposed and C broadcasts to [M, N].
func handleGemm(ctx *Context, node *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := requireInputs("Gemm", inputs, 2, 3); err != nil {
		return nil, err
	}
	a, b, c := inputs[0], inputs[1], optional(inputs, 2)
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, fmt.Errorf("gemm: want 2D operands, got %v and %v", a.Shape(), b.Shape())
	}

	alpha := float64(GetAttrFloat(node, "alpha", 1.0))
	beta := float64(GetAttrFloat(node, "beta", 1.0))
	transA := GetAttrInt(node, "transA", 0) != 0
	transB := GetAttrInt(node, "transB", 0) != 0

	m, k := a.Dim(0), a.Dim(1)
	if transA {
		m, k = k, m
	}
	kb, n := b.Dim(0), b.Dim(1)
	if transB {
		kb, n = n, kb
	}
	if k != kb {
		return nil, fmt.Errorf("gemm: inner dimensions %d and %d differ", k, kb)
	}

	out := tensor.Zeros(tensor.Shape{m, n})
	if c != nil {
		// Materialize C at [M, N] through the broadcasting add.
		bc, err := tensor.BinaryMap(out, c, func(_, y float32) float32 { return y })
		if err != nil || !bc.Shape().Equal(out.Shape()) {
			return nil, fmt.Errorf("gemm: C %v does not broadcast to [%d %d]", c.Shape(), m, n)
		}
		out = bc
	}

	ad, bd, od := a.Data(), b.Data(), out.Data()
	lda, ldb := a.Dim(1), b.Dim(1)
	parallel.For(m, func(i int) {
		for j := 0; j < n; j++ {
			var sum float64
			for p := 0; p < k; p++ {
				var av, bv float32
				if transA {
					av = ad[p*lda+i]
				} else {
					av = ad[i*lda+p]
				}
				if transB {
					bv = bd[j*ldb+p]
				} else {
					bv = bd[p*ldb+j]
				}
				sum += float64(av) * float64(bv)
			}
			od[i*n+j] = float32(alpha*sum + beta*float64(od[i*n+j]))
		}
	}, ctx.Parallel)

	return single(out), nil
}
