package operators

import (
	"fmt"
	"math"

	"github.com/fragrancelog/embedexport/internal/parallel"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// MinNorm is the smallest norm LpNormalization divides by. Without a
// floor a zero row would produce NaNs.
const MinNorm = 1e-12

// registerNormOps adds normalization operators to the registry.
func (r *Registry) registerNormOps() {
	r.Register("BatchNormalization", handleBatchNormalization)
	r.Register("LpNormalization", handleLpNormalization)
}

// handleBatchNormalization applies inference-mode batch normalization:
//
//	y = (x - mean) / sqrt(var + epsilon) * scale + B
//
// Inputs: X [N, C, ...], scale, B, input_mean, input_var each [C].
func handleBatchNormalization(ctx *Context, node *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := requireInputs("BatchNormalization", inputs, 5, 5); err != nil {
		return nil, err
	}
	if GetAttrInt(node, "training_mode", 0) != 0 {
		return nil, fmt.Errorf("batchnormalization: training_mode not supported")
	}
	if len(node.Outputs) > 1 {
		return nil, fmt.Errorf("batchnormalization: running statistics outputs not supported")
	}
	x := inputs[0]
	if x.Rank() < 2 {
		return nil, fmt.Errorf("batchnormalization: want rank >= 2, got %v", x.Shape())
	}
	n, c := x.Dim(0), x.Dim(1)
	for i, name := range []string{"scale", "B", "input_mean", "input_var"} {
		if p := inputs[i+1]; p.NumElements() != c {
			return nil, fmt.Errorf("batchnormalization: %s has %d elements, want %d", name, p.NumElements(), c)
		}
	}
	eps := float64(GetAttrFloat(node, "epsilon", 1e-5))
	scale, shift, mean, variance := inputs[1].Data(), inputs[2].Data(), inputs[3].Data(), inputs[4].Data()

	spatial := x.NumElements() / max(n*c, 1)
	out := tensor.Zeros(x.Shape())
	xd, od := x.Data(), out.Data()

	parallel.ForBatch(n, c, func(b, ch int) {
		inv := 1 / math.Sqrt(float64(variance[ch])+eps)
		m, g, s := float64(mean[ch]), float64(scale[ch]), float64(shift[ch])
		off := (b*c + ch) * spatial
		for i := off; i < off+spatial; i++ {
			od[i] = float32((float64(xd[i])-m)*inv*g + s)
		}
	}, ctx.Parallel)

	return single(out), nil
}

// handleLpNormalization divides every slice along axis by its L1 or L2
// norm, floored at MinNorm.
func handleLpNormalization(ctx *Context, node *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := requireInputs("LpNormalization", inputs, 1, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	rank := x.Rank()
	axis := int(GetAttrInt(node, "axis", -1))
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("lpnormalization: axis %d out of range for %v", GetAttrInt(node, "axis", -1), x.Shape())
	}
	p := GetAttrInt(node, "p", 2)
	if p != 1 && p != 2 {
		return nil, fmt.Errorf("lpnormalization: p must be 1 or 2, got %d", p)
	}

	shape := x.Shape()
	outer, inner := 1, 1
	for i := 0; i < axis; i++ {
		outer *= shape[i]
	}
	for i := axis + 1; i < rank; i++ {
		inner *= shape[i]
	}
	length := shape[axis]

	out := tensor.Zeros(shape)
	xd, od := x.Data(), out.Data()

	parallel.ForBatch(outer, inner, func(o, in int) {
		base := o*length*inner + in
		var norm float64
		for k := 0; k < length; k++ {
			v := float64(xd[base+k*inner])
			if p == 1 {
				norm += math.Abs(v)
			} else {
				norm += v * v
			}
		}
		if p == 2 {
			norm = math.Sqrt(norm)
		}
		norm = math.Max(norm, MinNorm)
		for k := 0; k < length; k++ {
			od[base+k*inner] = float32(float64(xd[base+k*inner]) / norm)
		}
	}, ctx.Parallel)

	return single(out), nil
}
