package export

import (
	"fmt"
	"math"
	"strings"

	"github.com/fragrancelog/embedexport/internal/onnx"
	"github.com/fragrancelog/embedexport/internal/onnx/operators"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// fusedPrefix marks initializers computed by Conv+BN fusion.
const fusedPrefix = "fused::"

// fuseBatchNorm rewrites Conv -> BatchNormalization pairs into a single
// Conv with scaled weights and a shifted bias:
//
//	s  = gamma / sqrt(var + eps)
//	W' = W * s          (per output channel)
//	b' = (b - mean) * s + beta
//
// A pair is fused only when the Conv output feeds nothing else and every
// operand is an initializer. Returns the number of fused pairs.
func (g *graph) fuseBatchNorm() int {
	producers := g.producers()
	uses := g.uses()
	removed := make(map[int]bool)

	for i, bn := range g.nodes {
		if bn.OpType != "BatchNormalization" || len(bn.Inputs) != 5 {
			continue
		}
		src := bn.Inputs[0]
		pi, ok := producers[src]
		if !ok || uses[src] != 1 || src == g.output {
			continue
		}
		conv := g.nodes[pi]
		if conv.OpType != "Conv" {
			continue
		}

		w, ok := g.consts[conv.Inputs[1]]
		if !ok {
			continue
		}
		var b *tensor.Tensor
		if len(conv.Inputs) > 2 && conv.Inputs[2] != "" {
			if b, ok = g.consts[conv.Inputs[2]]; !ok {
				continue
			}
		}
		stats, ok := g.constInputs(bn.Inputs[1:])
		if !ok {
			continue
		}
		eps := float32(1e-5)
		if attr, ok := bn.Attribute("epsilon"); ok {
			eps = attr.F
		}

		fw, fb, ok := foldBatchNorm(w, b, stats[0], stats[1], stats[2], stats[3], eps)
		if !ok {
			continue
		}

		wName := g.fusedName(conv.Inputs[1])
		bBase := strings.TrimSuffix(conv.Inputs[1], ".weight") + ".bias"
		if b != nil {
			bBase = conv.Inputs[2]
		}
		bName := g.fusedName(bBase)
		g.consts[wName] = fw
		g.consts[bName] = fb

		conv.Inputs = []string{conv.Inputs[0], wName, bName}
		conv.Outputs = []string{bn.Outputs[0]}
		removed[i] = true
	}

	if len(removed) == 0 {
		return 0
	}
	kept := g.nodes[:0]
	for i, n := range g.nodes {
		if !removed[i] {
			kept = append(kept, n)
		}
	}
	g.nodes = kept
	return len(removed)
}

func (g *graph) fusedName(base string) string {
	if isTemp(base) {
		return g.temp("c")
	}
	name := fusedPrefix + base
	if _, taken := g.consts[name]; taken {
		return g.temp("c")
	}
	return name
}

func (g *graph) constInputs(names []string) ([]*tensor.Tensor, bool) {
	out := make([]*tensor.Tensor, len(names))
	for i, name := range names {
		t, ok := g.consts[name]
		if !ok {
			return nil, false
		}
		out[i] = t
	}
	return out, true
}

// foldBatchNorm computes fused convolution parameters in float64. It
// reports false when the operand shapes do not line up.
func foldBatchNorm(w, b, gamma, beta, mean, variance *tensor.Tensor, eps float32) (*tensor.Tensor, *tensor.Tensor, bool) {
	f := w.Dim(0)
	for _, t := range []*tensor.Tensor{gamma, beta, mean, variance, b} {
		if t != nil && t.NumElements() != f {
			return nil, nil, false
		}
	}

	per := w.NumElements() / f
	wd := w.Data()
	fw := make([]float32, len(wd))
	fb := make([]float32, f)
	g, bt, m, v := gamma.Data(), beta.Data(), mean.Data(), variance.Data()

	for c := 0; c < f; c++ {
		scale := float64(g[c]) / math.Sqrt(float64(v[c])+float64(eps))
		for j := c * per; j < (c+1)*per; j++ {
			fw[j] = float32(float64(wd[j]) * scale)
		}
		bias := 0.0
		if b != nil {
			bias = float64(b.Data()[c])
		}
		fb[c] = float32((bias-float64(m[c]))*scale + float64(bt[c]))
	}

	return tensor.FromSlice(fw, w.Shape()), tensor.FromSlice(fb, tensor.Shape{f}), true
}

// foldConstants evaluates every node whose inputs are all initializers and
// replaces it with its result. Nodes are visited in order, so chains fold
// completely. The node computing the graph output is never folded.
func (g *graph) foldConstants() (int, error) {
	registry := operators.NewRegistry()
	ctx := operators.DefaultContext()

	kept := g.nodes[:0]
	folded := 0
	for _, n := range g.nodes {
		if n.Outputs[0] == g.output || !g.allConst(n.Inputs) {
			kept = append(kept, n)
			continue
		}

		inputs := make([]*tensor.Tensor, len(n.Inputs))
		for i, name := range n.Inputs {
			if name != "" {
				inputs[i] = g.consts[name]
			}
		}
		outputs, err := registry.Execute(ctx, onnx.OperatorNode(n), inputs)
		if err != nil {
			return 0, fmt.Errorf("folding %s: %w", n.OpType, err)
		}
		g.consts[n.Outputs[0]] = outputs[0]
		folded++
	}
	g.nodes = kept
	return folded, nil
}

func (g *graph) allConst(names []string) bool {
	seen := false
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := g.consts[name]; !ok {
			return false
		}
		seen = true
	}
	return seen
}

// prune removes nodes that do not contribute to the output and constants
// no remaining node reads.
func (g *graph) prune() (nodes, consts int) {
	live := map[string]bool{g.output: true}
	keep := make([]bool, len(g.nodes))
	for i := len(g.nodes) - 1; i >= 0; i-- {
		n := g.nodes[i]
		if !live[n.Outputs[0]] {
			continue
		}
		keep[i] = true
		for _, in := range n.Inputs {
			live[in] = true
		}
	}

	kept := g.nodes[:0]
	for i, n := range g.nodes {
		if keep[i] {
			kept = append(kept, n)
		} else {
			nodes++
		}
	}
	g.nodes = kept

	for name := range g.consts {
		if !live[name] {
			delete(g.consts, name)
			consts++
		}
	}
	return nodes, consts
}
