package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// Linear computes y = x·Wᵀ + b.
//
// x: [N, in], weight: [out, in], bias: [out] or nil. Returns [N, out].
//
// Each row is an independent SGEMV so that a row's result never depends
// on which other rows share the batch.
func (cpu *CPUBackend) Linear(x, weight, bias *tensor.Tensor) *tensor.Tensor {
	if x.Rank() != 2 || weight.Rank() != 2 {
		panic(fmt.Sprintf("linear: expected 2D input and weight, got %v and %v", x.Shape(), weight.Shape()))
	}
	N, in := x.Dim(0), x.Dim(1)
	out, inW := weight.Dim(0), weight.Dim(1)
	if in != inW {
		panic(fmt.Sprintf("linear: input features %d != weight features %d", in, inW))
	}
	if bias != nil && bias.NumElements() != out {
		panic(fmt.Sprintf("linear: bias has %d elements, want %d", bias.NumElements(), out))
	}

	output := tensor.Zeros(tensor.Shape{N, out})
	w := blas32.General{Rows: out, Cols: in, Stride: in, Data: weight.Data()}

	for n := 0; n < N; n++ {
		y := blas32.Vector{N: out, Data: output.Row(n), Inc: 1}
		beta := float32(0)
		if bias != nil {
			copy(y.Data, bias.Data())
			beta = 1
		}
		blas32.Gemv(blas.NoTrans, 1, w, blas32.Vector{N: in, Data: x.Row(n), Inc: 1}, beta, y)
	}
	return output
}
