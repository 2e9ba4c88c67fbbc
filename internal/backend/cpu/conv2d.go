package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// Conv2D performs 2D convolution using the im2col algorithm.
//
// Input shape: [batch, in_channels, height, width]
// Kernel shape: [out_channels, in_channels, kernel_h, kernel_w]
// Bias shape: [out_channels] or nil
// Output shape: [batch, out_channels, out_h, out_w]
//
// Algorithm (per sample):
//  1. Im2col: [C_in, H, W] -> col [H_out * W_out, C_in * K_h * K_w]
//  2. Kernel is already [C_out, C_in * K_h * K_w] in row-major layout
//  3. SGEMM: out[C_out, H_out*W_out] = kernel · colᵀ
//
// Pointwise convolutions with stride 1 and no padding skip im2col and
// multiply the input plane directly.
//
// Samples are processed one at a time so identical images in a batch go
// through identical BLAS calls and produce bit-identical outputs.
func (cpu *CPUBackend) Conv2D(input, kernel, bias *tensor.Tensor, stride, padding int) *tensor.Tensor {
	inputShape := input.Shape()
	kernelShape := kernel.Shape()

	if len(inputShape) != 4 {
		panic(fmt.Sprintf("conv2d: input must be 4D [N,C,H,W], got %dD", len(inputShape)))
	}
	if len(kernelShape) != 4 {
		panic(fmt.Sprintf("conv2d: kernel must be 4D [C_out,C_in,K_h,K_w], got %dD", len(kernelShape)))
	}

	N, CIn, H, W := inputShape[0], inputShape[1], inputShape[2], inputShape[3]
	COut, CInK, KH, KW := kernelShape[0], kernelShape[1], kernelShape[2], kernelShape[3]

	if CIn != CInK {
		panic(fmt.Sprintf("conv2d: input channels %d != kernel channels %d", CIn, CInK))
	}
	if bias != nil && bias.NumElements() != COut {
		panic(fmt.Sprintf("conv2d: bias has %d elements, want %d", bias.NumElements(), COut))
	}

	HOut := tensor.Conv2DOutputSize(H, KH, stride, padding)
	WOut := tensor.Conv2DOutputSize(W, KW, stride, padding)
	if HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("conv2d: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", HOut, WOut))
	}

	output := tensor.Zeros(tensor.Shape{N, COut, HOut, WOut})

	inputData := input.Data()
	outputData := output.Data()
	colWidth := CIn * KH * KW
	positions := HOut * WOut

	kmat := blas32.General{Rows: COut, Cols: colWidth, Stride: colWidth, Data: kernel.Data()}
	pointwise := KH == 1 && KW == 1 && stride == 1 && padding == 0

	var colBuf []float32
	if !pointwise {
		colBuf = make([]float32, positions*colWidth)
	}

	for n := 0; n < N; n++ {
		sample := inputData[n*CIn*H*W : (n+1)*CIn*H*W]
		out := blas32.General{Rows: COut, Cols: positions, Stride: positions, Data: outputData[n*COut*positions : (n+1)*COut*positions]}

		if pointwise {
			// Input plane is already [C_in, H*W]
			in := blas32.General{Rows: CIn, Cols: positions, Stride: positions, Data: sample}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, kmat, in, 0, out)
		} else {
			im2colFloat32(colBuf, sample, CIn, H, W, KH, KW, HOut, WOut, stride, padding)
			col := blas32.General{Rows: positions, Cols: colWidth, Stride: colWidth, Data: colBuf}
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, kmat, col, 0, out)
		}

		if bias != nil {
			addChannelBias(out.Data, bias.Data(), positions)
		}
	}

	return output
}

// im2colFloat32 transforms one input sample into a column matrix.
//
// Input: [C, H, W]
// Output: colBuf [H_out * W_out, C * K_h * K_w]
//
// Each row of colBuf corresponds to one output position.
// Each column corresponds to one kernel weight.
func im2colFloat32(colBuf, inputData []float32, C, H, W, KH, KW, HOut, WOut, stride, padding int) {
	colWidth := C * KH * KW

	for outH := 0; outH < HOut; outH++ {
		for outW := 0; outW < WOut; outW++ {
			hStart := outH*stride - padding
			wStart := outW*stride - padding
			bufIdx := (outH*WOut + outW) * colWidth

			for c := 0; c < C; c++ {
				for kh := 0; kh < KH; kh++ {
					h := hStart + kh
					for kw := 0; kw < KW; kw++ {
						w := wStart + kw
						if h >= 0 && h < H && w >= 0 && w < W {
							colBuf[bufIdx] = inputData[c*H*W+h*W+w]
						} else {
							// Zero padding
							colBuf[bufIdx] = 0
						}
						bufIdx++
					}
				}
			}
		}
	}
}

func addChannelBias(out, bias []float32, positions int) {
	for c, b := range bias {
		plane := out[c*positions : (c+1)*positions]
		for i := range plane {
			plane[i] += b
		}
	}
}
