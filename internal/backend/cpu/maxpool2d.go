package cpu

import (
	"fmt"
	"math"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// MaxPool2D performs 2D max pooling.
//
// Input shape:  [batch, channels, height, width]
// Output shape: [batch, channels, out_height, out_width]
//
// Where:
//
//	out_height = (height + 2*padding - kernelSize) / stride + 1
//	out_width = (width + 2*padding - kernelSize) / stride + 1
//
// Padding is implicit negative infinity: padded positions are skipped, so
// a window that overlaps the border takes the max of its in-bounds values.
//
// Example (2x2 pool, stride=2, no padding):
//
//	Input: [[1,2,3,4],    Output: [[6,8],
//	        [5,6,7,8],             [14,16]]
//	        [9,10,11,12],
//	        [13,14,15,16]]
func (cpu *CPUBackend) MaxPool2D(input *tensor.Tensor, kernelSize, stride, padding int) *tensor.Tensor {
	inputShape := input.Shape()
	if len(inputShape) != 4 {
		panic(fmt.Sprintf("maxpool2d: expected 4D input [N,C,H,W], got %dD", len(inputShape)))
	}

	N, C, H, W := inputShape[0], inputShape[1], inputShape[2], inputShape[3]

	if kernelSize <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid kernel size %d", kernelSize))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid stride %d", stride))
	}
	if padding < 0 || 2*padding > kernelSize {
		panic(fmt.Sprintf("maxpool2d: padding %d must be in [0, kernel/2]", padding))
	}

	HOut := tensor.Conv2DOutputSize(H, kernelSize, stride, padding)
	WOut := tensor.Conv2DOutputSize(W, kernelSize, stride, padding)
	if HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid output dimensions %dx%d (kernel=%d, stride=%d, input=%dx%d)",
			HOut, WOut, kernelSize, stride, H, W))
	}

	output := tensor.Zeros(tensor.Shape{N, C, HOut, WOut})
	inputData := input.Data()
	outputData := output.Data()

	outIdx := 0
	for nc := 0; nc < N*C; nc++ {
		plane := inputData[nc*H*W : (nc+1)*H*W]
		for oh := 0; oh < HOut; oh++ {
			for ow := 0; ow < WOut; ow++ {
				maxVal := float32(math.Inf(-1))
				for kh := 0; kh < kernelSize; kh++ {
					h := oh*stride - padding + kh
					if h < 0 || h >= H {
						continue
					}
					for kw := 0; kw < kernelSize; kw++ {
						w := ow*stride - padding + kw
						if w < 0 || w >= W {
							continue
						}
						if v := plane[h*W+w]; v > maxVal {
							maxVal = v
						}
					}
				}
				outputData[outIdx] = maxVal
				outIdx++
			}
		}
	}

	return output
}
