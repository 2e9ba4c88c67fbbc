package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// TestConv2D_BasicForward tests basic Conv2D forward pass.
func TestConv2D_BasicForward(t *testing.T) {
	backend := New()

	// 1 2 3
	// 4 5 6
	// 7 8 9
	input := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, tensor.Shape{1, 1, 3, 3})

	// 1 0
	// 0 1
	kernel := tensor.FromSlice([]float32{1, 0, 0, 1}, tensor.Shape{1, 1, 2, 2})

	output := backend.Conv2D(input, kernel, nil, 1, 0)

	expectedShape := tensor.Shape{1, 1, 2, 2}
	if !output.Shape().Equal(expectedShape) {
		t.Fatalf("Expected shape %v, got %v", expectedShape, output.Shape())
	}

	expected := []float32{6, 8, 12, 14}
	for i, exp := range expected {
		if output.Data()[i] != exp {
			t.Errorf("Output[%d]: expected %.1f, got %.1f", i, exp, output.Data()[i])
		}
	}
}

func TestConv2D_PaddingAndBias(t *testing.T) {
	backend := New()

	input := tensor.Ones(tensor.Shape{1, 1, 3, 3})
	kernel := tensor.Ones(tensor.Shape{1, 1, 3, 3})
	bias := tensor.FromSlice([]float32{0.5}, tensor.Shape{1})

	output := backend.Conv2D(input, kernel, bias, 1, 1)
	require.Equal(t, tensor.Shape{1, 1, 3, 3}, output.Shape())

	// Corners see 4 ones, edges 6, center 9.
	expected := []float32{4, 6, 4, 6, 9, 6, 4, 6, 4}
	for i, exp := range expected {
		assert.InDelta(t, exp+0.5, output.Data()[i], 1e-6, "index %d", i)
	}
}

func TestConv2D_MatchesDirectConvolution(t *testing.T) {
	backend := New()

	cases := []struct {
		name            string
		k, stride, pad  int
		cin, cout, h, w int
	}{
		{"stem-like", 7, 2, 3, 3, 4, 11, 11},
		{"3x3 strided", 3, 2, 1, 4, 5, 8, 8},
		{"pointwise", 1, 1, 0, 6, 3, 5, 5},
		{"pointwise strided", 1, 2, 0, 6, 3, 5, 5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := tensor.RandNormal(tensor.Shape{2, tc.cin, tc.h, tc.w}, 0, 1, 1)
			kernel := tensor.RandNormal(tensor.Shape{tc.cout, tc.cin, tc.k, tc.k}, 0, 0.1, 2)
			bias := tensor.RandNormal(tensor.Shape{tc.cout}, 0, 0.1, 3)

			got := backend.Conv2D(input, kernel, bias, tc.stride, tc.pad)
			want := directConv(input, kernel, bias, tc.stride, tc.pad)

			require.Equal(t, want.Shape(), got.Shape())
			for i := range want.Data() {
				assert.InDelta(t, want.Data()[i], got.Data()[i], 1e-4)
			}
		})
	}
}

func TestConv2D_IdenticalSamplesAreBitIdentical(t *testing.T) {
	backend := New()

	one := tensor.RandNormal(tensor.Shape{1, 3, 9, 9}, 0, 1, 5)
	batch := tensor.Zeros(tensor.Shape{3, 3, 9, 9})
	for n := 0; n < 3; n++ {
		copy(batch.Row(n), one.Data())
	}
	kernel := tensor.RandNormal(tensor.Shape{4, 3, 3, 3}, 0, 1, 6)

	out := backend.Conv2D(batch, kernel, nil, 2, 1)
	assert.Equal(t, out.Row(0), out.Row(1))
	assert.Equal(t, out.Row(0), out.Row(2))
}

func TestConv2D_ChannelMismatchPanics(t *testing.T) {
	backend := New()
	assert.Panics(t, func() {
		backend.Conv2D(tensor.Zeros(tensor.Shape{1, 2, 4, 4}), tensor.Zeros(tensor.Shape{1, 3, 1, 1}), nil, 1, 0)
	})
}

func directConv(input, kernel, bias *tensor.Tensor, stride, pad int) *tensor.Tensor {
	N, C, H, W := input.Dim(0), input.Dim(1), input.Dim(2), input.Dim(3)
	F, KH, KW := kernel.Dim(0), kernel.Dim(2), kernel.Dim(3)
	HOut := tensor.Conv2DOutputSize(H, KH, stride, pad)
	WOut := tensor.Conv2DOutputSize(W, KW, stride, pad)
	out := tensor.Zeros(tensor.Shape{N, F, HOut, WOut})
	idx := 0
	for n := 0; n < N; n++ {
		for f := 0; f < F; f++ {
			for oh := 0; oh < HOut; oh++ {
				for ow := 0; ow < WOut; ow++ {
					var sum float64
					for c := 0; c < C; c++ {
						for kh := 0; kh < KH; kh++ {
							for kw := 0; kw < KW; kw++ {
								h, w := oh*stride-pad+kh, ow*stride-pad+kw
								if h < 0 || h >= H || w < 0 || w >= W {
									continue
								}
								sum += float64(input.At(n, c, h, w)) * float64(kernel.At(f, c, kh, kw))
							}
						}
					}
					out.Data()[idx] = float32(sum) + bias.Data()[f]
					idx++
				}
			}
		}
	}
	return out
}
