package operators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragrancelog/embedexport/internal/parallel"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

func run(t *testing.T, node *Node, inputs ...*tensor.Tensor) *tensor.Tensor {
	t.Helper()
	out, err := NewRegistry().Execute(DefaultContext(), node, inputs)
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func ints(name string, v ...int64) Attribute {
	return Attribute{Name: name, Type: 7, Ints: v}
}

func TestConv_PaddedStrided(t *testing.T) {
	// 1x1x3x3 input, single 2x2 kernel of ones, pad 1, stride 2.
	x := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, tensor.Shape{1, 1, 3, 3})
	w := tensor.Ones(tensor.Shape{1, 1, 2, 2})
	b := tensor.FromSlice([]float32{10}, tensor.Shape{1})

	out := run(t, &Node{OpType: "Conv", Attributes: []Attribute{
		ints("kernel_shape", 2, 2), ints("strides", 2, 2), ints("pads", 1, 1, 1, 1),
	}}, x, w, b)

	require.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{11, 15, 21, 38}, out.Data())
}

func TestConv_NilBiasAndGroups(t *testing.T) {
	x := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{1, 2, 1, 2})
	w := tensor.FromSlice([]float32{2, -1}, tensor.Shape{2, 1, 1, 1})

	out := run(t, &Node{OpType: "Conv", Attributes: []Attribute{{Name: "group", Type: 2, I: 2}}}, x, w, nil)
	assert.Equal(t, []float32{2, 4, -3, -4}, out.Data())
}

func TestConv_Deterministic(t *testing.T) {
	x := tensor.RandNormal(tensor.Shape{2, 3, 9, 9}, 0, 1, 1)
	w := tensor.RandNormal(tensor.Shape{4, 3, 3, 3}, 0, 1, 2)
	node := &Node{OpType: "Conv", Attributes: []Attribute{ints("pads", 1, 1, 1, 1)}}

	par, err := handleConv(&Context{Parallel: parallel.DefaultConfig()}, node, []*tensor.Tensor{x, w})
	require.NoError(t, err)
	seq, err := handleConv(&Context{Parallel: parallel.Sequential()}, node, []*tensor.Tensor{x, w})
	require.NoError(t, err)
	assert.Equal(t, seq[0].Data(), par[0].Data())
}

func TestConv_Errors(t *testing.T) {
	x := tensor.Ones(tensor.Shape{1, 2, 4, 4})
	w := tensor.Ones(tensor.Shape{1, 3, 1, 1})
	_, err := handleConv(DefaultContext(), &Node{}, []*tensor.Tensor{x, w})
	assert.Error(t, err)

	w = tensor.Ones(tensor.Shape{1, 2, 1, 1})
	_, err = handleConv(DefaultContext(), &Node{Attributes: []Attribute{{Name: "auto_pad", Type: 3, S: []byte("SAME_UPPER")}}}, []*tensor.Tensor{x, w})
	assert.Error(t, err)

	_, err = handleConv(DefaultContext(), &Node{Attributes: []Attribute{ints("kernel_shape", 3, 3)}}, []*tensor.Tensor{x, w})
	assert.Error(t, err)
}

func TestMaxPool_PaddingNeverWins(t *testing.T) {
	x := tensor.FromSlice([]float32{-5, -4, -3, -2}, tensor.Shape{1, 1, 2, 2})
	out := run(t, &Node{OpType: "MaxPool", Attributes: []Attribute{
		ints("kernel_shape", 3, 3), ints("strides", 2, 2), ints("pads", 1, 1, 1, 1),
	}}, x)
	require.Equal(t, tensor.Shape{1, 1, 1, 1}, out.Shape())
	assert.Equal(t, float32(-2), out.Data()[0])

	_, err := handleMaxPool(DefaultContext(), &Node{}, []*tensor.Tensor{x})
	assert.Error(t, err, "kernel_shape is required")
}

func TestGlobalAveragePool(t *testing.T) {
	x := tensor.FromSlice([]float32{1, 2, 3, 6, 0, 0, 0, 4}, tensor.Shape{1, 2, 2, 2})
	out := run(t, &Node{OpType: "GlobalAveragePool"}, x)
	assert.Equal(t, tensor.Shape{1, 2, 1, 1}, out.Shape())
	assert.Equal(t, []float32{3, 1}, out.Data())
}

func TestBatchNormalization(t *testing.T) {
	x := tensor.FromSlice([]float32{1, 3, 10, 20}, tensor.Shape{1, 2, 1, 2})
	scale := tensor.FromSlice([]float32{2, 1}, tensor.Shape{2})
	bias := tensor.FromSlice([]float32{0, 1}, tensor.Shape{2})
	mean := tensor.FromSlice([]float32{1, 10}, tensor.Shape{2})
	variance := tensor.FromSlice([]float32{4, 100}, tensor.Shape{2})

	out := run(t, &Node{OpType: "BatchNormalization", Attributes: []Attribute{{Name: "epsilon", Type: 1, F: 0}}},
		x, scale, bias, mean, variance)
	assert.InDeltaSlice(t, []float32{0, 2, 1, 2}, out.Data(), 1e-6)

	_, err := handleBatchNormalization(DefaultContext(), &Node{}, []*tensor.Tensor{x, scale, bias, mean, tensor.Ones(tensor.Shape{3})})
	assert.Error(t, err)
}

func TestLpNormalization(t *testing.T) {
	x := tensor.FromSlice([]float32{3, 4, 0, 0}, tensor.Shape{2, 2})
	out := run(t, &Node{OpType: "LpNormalization", Attributes: []Attribute{{Name: "axis", Type: 2, I: 1}, {Name: "p", Type: 2, I: 2}}}, x)
	assert.InDeltaSlice(t, []float32{0.6, 0.8, 0, 0}, out.Data(), 1e-7)
	for _, v := range out.Data() {
		assert.False(t, math.IsNaN(float64(v)))
	}

	axis0 := run(t, &Node{OpType: "LpNormalization", Attributes: []Attribute{{Name: "axis", Type: 2, I: 0}, {Name: "p", Type: 2, I: 1}}}, x)
	assert.InDeltaSlice(t, []float32{1, 1, 0, 0}, axis0.Data(), 1e-7)
}

func TestElementwise(t *testing.T) {
	x := tensor.FromSlice([]float32{1, 4, 9, -1}, tensor.Shape{1, 4})
	p := tensor.FromSlice([]float32{0.5}, tensor.Shape{1})

	pow := run(t, &Node{OpType: "Pow"}, tensor.FromSlice([]float32{1, 4, 9, 16}, tensor.Shape{1, 4}), p)
	assert.InDeltaSlice(t, []float32{1, 2, 3, 4}, pow.Data(), 1e-6)

	relu := run(t, &Node{OpType: "Relu"}, x)
	assert.Equal(t, []float32{1, 4, 9, 0}, relu.Data())

	rec := run(t, &Node{OpType: "Reciprocal"}, tensor.FromSlice([]float32{4}, tensor.Shape{1}))
	assert.Equal(t, []float32{0.25}, rec.Data())

	mean := tensor.FromSlice([]float32{1, 2}, tensor.Shape{1, 2, 1, 1})
	img := tensor.Ones(tensor.Shape{1, 2, 1, 2})
	sub := run(t, &Node{OpType: "Sub"}, img, mean)
	assert.Equal(t, []float32{0, 0, -1, -1}, sub.Data())

	_, err := NewRegistry().Execute(nil, &Node{OpType: "Add"}, []*tensor.Tensor{x, tensor.Ones(tensor.Shape{3})})
	assert.Error(t, err)
}

func TestClip_MinOnly(t *testing.T) {
	x := tensor.FromSlice([]float32{-1, 0, 2e-6, 5}, tensor.Shape{4})
	out := run(t, &Node{OpType: "Clip"}, x, tensor.Scalar(1e-6))
	assert.Equal(t, []float32{1e-6, 1e-6, 2e-6, 5}, out.Data())

	both := run(t, &Node{OpType: "Clip", Inputs: []string{"x", "", "hi"}}, x, nil, tensor.Scalar(1))
	assert.Equal(t, []float32{-1, 0, 2e-6, 1}, both.Data())
}

func TestGemm_TransB(t *testing.T) {
	a := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	w := tensor.FromSlice([]float32{1, 0, 0, 1, 1, 1}, tensor.Shape{3, 2}) // [out, in]
	bias := tensor.FromSlice([]float32{0, 10, 100}, tensor.Shape{3})

	out := run(t, &Node{OpType: "Gemm", Attributes: []Attribute{{Name: "transB", Type: 2, I: 1}}}, a, w, bias)
	require.Equal(t, tensor.Shape{2, 3}, out.Shape())
	assert.Equal(t, []float32{1, 12, 103, 3, 14, 107}, out.Data())

	_, err := handleGemm(DefaultContext(), &Node{}, []*tensor.Tensor{a, w})
	assert.Error(t, err, "inner dimension mismatch without transB")
}

func TestGemm_NonSquare(t *testing.T) {
	transB := &Node{OpType: "Gemm", Attributes: []Attribute{{Name: "transB", Type: 2, I: 1}}}

	// More input features than outputs, as in a projection head.
	x := tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{1, 3})
	w := tensor.FromSlice([]float32{1, 0, 1, 0, 2, 0}, tensor.Shape{2, 3})
	out := run(t, transB, x, w)
	require.Equal(t, tensor.Shape{1, 2}, out.Shape())
	assert.Equal(t, []float32{4, 4}, out.Data())

	// More outputs than input features.
	w = tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8}, tensor.Shape{4, 2})
	out = run(t, transB, tensor.FromSlice([]float32{1, 1}, tensor.Shape{1, 2}), w)
	assert.Equal(t, []float32{3, 7, 11, 15}, out.Data())

	transA := &Node{OpType: "Gemm", Attributes: []Attribute{{Name: "transA", Type: 2, I: 1}}}
	a := tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{3, 1})
	b := tensor.FromSlice([]float32{1, 0, 0, 1, 1, 1}, tensor.Shape{3, 2})
	out = run(t, transA, a, b)
	require.Equal(t, tensor.Shape{1, 2}, out.Shape())
	assert.Equal(t, []float32{4, 5}, out.Data())
}

func TestFlatten(t *testing.T) {
	x := tensor.Ones(tensor.Shape{2, 3, 1, 1})
	out := run(t, &Node{OpType: "Flatten", Attributes: []Attribute{{Name: "axis", Type: 2, I: 1}}}, x)
	assert.Equal(t, tensor.Shape{2, 3}, out.Shape())

	shape, err := FlattenShape([]int{2, 3, 4}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 24}, shape)

	_, err = FlattenShape([]int{2, 3}, 3)
	assert.Error(t, err)
}

func TestWindow(t *testing.T) {
	node := &Node{Attributes: []Attribute{ints("strides", 2, 2), ints("pads", 3, 3, 3, 3)}}
	h, w, err := Window(node, 7, 7, 224, 224)
	require.NoError(t, err)
	assert.Equal(t, 112, h)
	assert.Equal(t, 112, w)

	_, _, err = Window(&Node{}, 5, 5, 3, 3)
	assert.Error(t, err)
}
