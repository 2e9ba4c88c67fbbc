package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/fragrancelog/embedexport/internal/backend/cpu"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

func names(params []*Parameter) []string {
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = p.Name()
	}
	return out
}

func TestConv2D_QualifiedNames(t *testing.T) {
	backend := cpu.New()
	src := rand.NewSource(1)

	noBias := NewConv2D("layer1.0.conv1", 4, 8, 1, 1, 0, false, backend, src)
	assert.Equal(t, []string{"layer1.0.conv1.weight"}, names(noBias.Parameters()))
	assert.Equal(t, tensor.Shape{8, 4, 1, 1}, noBias.Weight().Tensor().Shape())
	assert.Nil(t, noBias.Bias())

	withBias := NewConv2D("head", 4, 8, 3, 1, 1, true, backend, src)
	assert.Equal(t, []string{"head.weight", "head.bias"}, names(withBias.Parameters()))
}

func TestConv2D_ForwardShape(t *testing.T) {
	backend := cpu.New()
	conv := NewConv2D("conv1", 3, 8, 7, 2, 3, false, backend, rand.NewSource(1))

	out := conv.Forward(tensor.Ones(tensor.Shape{2, 3, 32, 32}))
	assert.Equal(t, tensor.Shape{2, 8, 16, 16}, out.Shape())
	assert.Panics(t, func() { conv.Forward(tensor.Ones(tensor.Shape{1, 4, 8, 8})) })
}

func TestConv2D_InvalidConfigPanics(t *testing.T) {
	backend := cpu.New()
	assert.Panics(t, func() { NewConv2D("bad", 0, 8, 3, 1, 1, false, backend, rand.NewSource(1)) })
	assert.Panics(t, func() { NewConv2D("bad", 3, 8, 3, 0, 1, false, backend, rand.NewSource(1)) })
}

func TestBatchNorm2D_StateDictLayout(t *testing.T) {
	bn := NewBatchNorm2D("bn1", 4, 1e-5, cpu.New())
	assert.Equal(t, []string{
		"bn1.weight", "bn1.bias", "bn1.running_mean", "bn1.running_var", "bn1.num_batches_tracked",
	}, names(bn.Parameters()))

	buffers := 0
	for _, p := range bn.Parameters() {
		if p.Buffer() {
			buffers++
		}
	}
	assert.Equal(t, 3, buffers)
}

func TestBatchNorm2D_IdentityAtInit(t *testing.T) {
	bn := NewBatchNorm2D("bn", 2, 0, cpu.New())
	x := tensor.RandNormal(tensor.Shape{1, 2, 3, 3}, 0, 1, 3)
	out := bn.Forward(x)
	for i := range x.Data() {
		assert.InDelta(t, x.Data()[i], out.Data()[i], 1e-6)
	}
}

func TestGeM_MatchesClosedForm(t *testing.T) {
	gem := NewGeM("gem", 3, 1e-6, cpu.New())
	assert.Equal(t, "gem.p", gem.P().Name())

	x := tensor.FromSlice([]float32{1, 2, 3, 4, 0, 0, 0, 0}, tensor.Shape{1, 2, 2, 2})
	out := gem.Forward(x)
	require.Equal(t, tensor.Shape{1, 2, 1, 1}, out.Shape())

	want := math.Cbrt((1 + 8 + 27 + 64) / 4.0)
	assert.InDelta(t, want, out.Data()[0], 1e-4)
	// All-zero channel is floored at eps, not zero.
	assert.InDelta(t, 1e-6, out.Data()[1], 1e-8)
}

func TestGeM_PEqualsOneIsAveragePooling(t *testing.T) {
	gem := NewGeM("gem", 1, 1e-6, cpu.New())
	x := tensor.FromSlice([]float32{1, 2, 3, 6}, tensor.Shape{1, 1, 2, 2})
	assert.InDelta(t, 3, gem.Forward(x).Data()[0], 1e-5)
}

func TestParameter_Load(t *testing.T) {
	p := NewParameter("fc.bias", tensor.Zeros(tensor.Shape{3}))
	require.NoError(t, p.Load(tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{3})))
	assert.Equal(t, []float32{1, 2, 3}, p.Tensor().Data())

	err := p.Load(tensor.Zeros(tensor.Shape{4}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fc.bias")
}

func TestSequential(t *testing.T) {
	backend := cpu.New()
	src := rand.NewSource(2)
	seq := NewSequential(
		NewConv2D("down.0", 2, 4, 1, 2, 0, false, backend, src),
		NewBatchNorm2D("down.1", 4, 1e-5, backend),
	)
	assert.Equal(t, 2, seq.Len())
	assert.Len(t, seq.Parameters(), 6)

	out := seq.Forward(tensor.Ones(tensor.Shape{1, 2, 8, 8}))
	assert.Equal(t, tensor.Shape{1, 4, 4, 4}, out.Shape())
}

func TestLinearAndL2Norm(t *testing.T) {
	backend := cpu.New()
	fc := NewLinear("fc", 8, 4, backend, rand.NewSource(3))
	assert.Equal(t, []string{"fc.weight", "fc.bias"}, names(fc.Parameters()))

	head := NewSequential(NewFlatten(1, backend), fc, NewL2Norm(1e-12, backend))
	out := head.Forward(tensor.RandNormal(tensor.Shape{3, 8, 1, 1}, 0, 1, 4))
	require.Equal(t, tensor.Shape{3, 4}, out.Shape())
	for n := 0; n < 3; n++ {
		var sum float64
		for _, v := range out.Row(n) {
			sum += float64(v) * float64(v)
		}
		assert.InDelta(t, 1, math.Sqrt(sum), 1e-5)
	}
}
