package model

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragrancelog/embedexport/internal/backend/cpu"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

func rowNorm(row []float32) float64 {
	var sum float64
	for _, v := range row {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2048, cfg.FeatureDim())

	blocks := 0
	for _, s := range cfg.Stages {
		blocks += s.Blocks
	}
	assert.Equal(t, 33, blocks) // 3 + 4 + 23 + 3
}

func TestConfig_ValidateRejectsBrokenChain(t *testing.T) {
	cfg := TinyConfig()
	cfg.Stages[1].InChannels = 12
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "layer2")

	cfg = TinyConfig()
	cfg.Std = []float32{1, 0, 1}
	assert.Error(t, cfg.Validate())

	_, err = Build(cfg, cpu.New())
	assert.Error(t, err)
}

func TestBuild_DefaultParameterNames(t *testing.T) {
	m, err := Build(DefaultConfig(), cpu.New())
	require.NoError(t, err)

	for _, name := range []string{
		"conv1.weight",
		"bn1.running_var",
		"layer1.0.downsample.0.weight",
		"layer1.0.downsample.1.num_batches_tracked",
		"layer3.22.bn2.running_var",
		"layer4.2.conv3.weight",
		"gem.p",
		"fc.weight",
		"fc.bias",
	} {
		_, ok := m.Parameter(name)
		assert.True(t, ok, "missing %s", name)
	}

	_, ok := m.Parameter("conv1.bias")
	assert.False(t, ok, "stem conv has no bias")
	_, ok = m.Parameter("layer1.1.downsample.0.weight")
	assert.False(t, ok, "non-first blocks use identity shortcuts")

	p, _ := m.Parameter("layer3.0.conv2.weight")
	assert.Equal(t, tensor.Shape{256, 256, 3, 3}, p.Tensor().Shape())
	p, _ = m.Parameter("gem.p")
	assert.Equal(t, []float32{3}, p.Tensor().Data())

	// 33 blocks x (3 conv + 3 bn x 5) + 4 shortcuts x (1 conv + 5 bn)
	// + stem (1 + 5) + gem + fc (2)
	assert.Len(t, m.Parameters(), 33*18+4*6+6+1+2)
	assert.Len(t, m.ParameterNames(), len(m.Parameters()))
}

func TestBuild_ShortcutOnlyWhenShapeChanges(t *testing.T) {
	m, err := Build(TinyConfig(), cpu.New())
	require.NoError(t, err)

	first := m.Stage(0).Module(0).(*Bottleneck)
	assert.True(t, first.HasShortcut(), "8 -> 16 channels")

	cfg := TinyConfig()
	cfg.StemChannels = 16
	cfg.Stages[0].InChannels = 16
	m, err = Build(cfg, cpu.New())
	require.NoError(t, err)
	assert.False(t, m.Stage(0).Module(0).(*Bottleneck).HasShortcut())
	assert.True(t, m.Stage(1).Module(0).(*Bottleneck).HasShortcut())
	assert.False(t, m.Stage(1).Module(1).(*Bottleneck).HasShortcut())
}

func TestForward_UnitNormEmbeddings(t *testing.T) {
	cfg := TinyConfig()
	m, err := Build(cfg, cpu.New())
	require.NoError(t, err)

	x := tensor.RandNormal(tensor.Shape{3, 3, cfg.ImageSize, cfg.ImageSize}, 0, 1, 11)
	out := m.Forward(x)
	require.Equal(t, tensor.Shape{3, cfg.OutputDim}, out.Shape())
	for n := 0; n < 3; n++ {
		assert.InDelta(t, 1.0, rowNorm(out.Row(n)), 1e-5)
	}
}

func TestForward_IdenticalImagesGiveBitIdenticalEmbeddings(t *testing.T) {
	cfg := TinyConfig()
	m, err := Build(cfg, cpu.New())
	require.NoError(t, err)

	one := tensor.RandNormal(tensor.Shape{1, 3, cfg.ImageSize, cfg.ImageSize}, 0, 1, 5)
	batch := tensor.Zeros(tensor.Shape{4, 3, cfg.ImageSize, cfg.ImageSize})
	for n := 0; n < 4; n++ {
		copy(batch.Row(n), one.Data())
	}

	out := m.Forward(batch)
	for n := 1; n < 4; n++ {
		assert.Equal(t, out.Row(0), out.Row(n))
	}
	assert.InDelta(t, 1.0, rowNorm(out.Row(0)), 1e-5)
}

func TestForward_DoesNotMutateInput(t *testing.T) {
	cfg := TinyConfig()
	m, err := Build(cfg, cpu.New())
	require.NoError(t, err)

	x := tensor.RandNormal(tensor.Shape{1, 3, cfg.ImageSize, cfg.ImageSize}, 0, 1, 6)
	before := x.Clone()
	m.Forward(x)
	assert.Equal(t, before.Data(), x.Data())
}

func TestModelsWithDifferentOutputDimsCoexist(t *testing.T) {
	a := TinyConfig()
	b := TinyConfig()
	b.OutputDim = 4

	ma, err := Build(a, cpu.New())
	require.NoError(t, err)
	mb, err := Build(b, cpu.New())
	require.NoError(t, err)

	x := tensor.RandNormal(tensor.Shape{1, 3, 32, 32}, 0, 1, 1)
	assert.Equal(t, 8, ma.Forward(x).Dim(1))
	assert.Equal(t, 4, mb.Forward(x).Dim(1))
	assert.Equal(t, 8, ma.Config().OutputDim)
}

func TestConstants(t *testing.T) {
	m, err := Build(TinyConfig(), cpu.New())
	require.NoError(t, err)

	consts := m.Constants()
	require.Contains(t, consts, MeanConstant)
	assert.Equal(t, tensor.Shape{1, 3, 1, 1}, consts[StdConstant].Shape())
	for name := range consts {
		assert.True(t, strings.HasPrefix(name, "normalize."))
		_, isParam := m.Parameter(name)
		assert.False(t, isParam)
	}
}
