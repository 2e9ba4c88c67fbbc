package model

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/fragrancelog/embedexport/internal/nn"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// Bottleneck is a residual unit: 1x1 reduce, 3x3 spatial, 1x1 expand, each
// followed by batch normalization, with a skip connection added before the
// final ReLU.
//
// The middle width is out/4. The stride sits on the 3x3 convolution. The
// shortcut is a strided 1x1 convolution plus normalization when the block
// changes channel count or stride, and the identity otherwise.
type Bottleneck struct {
	conv1, conv2, conv3 *nn.Conv2D
	bn1, bn2, bn3       *nn.BatchNorm2D
	relu                *nn.ReLU
	downsample          *nn.Sequential // nil for identity shortcut

	backend tensor.Backend
}

// NewBottleneck creates a block whose parameters are qualified by name
// (for example "layer3.0").
func NewBottleneck(name string, in, out, stride int, bnEps float32, backend tensor.Backend, src rand.Source) *Bottleneck {
	mid := out / 4
	b := &Bottleneck{
		conv1:   nn.NewConv2D(name+".conv1", in, mid, 1, 1, 0, false, backend, src),
		bn1:     nn.NewBatchNorm2D(name+".bn1", mid, bnEps, backend),
		conv2:   nn.NewConv2D(name+".conv2", mid, mid, 3, stride, 1, false, backend, src),
		bn2:     nn.NewBatchNorm2D(name+".bn2", mid, bnEps, backend),
		conv3:   nn.NewConv2D(name+".conv3", mid, out, 1, 1, 0, false, backend, src),
		bn3:     nn.NewBatchNorm2D(name+".bn3", out, bnEps, backend),
		relu:    nn.NewReLU(backend),
		backend: backend,
	}
	if stride != 1 || in != out {
		b.downsample = nn.NewSequential(
			nn.NewConv2D(name+".downsample.0", in, out, 1, stride, 0, false, backend, src),
			nn.NewBatchNorm2D(name+".downsample.1", out, bnEps, backend),
		)
	}
	return b
}

// Forward runs the main path and the shortcut and merges them.
func (b *Bottleneck) Forward(x *tensor.Tensor) *tensor.Tensor {
	identity := x

	out := b.relu.Forward(b.bn1.Forward(b.conv1.Forward(x)))
	out = b.relu.Forward(b.bn2.Forward(b.conv2.Forward(out)))
	out = b.bn3.Forward(b.conv3.Forward(out))

	if b.downsample != nil {
		identity = b.downsample.Forward(x)
	}

	return b.relu.Forward(b.backend.Add(out, identity))
}

// Parameters returns parameters in state_dict order.
func (b *Bottleneck) Parameters() []*nn.Parameter {
	var params []*nn.Parameter
	for _, m := range []nn.Module{b.conv1, b.bn1, b.conv2, b.bn2, b.conv3, b.bn3} {
		params = append(params, m.Parameters()...)
	}
	if b.downsample != nil {
		params = append(params, b.downsample.Parameters()...)
	}
	return params
}

// HasShortcut reports whether the block carries a projection shortcut.
func (b *Bottleneck) HasShortcut() bool {
	return b.downsample != nil
}

// newStage builds the blocks of one stage. Only the first block may change
// channel count or stride.
func newStage(name string, cfg StageConfig, bnEps float32, backend tensor.Backend, src rand.Source) *nn.Sequential {
	stage := nn.NewSequential()
	for i := 0; i < cfg.Blocks; i++ {
		in, stride := cfg.OutChannels, 1
		if i == 0 {
			in, stride = cfg.InChannels, cfg.Stride
		}
		stage.Add(NewBottleneck(fmt.Sprintf("%s.%d", name, i), in, cfg.OutChannels, stride, bnEps, backend, src))
	}
	return stage
}
