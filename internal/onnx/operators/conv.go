package operators

import (
	"fmt"
	"math"

	"github.com/fragrancelog/embedexport/internal/parallel"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// registerConvOps adds spatial operators to the registry.
func (r *Registry) registerConvOps() {
	r.Register("Conv", handleConv)
	r.Register("MaxPool", handleMaxPool)
	r.Register("GlobalAveragePool", handleGlobalAveragePool)
}

// window is the 2D geometry shared by Conv and MaxPool.
type window struct {
	kh, kw               int
	strideH, strideW     int
	padTop, padLeft      int
	padBottom, padRight  int
	dilationH, dilationW int
	inH, inW, outH, outW int
}

// Window resolves kernel_shape, strides, pads and dilations of a 2D
// Conv or MaxPool node against an input of inH x inW and returns the
// output extent. Missing attributes take their ONNX defaults.
func Window(node *Node, kh, kw, inH, inW int) (outH, outW int, err error) {
	w, err := newWindow(node, kh, kw, inH, inW)
	if err != nil {
		return 0, 0, err
	}
	return w.outH, w.outW, nil
}

func newWindow(node *Node, kh, kw, inH, inW int) (*window, error) {
	if p := GetAttrString(node, "auto_pad", "NOTSET"); p != "NOTSET" {
		return nil, fmt.Errorf("auto_pad %q not supported", p)
	}
	if ks := GetAttrInts(node, "kernel_shape", nil); ks != nil {
		if len(ks) != 2 {
			return nil, fmt.Errorf("kernel_shape %v: want 2 values", ks)
		}
		if kh != 0 && (int(ks[0]) != kh || int(ks[1]) != kw) {
			return nil, fmt.Errorf("kernel_shape %v does not match weight %dx%d", ks, kh, kw)
		}
		kh, kw = int(ks[0]), int(ks[1])
	}
	strides := GetAttrInts(node, "strides", []int64{1, 1})
	pads := GetAttrInts(node, "pads", []int64{0, 0, 0, 0})
	dilations := GetAttrInts(node, "dilations", []int64{1, 1})
	if len(strides) != 2 || len(pads) != 4 || len(dilations) != 2 {
		return nil, fmt.Errorf("2D window wants 2 strides, 4 pads, 2 dilations; got %v %v %v", strides, pads, dilations)
	}

	w := &window{
		kh: kh, kw: kw,
		strideH: int(strides[0]), strideW: int(strides[1]),
		padTop: int(pads[0]), padLeft: int(pads[1]),
		padBottom: int(pads[2]), padRight: int(pads[3]),
		dilationH: int(dilations[0]), dilationW: int(dilations[1]),
		inH: inH, inW: inW,
	}
	if w.kh <= 0 || w.kw <= 0 || w.strideH <= 0 || w.strideW <= 0 || w.dilationH <= 0 || w.dilationW <= 0 {
		return nil, fmt.Errorf("invalid window %+v", *w)
	}
	for _, p := range pads {
		if p < 0 {
			return nil, fmt.Errorf("negative pads %v", pads)
		}
	}

	effH := (w.kh-1)*w.dilationH + 1
	effW := (w.kw-1)*w.dilationW + 1
	w.outH = (inH+w.padTop+w.padBottom-effH)/w.strideH + 1
	w.outW = (inW+w.padLeft+w.padRight-effW)/w.strideW + 1
	if w.outH <= 0 || w.outW <= 0 {
		return nil, fmt.Errorf("window %dx%d does not fit input %dx%d", w.kh, w.kw, inH, inW)
	}
	return w, nil
}

// handleConv implements 2D convolution with optional groups and bias.
//
// Inputs: X [N, C, H, W], W [M, C/group, kH, kW], optional B [M].
func handleConv(ctx *Context, node *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := requireInputs("Conv", inputs, 2, 3); err != nil {
		return nil, err
	}
	x, weight, bias := inputs[0], inputs[1], optional(inputs, 2)
	if x.Rank() != 4 || weight.Rank() != 4 {
		return nil, fmt.Errorf("conv: want 4D input and weight, got %v and %v", x.Shape(), weight.Shape())
	}

	n, c, h, wd := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	m, cg, kh, kw := weight.Dim(0), weight.Dim(1), weight.Dim(2), weight.Dim(3)
	group := int(GetAttrInt(node, "group", 1))
	if group <= 0 || c%group != 0 || m%group != 0 || c/group != cg {
		return nil, fmt.Errorf("conv: input channels %d, weight %v and group %d disagree", c, weight.Shape(), group)
	}
	if bias != nil && (bias.Rank() != 1 || bias.Dim(0) != m) {
		return nil, fmt.Errorf("conv: bias %v, want [%d]", bias.Shape(), m)
	}

	w, err := newWindow(node, kh, kw, h, wd)
	if err != nil {
		return nil, fmt.Errorf("conv: %w", err)
	}

	out := tensor.Zeros(tensor.Shape{n, m, w.outH, w.outW})
	xd, wdata, od := x.Data(), weight.Data(), out.Data()
	var bd []float32
	if bias != nil {
		bd = bias.Data()
	}
	mPerGroup := m / group
	plane := w.outH * w.outW

	parallel.ForBatch(n, m, func(b, oc int) {
		g := oc / mPerGroup
		dst := od[(b*m+oc)*plane : (b*m+oc+1)*plane]
		kernel := wdata[oc*cg*kh*kw : (oc+1)*cg*kh*kw]
		for oy := 0; oy < w.outH; oy++ {
			for ox := 0; ox < w.outW; ox++ {
				var sum float64
				if bd != nil {
					sum = float64(bd[oc])
				}
				for ic := 0; ic < cg; ic++ {
					src := xd[(b*c+g*cg+ic)*h*wd:]
					k := kernel[ic*kh*kw:]
					for ky := 0; ky < kh; ky++ {
						iy := oy*w.strideH - w.padTop + ky*w.dilationH
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < kw; kx++ {
							ix := ox*w.strideW - w.padLeft + kx*w.dilationW
							if ix < 0 || ix >= wd {
								continue
							}
							sum += float64(src[iy*wd+ix]) * float64(k[ky*kw+kx])
						}
					}
				}
				dst[oy*w.outW+ox] = float32(sum)
			}
		}
	}, ctx.Parallel)

	return single(out), nil
}

// handleMaxPool implements 2D max pooling. Padded positions never win.
func handleMaxPool(ctx *Context, node *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := requireInputs("MaxPool", inputs, 1, 1); err != nil {
		return nil, err
	}
	if len(node.Outputs) > 1 {
		return nil, fmt.Errorf("maxpool: Indices output not supported")
	}
	if GetAttrInt(node, "ceil_mode", 0) != 0 {
		return nil, fmt.Errorf("maxpool: ceil_mode not supported")
	}
	if !HasAttr(node, "kernel_shape") {
		return nil, fmt.Errorf("maxpool: kernel_shape is required")
	}
	x := inputs[0]
	if x.Rank() != 4 {
		return nil, fmt.Errorf("maxpool: want 4D input, got %v", x.Shape())
	}

	n, c, h, wd := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	w, err := newWindow(node, 0, 0, h, wd)
	if err != nil {
		return nil, fmt.Errorf("maxpool: %w", err)
	}

	out := tensor.Zeros(tensor.Shape{n, c, w.outH, w.outW})
	xd, od := x.Data(), out.Data()
	plane := w.outH * w.outW

	parallel.ForBatch(n, c, func(b, ch int) {
		src := xd[(b*c+ch)*h*wd : (b*c+ch+1)*h*wd]
		dst := od[(b*c+ch)*plane : (b*c+ch+1)*plane]
		for oy := 0; oy < w.outH; oy++ {
			for ox := 0; ox < w.outW; ox++ {
				best := float32(math.Inf(-1))
				for ky := 0; ky < w.kh; ky++ {
					iy := oy*w.strideH - w.padTop + ky*w.dilationH
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < w.kw; kx++ {
						ix := ox*w.strideW - w.padLeft + kx*w.dilationW
						if ix < 0 || ix >= wd {
							continue
						}
						if v := src[iy*wd+ix]; v > best {
							best = v
						}
					}
				}
				dst[oy*w.outW+ox] = best
			}
		}
	}, ctx.Parallel)

	return single(out), nil
}

// handleGlobalAveragePool averages every spatial position per channel.
//
// Input: [N, C, D1, ...]. Output: [N, C, 1, ...].
func handleGlobalAveragePool(ctx *Context, _ *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := requireInputs("GlobalAveragePool", inputs, 1, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	if x.Rank() < 3 {
		return nil, fmt.Errorf("globalaveragepool: want rank >= 3, got %v", x.Shape())
	}

	n, c := x.Dim(0), x.Dim(1)
	spatial := x.NumElements() / max(n*c, 1)
	outShape := tensor.Shape{n, c}
	for i := 2; i < x.Rank(); i++ {
		outShape = append(outShape, 1)
	}
	out := tensor.Zeros(outShape)
	xd, od := x.Data(), out.Data()

	parallel.ForBatch(n, c, func(b, ch int) {
		var sum float64
		for _, v := range xd[(b*c+ch)*spatial : (b*c+ch+1)*spatial] {
			sum += float64(v)
		}
		od[b*c+ch] = float32(sum / float64(spatial))
	}, ctx.Parallel)

	return single(out), nil
}
