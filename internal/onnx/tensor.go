package onnx

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// NewTensorProto encodes t as a FLOAT initializer with little-endian
// raw_data.
func NewTensorProto(name string, t *tensor.Tensor) TensorProto {
	data := t.Data()
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	var dims []int64 // nil for scalars, as decoded
	if t.Rank() > 0 {
		dims = t.Shape().Int64s()
	}
	return TensorProto{
		Name:     name,
		DataType: TensorProtoFloat,
		Dims:     dims,
		RawData:  raw,
	}
}

// ElementCount returns the number of elements the dims describe.
func (t *TensorProto) ElementCount() (int, error) {
	n := 1
	for _, d := range t.Dims {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension %d", d)
		}
		n *= int(d)
	}
	return n, nil
}

// TensorFromProto decodes a FLOAT or FLOAT16 initializer into a float32
// tensor.
func TensorFromProto(tp *TensorProto) (*tensor.Tensor, error) {
	n, err := tp.ElementCount()
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", tp.Name, err)
	}
	shape := make(tensor.Shape, len(tp.Dims))
	for i, d := range tp.Dims {
		shape[i] = int(d)
	}

	data := make([]float32, n)
	switch tp.DataType {
	case TensorProtoFloat:
		switch {
		case len(tp.RawData) > 0:
			if len(tp.RawData) != 4*n {
				return nil, fmt.Errorf("tensor %s: %d raw bytes for %d float32 elements", tp.Name, len(tp.RawData), n)
			}
			for i := range data {
				data[i] = math.Float32frombits(binary.LittleEndian.Uint32(tp.RawData[4*i:]))
			}
		case len(tp.FloatData) == n:
			copy(data, tp.FloatData)
		default:
			return nil, fmt.Errorf("tensor %s: %d float_data values for %d elements", tp.Name, len(tp.FloatData), n)
		}
	case TensorProtoFloat16:
		if len(tp.RawData) != 2*n {
			return nil, fmt.Errorf("tensor %s: %d raw bytes for %d float16 elements", tp.Name, len(tp.RawData), n)
		}
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(tp.RawData[2*i:])).Float32()
		}
	default:
		return nil, fmt.Errorf("tensor %s: unsupported data type %d", tp.Name, tp.DataType)
	}
	return tensor.New(data, shape)
}
