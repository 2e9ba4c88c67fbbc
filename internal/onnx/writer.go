package onnx

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes m in the protobuf wire format.
//
// Fields are written in ascending field-number order and zero values are
// omitted, so equal models always encode to identical bytes.
func Marshal(m *ModelProto) []byte {
	return appendModelProto(nil, m)
}

// WriteFile encodes m and writes it to path.
func WriteFile(path string, m *ModelProto) ([]byte, error) {
	data := Marshal(m)
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // G306: artifact is meant to be shared.
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return data, nil
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v)) //nolint:gosec // G115: protobuf int64 encoding.
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessage writes a length-delimited sub-message. Empty messages are
// still written: their presence is meaningful (e.g. a scalar shape).
func appendMessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func appendPackedInt64s(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v)) //nolint:gosec // G115: protobuf int64 encoding.
	}
	return appendMessage(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func appendModelProto(b []byte, m *ModelProto) []byte {
	b = appendVarint(b, 1, m.IRVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	b = appendVarint(b, 5, m.ModelVersion)
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, appendGraphProto(nil, m.Graph))
	}
	for i := range m.OpsetImport {
		b = appendMessage(b, 8, appendOperatorSetID(nil, &m.OpsetImport[i]))
	}
	for _, e := range m.MetadataProps {
		var sub []byte
		sub = appendString(sub, 1, e.Key)
		sub = appendString(sub, 2, e.Value)
		b = appendMessage(b, 14, sub)
	}
	return b
}

func appendGraphProto(b []byte, g *GraphProto) []byte {
	for i := range g.Nodes {
		b = appendMessage(b, 1, appendNodeProto(nil, &g.Nodes[i]))
	}
	b = appendString(b, 2, g.Name)
	for i := range g.Initializers {
		b = appendMessage(b, 5, appendTensorProto(nil, &g.Initializers[i]))
	}
	b = appendString(b, 10, g.DocString)
	for i := range g.Inputs {
		b = appendMessage(b, 11, appendValueInfoProto(nil, &g.Inputs[i]))
	}
	for i := range g.Outputs {
		b = appendMessage(b, 12, appendValueInfoProto(nil, &g.Outputs[i]))
	}
	for i := range g.ValueInfo {
		b = appendMessage(b, 13, appendValueInfoProto(nil, &g.ValueInfo[i]))
	}
	return b
}

func appendNodeProto(b []byte, n *NodeProto) []byte {
	for _, in := range n.Inputs {
		// Empty names mark omitted optional inputs and must keep their slot.
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for i := range n.Attributes {
		b = appendMessage(b, 5, appendAttributeProto(nil, &n.Attributes[i]))
	}
	b = appendString(b, 6, n.DocString)
	b = appendString(b, 7, n.Domain)
	return b
}

func appendTensorProto(b []byte, t *TensorProto) []byte {
	b = appendPackedInt64s(b, 1, t.Dims)
	b = appendVarint(b, 2, int64(t.DataType))
	b = appendPackedFloats(b, 4, t.FloatData)
	b = appendString(b, 8, t.Name)
	b = appendBytes(b, 9, t.RawData)
	b = appendString(b, 12, t.DocString)
	return b
}

func appendValueInfoProto(b []byte, vi *ValueInfoProto) []byte {
	b = appendString(b, 1, vi.Name)
	if vi.Type != nil {
		var tp []byte
		if tt := vi.Type.TensorType; tt != nil {
			var sub []byte
			sub = appendVarint(sub, 1, int64(tt.ElemType))
			if tt.Shape != nil {
				var shape []byte
				for _, d := range tt.Shape.Dims {
					var dim []byte
					if d.DimParam != "" {
						dim = appendString(dim, 2, d.DimParam)
					} else {
						// A zero dimension is a legal static size.
						dim = protowire.AppendTag(dim, 1, protowire.VarintType)
						dim = protowire.AppendVarint(dim, uint64(d.DimValue)) //nolint:gosec // G115: dims are non-negative.
					}
					shape = appendMessage(shape, 1, dim)
				}
				sub = appendMessage(sub, 2, shape)
			}
			tp = appendMessage(tp, 1, sub)
		}
		b = appendMessage(b, 2, tp)
	}
	b = appendString(b, 3, vi.DocString)
	return b
}

func appendAttributeProto(b []byte, a *AttributeProto) []byte {
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case AttributeProtoFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeProtoInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I)) //nolint:gosec // G115: protobuf int64 encoding.
	case AttributeProtoString:
		b = appendBytes(b, 4, a.S)
	case AttributeProtoTensor:
		if a.T != nil {
			b = appendMessage(b, 5, appendTensorProto(nil, a.T))
		}
	case AttributeProtoFloats:
		b = appendPackedFloats(b, 7, a.Floats)
	case AttributeProtoInts:
		b = appendPackedInt64s(b, 8, a.Ints)
	}
	b = appendVarint(b, 20, int64(a.Type))
	return b
}

func appendOperatorSetID(b []byte, o *OperatorSetID) []byte {
	b = appendString(b, 1, o.Domain)
	b = appendVarint(b, 2, o.Version)
	return b
}
