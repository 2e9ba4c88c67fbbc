package onnx

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ParseFile parses an ONNX model from file.
//
//nolint:gosec // G304: Path is provided by the caller.
func ParseFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Parse parses an ONNX model from bytes. Unknown fields are skipped.
func Parse(data []byte) (*ModelProto, error) {
	m := &ModelProto{}
	if err := readModelProto(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return m, nil
}

// field is one decoded tag/value pair. Exactly one of varint, fixed32 or
// bytes is meaningful, depending on typ.
type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

// fields walks the top-level fields of a message.
func fields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) want(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("field %d: wire type %d, want %d", f.num, f.typ, typ)
	}
	return nil
}

func (f field) asInt64() (int64, error) {
	if err := f.want(protowire.VarintType); err != nil {
		return 0, err
	}
	return int64(f.varint), nil //nolint:gosec // G115: two's complement as protobuf encodes int64.
}

func (f field) asBytes() ([]byte, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return nil, err
	}
	return f.bytes, nil
}

func (f field) asString() (string, error) {
	b, err := f.asBytes()
	return string(b), err
}

func (f field) asFloat32() (float32, error) {
	if err := f.want(protowire.Fixed32Type); err != nil {
		return 0, err
	}
	return math.Float32frombits(f.fixed32), nil
}

// int64s decodes a repeated int64, packed or not.
func (f field) int64s(dst []int64) ([]int64, error) {
	if f.typ == protowire.VarintType {
		return append(dst, int64(f.varint)), nil //nolint:gosec // G115: see asInt64.
	}
	b, err := f.asBytes()
	if err != nil {
		return nil, err
	}
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("field %d: %w", f.num, protowire.ParseError(n))
		}
		dst = append(dst, int64(v)) //nolint:gosec // G115: see asInt64.
		b = b[n:]
	}
	return dst, nil
}

// float32s decodes a repeated float, packed or not.
func (f field) float32s(dst []float32) ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return append(dst, math.Float32frombits(f.fixed32)), nil
	}
	b, err := f.asBytes()
	if err != nil {
		return nil, err
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("field %d: packed floats of %d bytes", f.num, len(b))
	}
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, fmt.Errorf("field %d: %w", f.num, protowire.ParseError(n))
		}
		dst = append(dst, math.Float32frombits(v))
		b = b[n:]
	}
	return dst, nil
}

func readModelProto(b []byte, m *ModelProto) error {
	return fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1: // ir_version
			m.IRVersion, err = f.asInt64()
		case 2: // producer_name
			m.ProducerName, err = f.asString()
		case 3: // producer_version
			m.ProducerVersion, err = f.asString()
		case 4: // domain
			m.Domain, err = f.asString()
		case 5: // model_version
			m.ModelVersion, err = f.asInt64()
		case 6: // doc_string
			m.DocString, err = f.asString()
		case 7: // graph
			var data []byte
			if data, err = f.asBytes(); err == nil {
				m.Graph = &GraphProto{}
				err = readGraphProto(data, m.Graph)
			}
		case 8: // opset_import
			var data []byte
			if data, err = f.asBytes(); err == nil {
				var opset OperatorSetID
				if err = readOperatorSetID(data, &opset); err == nil {
					m.OpsetImport = append(m.OpsetImport, opset)
				}
			}
		case 14: // metadata_props
			var data []byte
			if data, err = f.asBytes(); err == nil {
				var entry StringStringEntry
				if err = readStringStringEntry(data, &entry); err == nil {
					m.MetadataProps = append(m.MetadataProps, entry)
				}
			}
		}
		if err != nil {
			return fmt.Errorf("model: %w", err)
		}
		return nil
	})
}

func readGraphProto(b []byte, g *GraphProto) error {
	return fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1: // node
			var data []byte
			if data, err = f.asBytes(); err == nil {
				var node NodeProto
				if err = readNodeProto(data, &node); err == nil {
					g.Nodes = append(g.Nodes, node)
				}
			}
		case 2: // name
			g.Name, err = f.asString()
		case 5: // initializer
			var data []byte
			if data, err = f.asBytes(); err == nil {
				var t TensorProto
				if err = readTensorProto(data, &t); err == nil {
					g.Initializers = append(g.Initializers, t)
				}
			}
		case 10: // doc_string
			g.DocString, err = f.asString()
		case 11, 12, 13: // input, output, value_info
			var data []byte
			if data, err = f.asBytes(); err == nil {
				var vi ValueInfoProto
				if err = readValueInfoProto(data, &vi); err == nil {
					switch f.num {
					case 11:
						g.Inputs = append(g.Inputs, vi)
					case 12:
						g.Outputs = append(g.Outputs, vi)
					default:
						g.ValueInfo = append(g.ValueInfo, vi)
					}
				}
			}
		}
		if err != nil {
			return fmt.Errorf("graph: %w", err)
		}
		return nil
	})
}

func readNodeProto(b []byte, n *NodeProto) error {
	return fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1: // input
			var s string
			if s, err = f.asString(); err == nil {
				n.Inputs = append(n.Inputs, s)
			}
		case 2: // output
			var s string
			if s, err = f.asString(); err == nil {
				n.Outputs = append(n.Outputs, s)
			}
		case 3: // name
			n.Name, err = f.asString()
		case 4: // op_type
			n.OpType, err = f.asString()
		case 5: // attribute
			var data []byte
			if data, err = f.asBytes(); err == nil {
				var attr AttributeProto
				if err = readAttributeProto(data, &attr); err == nil {
					n.Attributes = append(n.Attributes, attr)
				}
			}
		case 6: // doc_string
			n.DocString, err = f.asString()
		case 7: // domain
			n.Domain, err = f.asString()
		}
		if err != nil {
			return fmt.Errorf("node %q: %w", n.Name, err)
		}
		return nil
	})
}

func readTensorProto(b []byte, t *TensorProto) error {
	return fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1: // dims
			t.Dims, err = f.int64s(t.Dims)
		case 2: // data_type
			var v int64
			v, err = f.asInt64()
			t.DataType = int32(v) //nolint:gosec // G115: enum value.
		case 4: // float_data
			t.FloatData, err = f.float32s(t.FloatData)
		case 8: // name
			t.Name, err = f.asString()
		case 9: // raw_data
			t.RawData, err = f.asBytes()
		case 12: // doc_string
			t.DocString, err = f.asString()
		}
		if err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		return nil
	})
}

func readValueInfoProto(b []byte, vi *ValueInfoProto) error {
	return fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1: // name
			vi.Name, err = f.asString()
		case 2: // type
			var data []byte
			if data, err = f.asBytes(); err == nil {
				vi.Type = &TypeProto{}
				err = readTypeProto(data, vi.Type)
			}
		case 3: // doc_string
			vi.DocString, err = f.asString()
		}
		return err
	})
}

func readTypeProto(b []byte, tp *TypeProto) error {
	return fields(b, func(f field) error {
		if f.num != 1 { // tensor_type
			return nil
		}
		data, err := f.asBytes()
		if err != nil {
			return err
		}
		tp.TensorType = &TensorTypeProto{}
		return fields(data, func(f field) error {
			switch f.num {
			case 1: // elem_type
				v, err := f.asInt64()
				tp.TensorType.ElemType = int32(v) //nolint:gosec // G115: enum value.
				return err
			case 2: // shape
				data, err := f.asBytes()
				if err != nil {
					return err
				}
				tp.TensorType.Shape = &TensorShapeProto{}
				return readTensorShapeProto(data, tp.TensorType.Shape)
			}
			return nil
		})
	})
}

func readTensorShapeProto(b []byte, s *TensorShapeProto) error {
	return fields(b, func(f field) error {
		if f.num != 1 { // dim
			return nil
		}
		data, err := f.asBytes()
		if err != nil {
			return err
		}
		var dim DimensionProto
		err = fields(data, func(f field) error {
			var err error
			switch f.num {
			case 1: // dim_value
				dim.DimValue, err = f.asInt64()
			case 2: // dim_param
				dim.DimParam, err = f.asString()
			}
			return err
		})
		if err != nil {
			return err
		}
		s.Dims = append(s.Dims, dim)
		return nil
	})
}

func readAttributeProto(b []byte, a *AttributeProto) error {
	return fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1: // name
			a.Name, err = f.asString()
		case 2: // f
			a.F, err = f.asFloat32()
		case 3: // i
			a.I, err = f.asInt64()
		case 4: // s
			a.S, err = f.asBytes()
		case 5: // t
			var data []byte
			if data, err = f.asBytes(); err == nil {
				a.T = &TensorProto{}
				err = readTensorProto(data, a.T)
			}
		case 7: // floats
			a.Floats, err = f.float32s(a.Floats)
		case 8: // ints
			a.Ints, err = f.int64s(a.Ints)
		case 20: // type
			var v int64
			v, err = f.asInt64()
			a.Type = int32(v) //nolint:gosec // G115: enum value.
		}
		if err != nil {
			return fmt.Errorf("attribute %q: %w", a.Name, err)
		}
		return nil
	})
}

func readOperatorSetID(b []byte, o *OperatorSetID) error {
	return fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1: // domain
			o.Domain, err = f.asString()
		case 2: // version
			o.Version, err = f.asInt64()
		}
		return err
	})
}

func readStringStringEntry(b []byte, e *StringStringEntry) error {
	return fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			e.Key, err = f.asString()
		case 2:
			e.Value, err = f.asString()
		}
		return err
	})
}
