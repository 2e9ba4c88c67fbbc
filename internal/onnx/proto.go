package onnx

// ONNX protobuf messages, restricted to the fields an inference graph of
// float tensors needs. Field numbers follow onnx.proto3.

// Versions written into every exported artifact. The checker enforces the
// same opset, so the exporter and the validator cannot drift apart.
const (
	IRVersion    int64 = 8
	OpsetVersion int64 = 18
)

// ModelProto represents an ONNX model.
type ModelProto struct {
	IRVersion       int64               // 1
	ProducerName    string              // 2
	ProducerVersion string              // 3
	Domain          string              // 4
	ModelVersion    int64               // 5
	DocString       string              // 6
	Graph           *GraphProto         // 7
	OpsetImport     []OperatorSetID     // 8
	MetadataProps   []StringStringEntry // 14
}

// Opset returns the version imported for the default domain, or 0.
func (m *ModelProto) Opset() int64 {
	for _, opset := range m.OpsetImport {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			return opset.Version
		}
	}
	return 0
}

// GraphProto represents the computation graph.
type GraphProto struct {
	Nodes        []NodeProto      // 1
	Name         string           // 2
	Initializers []TensorProto    // 5
	DocString    string           // 10
	Inputs       []ValueInfoProto // 11
	Outputs      []ValueInfoProto // 12
	ValueInfo    []ValueInfoProto // 13
}

// Initializer returns the initializer with the given name.
func (g *GraphProto) Initializer(name string) (*TensorProto, bool) {
	for i := range g.Initializers {
		if g.Initializers[i].Name == name {
			return &g.Initializers[i], true
		}
	}
	return nil, false
}

// NodeProto represents a single operation.
type NodeProto struct {
	Inputs     []string         // 1
	Outputs    []string         // 2
	Name       string           // 3
	OpType     string           // 4
	Attributes []AttributeProto // 5
	DocString  string           // 6
	Domain     string           // 7
}

// Attribute returns the attribute with the given name.
func (n *NodeProto) Attribute(name string) (*AttributeProto, bool) {
	for i := range n.Attributes {
		if n.Attributes[i].Name == name {
			return &n.Attributes[i], true
		}
	}
	return nil, false
}

// TensorProto represents an initializer.
type TensorProto struct {
	Dims      []int64   // 1
	DataType  int32     // 2
	FloatData []float32 // 4
	Name      string    // 8
	RawData   []byte    // 9
	DocString string    // 12
}

// ValueInfoProto describes a graph input or output.
type ValueInfoProto struct {
	Name      string     // 1
	Type      *TypeProto // 2
	DocString string     // 3
}

// TypeProto describes a value type. Only tensor types are supported.
type TypeProto struct {
	TensorType *TensorTypeProto // 1
}

// TensorTypeProto describes tensor element type and shape.
type TensorTypeProto struct {
	ElemType int32             // 1
	Shape    *TensorShapeProto // 2
}

// TensorShapeProto describes tensor dimensions.
type TensorShapeProto struct {
	Dims []DimensionProto // 1
}

// DimensionProto is either a static size or a named symbolic axis.
type DimensionProto struct {
	DimValue int64  // 1
	DimParam string // 2
}

// AttributeProto represents a node attribute.
type AttributeProto struct {
	Name   string       // 1
	F      float32      // 2
	I      int64        // 3
	S      []byte       // 4
	T      *TensorProto // 5
	Floats []float32    // 7
	Ints   []int64      // 8
	Type   int32        // 20
}

// OperatorSetID identifies an opset version.
type OperatorSetID struct {
	Domain  string // 1
	Version int64  // 2
}

// StringStringEntry is a metadata key/value pair.
type StringStringEntry struct {
	Key   string // 1
	Value string // 2
}

// ONNX data types (TensorProto.DataType).
const (
	TensorProtoUndefined = 0
	TensorProtoFloat     = 1  // float32
	TensorProtoUint8     = 2  // uint8
	TensorProtoInt8      = 3  // int8
	TensorProtoInt32     = 6  // int32
	TensorProtoInt64     = 7  // int64
	TensorProtoBool      = 9  // bool
	TensorProtoFloat16   = 10 // float16
	TensorProtoDouble    = 11 // float64
)

// ONNX attribute types (AttributeProto.Type).
const (
	AttributeProtoUndefined = 0
	AttributeProtoFloat     = 1 // FLOAT
	AttributeProtoInt       = 2 // INT
	AttributeProtoString    = 3 // STRING
	AttributeProtoTensor    = 4 // TENSOR
	AttributeProtoFloats    = 6 // FLOATS
	AttributeProtoInts      = 7 // INTS
)
