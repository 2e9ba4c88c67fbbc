package trace

import "github.com/fragrancelog/embedexport/internal/tensor"

// OpType identifies a recorded backend operation.
type OpType string

// Recorded operation types, one per tensor.Backend method.
const (
	OpConv2D          OpType = "Conv2D"
	OpMaxPool2D       OpType = "MaxPool2D"
	OpBatchNorm       OpType = "BatchNorm"
	OpReLU            OpType = "ReLU"
	OpAdd             OpType = "Add"
	OpSub             OpType = "Sub"
	OpDiv             OpType = "Div"
	OpClamp           OpType = "Clamp"
	OpPow             OpType = "Pow"
	OpReciprocal      OpType = "Reciprocal"
	OpGlobalAvgPool2D OpType = "GlobalAvgPool2D"
	OpFlatten         OpType = "Flatten"
	OpLinear          OpType = "Linear"
	OpL2Normalize     OpType = "L2Normalize"
)

// Attrs holds the non-tensor arguments of an operation. Only the fields
// relevant to the op type are set.
type Attrs struct {
	KernelSize int
	Stride     int
	Padding    int
	Axis       int
	Eps        float32
	Min        float32
}

// Op is one recorded backend call.
//
// Inputs keep the positional order of the backend method. An absent
// optional input (a convolution without bias) is recorded as nil.
type Op struct {
	Type   OpType
	Inputs []*tensor.Tensor
	Output *tensor.Tensor
	Attrs  Attrs
}

// Tape records operations during a forward pass.
//
// Usage:
//
//	tape := trace.NewTape()
//	tape.StartRecording()
//	// ... run the forward pass on a trace.Backend ...
//	tape.StopRecording()
//	ops := tape.Ops()
type Tape struct {
	operations []Op // Recorded operations (in execution order)
	recording  bool
}

// NewTape creates an empty tape that is not recording.
func NewTape() *Tape {
	return &Tape{
		operations: make([]Op, 0, 512), // ResNet-101 records a few hundred ops
	}
}

// StartRecording enables operation recording.
func (t *Tape) StartRecording() {
	t.recording = true
}

// StopRecording disables operation recording.
func (t *Tape) StopRecording() {
	t.recording = false
}

// IsRecording returns true if the tape is currently recording operations.
func (t *Tape) IsRecording() bool {
	return t.recording
}

// Record adds an operation to the tape.
// Only records if the tape is currently recording.
func (t *Tape) Record(op Op) {
	if t.recording {
		t.operations = append(t.operations, op)
	}
}

// Clear resets the tape, removing all recorded operations.
// Recording state is preserved.
func (t *Tape) Clear() {
	t.operations = t.operations[:0]
}

// Ops returns the recorded operations in execution order.
func (t *Tape) Ops() []Op {
	out := make([]Op, len(t.operations))
	copy(out, t.operations)
	return out
}

// Len returns the number of recorded operations.
func (t *Tape) Len() int {
	return len(t.operations)
}
