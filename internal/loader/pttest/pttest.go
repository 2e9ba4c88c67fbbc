// Package pttest writes small torch.save-compatible checkpoint archives for
// tests: a zip with archive/data.pkl (pickle protocol 2), one raw storage
// file per tensor under archive/data/, and archive/version.
package pttest

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// Entry is one state_dict item.
type Entry struct {
	Name  string
	Shape []int
	Data  []float32

	// Long stores the values as int64 (LongStorage), as torch does for
	// num_batches_tracked.
	Long bool

	// Stride and Offset describe a non-contiguous view into Data. Nil
	// Stride means contiguous row-major.
	Stride []int
	Offset int
}

// FromTensor creates an entry holding a copy of t.
func FromTensor(name string, t *tensor.Tensor) Entry {
	return Entry{
		Name:  name,
		Shape: t.Shape(),
		Data:  append([]float32(nil), t.Data()...),
	}
}

// Spec describes a checkpoint file.
type Spec struct {
	// StateKey is the top-level key of the weights. Defaults to "state_dict".
	StateKey string
	Entries  []Entry

	// PCA adds a pickled sklearn PCA with numpy state under "pca".
	PCA bool

	// ExtraClass adds an instance of the given "module.Name" class under
	// "extra".
	ExtraClass string

	// Epoch adds an integer "epoch" entry.
	Epoch int
}

// Write creates the checkpoint archive at path.
func Write(path string, spec Spec) error {
	if spec.StateKey == "" {
		spec.StateKey = "state_dict"
	}

	var p pickler
	p.proto(2)
	p.op(opEmptyDict)

	p.str(spec.StateKey)
	p.ordered()
	storages := make([][]byte, 0, len(spec.Entries))
	for i, e := range spec.Entries {
		p.str(e.Name)
		raw, err := p.tensor(strconv.Itoa(i), e)
		if err != nil {
			return fmt.Errorf("pttest: entry %s: %w", e.Name, err)
		}
		storages = append(storages, raw)
		p.op(opSetItem)
	}
	p.op(opSetItem)

	if spec.Epoch != 0 {
		p.str("epoch")
		p.int(spec.Epoch)
		p.op(opSetItem)
	}
	if spec.PCA {
		p.str("pca")
		p.pca()
		p.op(opSetItem)
	}
	if spec.ExtraClass != "" {
		p.str("extra")
		module, name := splitQualified(spec.ExtraClass)
		p.global(module, name)
		p.op(opEmptyTuple)
		p.op(opNewObj)
		p.op(opSetItem)
	}
	p.op(opStop)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := []struct {
		name string
		data []byte
	}{
		{"archive/data.pkl", p.buf.Bytes()},
		{"archive/version", []byte("3\n")},
	}
	for i, raw := range storages {
		files = append(files, struct {
			name string
			data []byte
		}{"archive/data/" + strconv.Itoa(i), raw})
	}
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Store})
		if err != nil {
			return err
		}
		if _, err := w.Write(f.data); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

func splitQualified(q string) (string, string) {
	for i := len(q) - 1; i >= 0; i-- {
		if q[i] == '.' {
			return q[:i], q[i+1:]
		}
	}
	return "__main__", q
}

// Pickle opcodes used by the writer.
const (
	opProto      = 0x80
	opEmptyDict  = '}'
	opEmptyTuple = ')'
	opMark       = '('
	opTuple      = 't'
	opBinUnicode = 'X'
	opGlobal     = 'c'
	opReduce     = 'R'
	opBinPersID  = 'Q'
	opBinInt     = 'J'
	opNewFalse   = 0x89
	opNewTrue    = 0x88
	opSetItem    = 's'
	opNewObj     = 0x81
	opBuild      = 'b'
	opStop       = '.'
)

type pickler struct {
	buf bytes.Buffer
}

func (p *pickler) op(code byte) {
	p.buf.WriteByte(code)
}

func (p *pickler) proto(v byte) {
	p.buf.Write([]byte{opProto, v})
}

func (p *pickler) str(s string) {
	p.op(opBinUnicode)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	p.buf.Write(n[:])
	p.buf.WriteString(s)
}

func (p *pickler) int(v int) {
	p.op(opBinInt)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(int32(v)))
	p.buf.Write(n[:])
}

func (p *pickler) global(module, name string) {
	p.op(opGlobal)
	p.buf.WriteString(module + "\n" + name + "\n")
}

func (p *pickler) ints(vs []int) {
	p.op(opMark)
	for _, v := range vs {
		p.int(v)
	}
	p.op(opTuple)
}

// ordered pushes an empty collections.OrderedDict.
func (p *pickler) ordered() {
	p.global("collections", "OrderedDict")
	p.op(opEmptyTuple)
	p.op(opReduce)
}

// tensor pushes torch._utils._rebuild_tensor_v2(storage, offset, size,
// stride, False, OrderedDict()) and returns the raw storage bytes.
func (p *pickler) tensor(key string, e Entry) ([]byte, error) {
	numel := 1
	for _, d := range e.Shape {
		numel *= d
	}
	stride := e.Stride
	if stride == nil {
		if len(e.Data) != numel {
			return nil, fmt.Errorf("shape %v needs %d values, got %d", e.Shape, numel, len(e.Data))
		}
		stride = tensor.Shape(e.Shape).ComputeStrides()
	}

	storageClass := "FloatStorage"
	var raw bytes.Buffer
	for _, v := range e.Data {
		if e.Long {
			_ = binary.Write(&raw, binary.LittleEndian, int64(v))
		} else {
			_ = binary.Write(&raw, binary.LittleEndian, math.Float32bits(v))
		}
	}
	if e.Long {
		storageClass = "LongStorage"
	}

	p.global("torch._utils", "_rebuild_tensor_v2")
	p.op(opMark)

	p.op(opMark)
	p.str("storage")
	p.global("torch", storageClass)
	p.str(key)
	p.str("cpu")
	p.int(len(e.Data))
	p.op(opTuple)
	p.op(opBinPersID)

	p.int(e.Offset)
	p.ints(e.Shape)
	p.ints(stride)
	p.op(opNewFalse)
	p.ordered()
	p.op(opTuple)
	p.op(opReduce)

	return raw.Bytes(), nil
}

// pca pushes a PCA(n_components=2) instance whose state references numpy
// reconstruction helpers, as a fitted sklearn object would.
func (p *pickler) pca() {
	p.global("sklearn.decomposition.pca", "PCA")
	p.op(opEmptyTuple)
	p.op(opNewObj)

	p.op(opEmptyDict)
	p.str("n_components")
	p.int(2)
	p.op(opSetItem)

	p.str("mean_")
	p.global("numpy.core.multiarray", "_reconstruct")
	p.op(opMark)
	p.global("numpy", "ndarray")
	p.ints([]int{0})
	p.str("b")
	p.op(opTuple)
	p.op(opReduce)
	// ndarray.__setstate__((1, (2,), dtype('float32'), False, raw))
	p.op(opMark)
	p.int(1)
	p.ints([]int{2})
	p.global("numpy", "dtype")
	p.op(opMark)
	p.str("f4")
	p.op(opNewFalse)
	p.op(opNewTrue)
	p.op(opTuple)
	p.op(opReduce)
	p.op(opNewFalse)
	p.str("\x00\x00\x00\x00\x00\x00\x00\x00")
	p.op(opTuple)
	p.op(opBuild)
	p.op(opSetItem)

	p.op(opBuild)
}
