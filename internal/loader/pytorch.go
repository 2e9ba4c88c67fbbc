package loader

import (
	"io"
	"os"
	"reflect"
	"sort"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// ErrKeyNotFound is returned when the checkpoint lacks the expected
// top-level entry.
var ErrKeyNotFound = errors.New("key not found")

// StateDictKey is the top-level entry holding the weights.
const StateDictKey = "state_dict"

// Checkpoint is the parameter mapping read from a checkpoint file.
// It is read-only after LoadCheckpoint returns.
type Checkpoint struct {
	tensors map[string]*tensor.Tensor
	order   []string

	// Extras holds the other top-level entries (the pickled reducer, epoch
	// counters, ...). They are reported, never used.
	Extras map[string]interface{}
}

// NewCheckpoint builds a checkpoint from an in-memory mapping. Keys are
// ordered lexicographically.
func NewCheckpoint(tensors map[string]*tensor.Tensor) *Checkpoint {
	c := &Checkpoint{tensors: make(map[string]*tensor.Tensor, len(tensors)), Extras: map[string]interface{}{}}
	for k, v := range tensors {
		c.tensors[k] = v
		c.order = append(c.order, k)
	}
	sort.Strings(c.order)
	return c
}

// Keys returns parameter names in serialization order.
func (c *Checkpoint) Keys() []string {
	return append([]string(nil), c.order...)
}

// Tensor returns the tensor stored under name.
func (c *Checkpoint) Tensor(name string) (*tensor.Tensor, bool) {
	t, ok := c.tensors[name]
	return t, ok
}

// Len returns the number of parameters.
func (c *Checkpoint) Len() int {
	return len(c.order)
}

// Reducer returns the first pickled reducer found among the extras.
func (c *Checkpoint) Reducer() (Reducer, bool) {
	keys := make([]string, 0, len(c.Extras))
	for k := range c.Extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if r, ok := c.Extras[k].(Reducer); ok {
			return r, true
		}
	}
	return nil, false
}

// LoadCheckpoint reads a torch.save archive and returns the mapping stored
// under key (usually StateDictKey).
//
// Classes other than torch's own are resolved through shim. A class the
// shim does not cover fails the load with ErrMissingDependency; a missing
// key fails with ErrKeyNotFound.
func LoadCheckpoint(path string, shim *Shim, key string) (*Checkpoint, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "checkpoint unreadable")
	}

	var missing error
	root, err := pytorch.LoadWithUnpickler(path, func(r io.Reader) pickle.Unpickler {
		u := pickle.NewUnpickler(r)
		u.FindClass = func(module, name string) (interface{}, error) {
			cls, err := shim.FindClass(module, name)
			if err != nil && missing == nil {
				missing = err
			}
			return cls, err
		}
		return u
	})
	if missing != nil {
		// The unpickler may have rewrapped the lookup failure.
		return nil, errors.Wrapf(missing, "unpickling %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unpickling %s", path)
	}

	raw, ok := lookup(root, key)
	if !ok {
		return nil, errors.Wrapf(ErrKeyNotFound, "checkpoint %s has no %q entry", path, key)
	}

	ckpt := &Checkpoint{tensors: map[string]*tensor.Tensor{}, Extras: map[string]interface{}{}}
	err = each(raw, func(k interface{}, v interface{}) error {
		name, ok := k.(string)
		if !ok {
			return errors.Errorf("non-string parameter name %v (%T)", k, k)
		}
		t, err := convertTensor(v)
		if err != nil {
			return errors.Wrapf(err, "parameter %s", name)
		}
		if _, dup := ckpt.tensors[name]; !dup {
			ckpt.order = append(ckpt.order, name)
		}
		ckpt.tensors[name] = t
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q from %s", key, path)
	}

	_ = each(root, func(k interface{}, v interface{}) error {
		if name, ok := k.(string); ok && name != key {
			ckpt.Extras[name] = v
		}
		return nil
	})

	return ckpt, nil
}

// convertTensor materializes a pickled torch tensor as float32, honoring
// storage offset and strides.
func convertTensor(v interface{}) (*tensor.Tensor, error) {
	pt, ok := v.(*pytorch.Tensor)
	if !ok {
		return nil, errors.Errorf("expected tensor, got %T", v)
	}

	var at func(i int) float32
	var storageLen int
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		at, storageLen = func(i int) float32 { return s.Data[i] }, len(s.Data)
	case *pytorch.HalfStorage:
		at, storageLen = func(i int) float32 { return s.Data[i] }, len(s.Data)
	case *pytorch.DoubleStorage:
		at, storageLen = func(i int) float32 { return float32(s.Data[i]) }, len(s.Data)
	case *pytorch.LongStorage:
		// num_batches_tracked
		at, storageLen = func(i int) float32 { return float32(s.Data[i]) }, len(s.Data)
	default:
		return nil, errors.Errorf("unsupported storage %T", pt.Source)
	}

	shape := tensor.Shape(append([]int(nil), pt.Size...))
	data := make([]float32, shape.NumElements())
	if len(pt.Stride) != len(shape) {
		return nil, errors.Errorf("stride rank %d does not match size rank %d", len(pt.Stride), len(shape))
	}

	idx := make([]int, len(shape))
	for i := range data {
		off := pt.StorageOffset
		for d, c := range idx {
			off += c * pt.Stride[d]
		}
		if off < 0 || off >= storageLen {
			return nil, errors.Errorf("element %d at storage offset %d outside storage of %d", i, off, storageLen)
		}
		data[i] = at(off)

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}

	return tensor.New(data, shape)
}

// lookup reads key from a pickled mapping.
func lookup(container interface{}, key string) (interface{}, bool) {
	switch c := container.(type) {
	case *types.OrderedDict:
		return c.Get(key)
	case interface {
		Get(interface{}) (interface{}, bool)
	}:
		return c.Get(key)
	}
	var found interface{}
	ok := false
	_ = each(container, func(k, v interface{}) error {
		if s, isStr := k.(string); isStr && s == key && !ok {
			found, ok = v, true
		}
		return nil
	})
	return found, ok
}

// each iterates a pickled mapping in its natural order: insertion order
// for OrderedDict, sorted string keys for plain dicts.
func each(container interface{}, fn func(k, v interface{}) error) error {
	if od, ok := container.(*types.OrderedDict); ok {
		for e := od.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := fn(entry.Key, entry.Value); err != nil {
				return err
			}
		}
		return nil
	}

	rv := reflect.ValueOf(container)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return errors.New("nil mapping")
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return keyString(keys[i]) < keyString(keys[j])
		})
		for _, k := range keys {
			if err := fn(k.Interface(), rv.MapIndex(k).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		// Ordered dict representations backed by a slice of entries.
		for i := 0; i < rv.Len(); i++ {
			k, v, ok := entryKV(rv.Index(i))
			if !ok {
				return errors.Errorf("unsupported mapping entry %s", rv.Index(i).Type())
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Errorf("expected a mapping, got %T", container)
}

func keyString(v reflect.Value) string {
	if s, ok := v.Interface().(string); ok {
		return s
	}
	return v.String()
}

// entryKV extracts Key/Value fields from a dict entry struct.
func entryKV(v reflect.Value) (interface{}, interface{}, bool) {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, nil, false
	}
	k, val := v.FieldByName("Key"), v.FieldByName("Value")
	if !k.IsValid() || !val.IsValid() {
		return nil, nil, false
	}
	return k.Interface(), val.Interface(), true
}
