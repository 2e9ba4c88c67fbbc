package loader

import (
	"sort"
	"sync"

	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

// ErrMissingDependency is returned when the checkpoint references a class
// that the shim does not cover.
var ErrMissingDependency = errors.New("missing dependency")

// Qualified names of the classes the embedding checkpoint references
// besides torch itself.
const (
	PCAClass       = "sklearn.decomposition.pca.PCA"
	PCAClassModern = "sklearn.decomposition._pca.PCA"
)

var numpyClasses = []string{
	"numpy.core.multiarray._reconstruct",
	"numpy.core.multiarray.scalar",
	"numpy._core.multiarray._reconstruct",
	"numpy._core.multiarray.scalar",
	"numpy.ndarray",
	"numpy.dtype",
}

// Reducer is a dimensionality-reduction transform as pickled alongside the
// weights.
type Reducer interface {
	Fit(x *tensor.Tensor) Reducer
	Transform(x *tensor.Tensor) *tensor.Tensor
}

// NoopReducer stands in for the pickled PCA. Fit returns the receiver and
// Transform is the identity. It never takes part in the forward pass.
type NoopReducer struct {
	NComponents interface{} // Constructor argument, if any
	State       interface{} // Pickled __dict__, kept for inspection
}

// NewNoopReducer accepts no arguments or one optional n_components.
func NewNoopReducer(args ...interface{}) (*NoopReducer, error) {
	if len(args) > 1 {
		return nil, errors.Errorf("reducer: expected at most 1 argument, got %d", len(args))
	}
	r := &NoopReducer{}
	if len(args) == 1 {
		r.NComponents = args[0]
	}
	return r, nil
}

// Fit returns the reducer unchanged.
func (r *NoopReducer) Fit(*tensor.Tensor) Reducer {
	return r
}

// Transform returns x unchanged.
func (r *NoopReducer) Transform(x *tensor.Tensor) *tensor.Tensor {
	return x
}

// PySetState receives the pickled instance state (BUILD opcode).
func (r *NoopReducer) PySetState(state interface{}) error {
	r.State = state
	if n, ok := lookup(state, "n_components"); ok {
		r.NComponents = n
	}
	return nil
}

// Opaque is an inert placeholder for pickled numpy values. It records how
// it was constructed; nothing reads it.
type Opaque struct {
	Class string
	Args  []interface{}
	State interface{}
}

// PySetState receives the pickled instance state.
func (o *Opaque) PySetState(state interface{}) error {
	o.State = state
	return nil
}

// Call lets REDUCE target a placeholder instance.
func (o *Opaque) Call(args ...interface{}) (interface{}, error) {
	return &Opaque{Class: o.Class, Args: args}, nil
}

// class is what the unpickler receives for a registered name: a callable
// for REDUCE and a constructor for NEWOBJ.
type class struct {
	name string
	ctor func(args ...interface{}) (interface{}, error)
}

func (c *class) Call(args ...interface{}) (interface{}, error) {
	return c.ctor(args...)
}

func (c *class) PyNew(args ...interface{}) (interface{}, error) {
	return c.ctor(args...)
}

var (
	_ types.Callable        = (*class)(nil)
	_ types.PyNewable       = (*class)(nil)
	_ types.PyStateSettable = (*NoopReducer)(nil)
	_ types.PyStateSettable = (*Opaque)(nil)
)

// Shim is a registry of stand-in classes consulted while a checkpoint is
// unpickled. Each Shim is independent; registering on one does not affect
// any other.
type Shim struct {
	mu      sync.RWMutex
	classes map[string]*class
}

// NewShim creates an empty registry. Every class lookup fails until
// classes are registered.
func NewShim() *Shim {
	return &Shim{classes: make(map[string]*class)}
}

// DefaultShim returns a registry covering the embedding checkpoint: the
// PCA reducer under both its historical and current module paths, and the
// numpy helpers its pickled state refers to.
func DefaultShim() *Shim {
	s := NewShim()
	for _, name := range []string{PCAClass, PCAClassModern} {
		s.RegisterReducer(name)
	}
	for _, name := range numpyClasses {
		s.RegisterOpaque(name)
	}
	return s
}

// RegisterReducer registers NoopReducer under a qualified class name.
func (s *Shim) RegisterReducer(qualified string) {
	s.register(qualified, func(args ...interface{}) (interface{}, error) {
		return NewNoopReducer(args...)
	})
}

// RegisterOpaque registers an inert placeholder under a qualified name.
func (s *Shim) RegisterOpaque(qualified string) {
	s.register(qualified, func(args ...interface{}) (interface{}, error) {
		return &Opaque{Class: qualified, Args: args}, nil
	})
}

func (s *Shim) register(qualified string, ctor func(args ...interface{}) (interface{}, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes[qualified] = &class{name: qualified, ctor: ctor}
}

// FindClass resolves module.name for the unpickler. Unregistered names
// fail with ErrMissingDependency.
func (s *Shim) FindClass(module, name string) (interface{}, error) {
	qualified := module + "." + name
	s.mu.RLock()
	c, ok := s.classes[qualified]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrMissingDependency, "checkpoint references %s", qualified)
	}
	return c, nil
}

// Registered returns the registered class names, sorted.
func (s *Shim) Registered() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.classes))
	for name := range s.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
