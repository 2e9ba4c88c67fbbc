package loader

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragrancelog/embedexport/internal/tensor"
)

func TestDefaultShim_ResolvesPCA(t *testing.T) {
	shim := DefaultShim()

	for _, q := range []string{PCAClass, PCAClassModern} {
		module, name := q[:len(q)-len(".PCA")], "PCA"
		cls, err := shim.FindClass(module, name)
		require.NoError(t, err, q)

		obj, err := cls.(*class).PyNew()
		require.NoError(t, err)
		r, ok := obj.(Reducer)
		require.True(t, ok)

		x := tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{1, 3})
		assert.Same(t, r, r.Fit(x))
		assert.Same(t, x, r.Transform(x))
	}
}

func TestShim_UnknownClassIsMissingDependency(t *testing.T) {
	_, err := DefaultShim().FindClass("sklearn.preprocessing", "StandardScaler")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingDependency))
	assert.Equal(t, ErrMissingDependency, errors.Cause(err))
	assert.Contains(t, err.Error(), "sklearn.preprocessing.StandardScaler")
}

func TestShim_RegistriesAreIndependent(t *testing.T) {
	a := NewShim()
	b := NewShim()
	a.RegisterReducer("custom.Reducer")

	_, err := a.FindClass("custom", "Reducer")
	assert.NoError(t, err)
	_, err = b.FindClass("custom", "Reducer")
	assert.ErrorIs(t, err, ErrMissingDependency)
	assert.Empty(t, b.Registered())
}

func TestNoopReducer_Constructors(t *testing.T) {
	r, err := NewNoopReducer()
	require.NoError(t, err)
	assert.Nil(t, r.NComponents)

	r, err = NewNoopReducer(16)
	require.NoError(t, err)
	assert.Equal(t, 16, r.NComponents)

	_, err = NewNoopReducer(1, 2)
	assert.Error(t, err)
}

func TestNoopReducer_PySetState(t *testing.T) {
	r, _ := NewNoopReducer()
	require.NoError(t, r.PySetState(map[interface{}]interface{}{"n_components": 8, "whiten": false}))
	assert.Equal(t, 8, r.NComponents)
}

func TestDefaultShim_Registered(t *testing.T) {
	names := DefaultShim().Registered()
	assert.Contains(t, names, PCAClass)
	assert.Contains(t, names, "numpy.core.multiarray._reconstruct")
	assert.IsIncreasing(t, names)
}
