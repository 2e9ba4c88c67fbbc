package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragrancelog/embedexport/internal/loader/pttest"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

func writeFixture(t *testing.T, spec pttest.Spec) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.pt")
	require.NoError(t, pttest.Write(path, spec))
	return path
}

func TestLoadCheckpoint_StateDictAndReducer(t *testing.T) {
	path := writeFixture(t, pttest.Spec{
		Entries: []pttest.Entry{
			{Name: "module.fc.weight", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
			{Name: "module.adpool.p", Shape: []int{1}, Data: []float32{3}},
			{Name: "module.bn1.num_batches_tracked", Shape: []int{}, Data: []float32{1200}, Long: true},
		},
		PCA:   true,
		Epoch: 30,
	})

	ckpt, err := LoadCheckpoint(path, DefaultShim(), StateDictKey)
	require.NoError(t, err)

	assert.Equal(t, []string{"module.fc.weight", "module.adpool.p", "module.bn1.num_batches_tracked"}, ckpt.Keys())

	w, ok := ckpt.Tensor("module.fc.weight")
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{2, 3}, w.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, w.Data())

	nbt, _ := ckpt.Tensor("module.bn1.num_batches_tracked")
	assert.Equal(t, 0, nbt.Rank())
	assert.Equal(t, float32(1200), nbt.Data()[0])

	r, ok := ckpt.Reducer()
	require.True(t, ok, "pickled PCA resolves to the no-op reducer")
	noop := r.(*NoopReducer)
	assert.Equal(t, 2, noop.NComponents)
	assert.Contains(t, ckpt.Extras, "epoch")
}

func TestLoadCheckpoint_StridedTensor(t *testing.T) {
	// Transposed view of a 2x3 storage.
	path := writeFixture(t, pttest.Spec{
		Entries: []pttest.Entry{
			{Name: "w", Shape: []int{3, 2}, Stride: []int{1, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
			{Name: "tail", Shape: []int{2}, Stride: []int{1}, Offset: 4, Data: []float32{1, 2, 3, 4, 5, 6}},
		},
	})

	ckpt, err := LoadCheckpoint(path, DefaultShim(), StateDictKey)
	require.NoError(t, err)

	w, _ := ckpt.Tensor("w")
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, w.Data())
	tail, _ := ckpt.Tensor("tail")
	assert.Equal(t, []float32{5, 6}, tail.Data())
}

func TestLoadCheckpoint_MissingKey(t *testing.T) {
	path := writeFixture(t, pttest.Spec{
		StateKey: "model",
		Entries:  []pttest.Entry{{Name: "fc.bias", Shape: []int{1}, Data: []float32{0}}},
	})

	_, err := LoadCheckpoint(path, DefaultShim(), StateDictKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLoadCheckpoint_UncoveredClassIsFatal(t *testing.T) {
	path := writeFixture(t, pttest.Spec{
		Entries:    []pttest.Entry{{Name: "fc.bias", Shape: []int{1}, Data: []float32{0}}},
		ExtraClass: "sklearn.preprocessing.StandardScaler",
	})

	_, err := LoadCheckpoint(path, DefaultShim(), StateDictKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestLoadCheckpoint_PCAWithoutShimFails(t *testing.T) {
	path := writeFixture(t, pttest.Spec{
		Entries: []pttest.Entry{{Name: "fc.bias", Shape: []int{1}, Data: []float32{0}}},
		PCA:     true,
	})

	_, err := LoadCheckpoint(path, NewShim(), StateDictKey)
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestLoadCheckpoint_Unreadable(t *testing.T) {
	_, err := LoadCheckpoint(filepath.Join(t.TempDir(), "absent.pt"), DefaultShim(), StateDictKey)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Cause(err)))
}

func TestLoadCheckpoint_RoundTripIntoModel(t *testing.T) {
	m := buildTiny(t)
	var entries []pttest.Entry
	for _, name := range m.ParameterNames() {
		p, _ := m.Parameter(name)
		stored := name
		if stored == PoolingKey {
			stored = LegacyPoolingKey
		}
		e := pttest.FromTensor(WrapperPrefix+stored, p.Tensor())
		e.Long = p.Buffer() && p.Tensor().Rank() == 0
		entries = append(entries, e)
	}
	path := writeFixture(t, pttest.Spec{Entries: entries, PCA: true})

	ckpt, err := LoadCheckpoint(path, DefaultShim(), StateDictKey)
	require.NoError(t, err)

	fresh := buildTiny(t)
	res, err := Reconcile(fresh, ckpt, NewGeMMapper())
	require.NoError(t, err)
	assert.True(t, res.Clean(), res.String())

	for name, want := range m.StateDict() {
		got, _ := fresh.Parameter(name)
		assert.Equal(t, want.Data(), got.Tensor().Data(), name)
	}
}
