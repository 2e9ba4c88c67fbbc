package convert

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragrancelog/embedexport/internal/backend/cpu"
	"github.com/fragrancelog/embedexport/internal/config"
	"github.com/fragrancelog/embedexport/internal/loader"
	"github.com/fragrancelog/embedexport/internal/loader/pttest"
	"github.com/fragrancelog/embedexport/internal/model"
	"github.com/fragrancelog/embedexport/internal/onnx"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// trainedEntries returns a tiny model's weights under their legacy
// checkpoint names.
func trainedEntries(t *testing.T) []pttest.Entry {
	t.Helper()
	cfg := model.TinyConfig()
	cfg.Seed = 7
	m, err := model.Build(cfg, cpu.New())
	require.NoError(t, err)

	var entries []pttest.Entry
	for _, name := range m.ParameterNames() {
		p, _ := m.Parameter(name)
		stored := name
		if stored == loader.PoolingKey {
			stored = loader.LegacyPoolingKey
		}
		e := pttest.FromTensor(loader.WrapperPrefix+stored, p.Tensor())
		e.Long = p.Buffer() && p.Tensor().Rank() == 0
		entries = append(entries, e)
	}
	return entries
}

func setup(t *testing.T, spec pttest.Spec) (*config.Config, *bytes.Buffer, *log.Logger) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CheckpointPath = filepath.Join(dir, "ckpt.pt")
	cfg.OutputPath = filepath.Join(dir, "model.onnx")
	cfg.Model = model.TinyConfig()
	require.NoError(t, pttest.Write(cfg.CheckpointPath, spec))

	var buf bytes.Buffer
	return cfg, &buf, log.New(&buf, "", 0)
}

func TestRun_EndToEnd(t *testing.T) {
	cfg, buf, logger := setup(t, pttest.Spec{Entries: trainedEntries(t), PCA: true, Epoch: 30})

	out, err := Run(cfg, logger)
	require.NoError(t, err, buf.String())

	assert.True(t, out.Reconcile.Clean())
	assert.False(t, out.Report.Suspect())
	assert.True(t, out.Report.SanityOK())
	assert.Positive(t, out.Export.Fused)

	logs := buf.String()
	for _, line := range []string{
		"Missing: 0", "Unexpected: 0", "All parameters loaded successfully",
		"Norm: ", "Self similarity: ", "Perturb similarity: ", "Max diff: ", "ONNX opset: 18",
		"reducer=*loader.NoopReducer",
	} {
		assert.Contains(t, logs, line)
	}

	proto, err := onnx.ParseFile(cfg.OutputPath)
	require.NoError(t, err)
	require.NoError(t, onnx.Check(proto))
	assert.Equal(t, Version, proto.ProducerVersion)

	rt, err := onnx.LoadFromProto(proto, onnx.DefaultLoadOptions())
	require.NoError(t, err)
	emb, err := rt.Forward(tensor.RandNormal(tensor.Shape{4, 3, 32, 32}, 0, 1, 11))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{4, 8}, emb.Shape())
}

func TestRun_ReproducibleArtifact(t *testing.T) {
	entries := trainedEntries(t)
	cfg, _, logger := setup(t, pttest.Spec{Entries: entries})
	_, err := Run(cfg, logger)
	require.NoError(t, err)
	first, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)

	_, err = Run(cfg, logger)
	require.NoError(t, err)
	second, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func divergentSpec(t *testing.T) pttest.Spec {
	var entries []pttest.Entry
	for _, e := range trainedEntries(t) {
		if e.Name != loader.WrapperPrefix+"fc.bias" {
			entries = append(entries, e)
		}
	}
	entries = append(entries, pttest.Entry{Name: "module.aux.weight", Shape: []int{2}, Data: []float32{1, 2}})
	return pttest.Spec{Entries: entries}
}

func TestRun_DivergentKeysContinue(t *testing.T) {
	cfg, buf, logger := setup(t, divergentSpec(t))

	out, err := Run(cfg, logger)
	require.NoError(t, err, buf.String())
	assert.Equal(t, []string{"fc.bias"}, out.Reconcile.Missing)
	assert.Equal(t, []string{"aux.weight"}, out.Reconcile.Unexpected)

	logs := buf.String()
	assert.Contains(t, logs, "Missing: 1")
	assert.Contains(t, logs, "Missing keys: [fc.bias]")
	assert.Contains(t, logs, "Unexpected keys: [aux.weight]")
	assert.NotContains(t, logs, "All parameters loaded successfully")
}

func TestRun_DivergentKeysAbort(t *testing.T) {
	cfg, _, logger := setup(t, divergentSpec(t))
	cfg.Policy = loader.PolicyAbort

	_, err := Run(cfg, logger)
	assert.True(t, errors.Is(err, loader.ErrIncompatible), "got %v", err)
	_, statErr := os.Stat(cfg.OutputPath)
	assert.True(t, os.IsNotExist(statErr), "no artifact on abort")
}

func TestRun_FatalCheckpointErrors(t *testing.T) {
	cfg, _, logger := setup(t, pttest.Spec{Entries: trainedEntries(t)})
	cfg.StateKey = "model"
	_, err := Run(cfg, logger)
	assert.True(t, errors.Is(err, loader.ErrKeyNotFound), "got %v", err)

	cfg, _, logger = setup(t, pttest.Spec{Entries: trainedEntries(t), ExtraClass: "sklearn.cluster.KMeans"})
	_, err = Run(cfg, logger)
	assert.True(t, errors.Is(err, loader.ErrMissingDependency), "got %v", err)

	cfg, _, logger = setup(t, pttest.Spec{Entries: trainedEntries(t)})
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "absent.pt")
	_, err = Run(cfg, logger)
	assert.Error(t, err)
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Tolerance = 0
	_, err := Run(cfg, log.New(&bytes.Buffer{}, "", 0))
	assert.ErrorContains(t, err, "invalid config")
}

func TestReadBack(t *testing.T) {
	data := []byte("artifact bytes")
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	path := filepath.Join(t.TempDir(), "model.onnx")

	require.NoError(t, os.WriteFile(path, data, 0o644))
	got, err := readBack(path, checksum)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// A short write is caught before validation.
	require.NoError(t, os.WriteFile(path, data[:5], 0o644))
	_, err = readBack(path, checksum)
	assert.ErrorContains(t, err, "on disk has sha256")

	_, err = readBack(filepath.Join(t.TempDir(), "absent.onnx"), checksum)
	assert.ErrorContains(t, err, "read back")
}
