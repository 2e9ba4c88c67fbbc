package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragrancelog/embedexport/internal/loader"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "Resnet-101-AP-GeM.pt", cfg.CheckpointPath)
	assert.Equal(t, "resnet101_ap_gem.onnx", cfg.OutputPath)
	assert.Equal(t, "state_dict", cfg.StateKey)
	assert.Equal(t, 1e-4, cfg.Tolerance)
	assert.Equal(t, loader.PolicyContinue, cfg.Policy)
	assert.Equal(t, 2048, cfg.Model.OutputDim)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no checkpoint", func(c *Config) { c.CheckpointPath = "" }, "checkpoint path"},
		{"no output", func(c *Config) { c.OutputPath = "" }, "output path"},
		{"no state key", func(c *Config) { c.StateKey = "" }, "state key"},
		{"zero tolerance", func(c *Config) { c.Tolerance = 0 }, "tolerance"},
		{"negative noise", func(c *Config) { c.NoiseScale = -1 }, "noise scale"},
		{"bad policy", func(c *Config) { c.Policy = loader.MismatchPolicy(9) }, "mismatch policy"},
		{"bad model", func(c *Config) { c.Model.OutputDim = 0 }, "model: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())
}
