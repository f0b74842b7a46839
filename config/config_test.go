package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/derm-screen/classify"
	"github.com/nvr-ai/derm-screen/inference/providers"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default().Model, cfg.Model)
	assert.Equal(t, []string{"benign", "malignant"}, cfg.Model.Classes)
	assert.Equal(t, int64(200<<10), cfg.Model.ProbeMinBytes)
	assert.Equal(t, int64(1<<20), cfg.Model.MinBytes)
	assert.Equal(t, 3, cfg.Model.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Model.RetryBaseDelay)
	assert.Equal(t, 70.0, cfg.Policy.ConfidenceFloor)
	assert.Equal(t, 200*time.Millisecond, cfg.Progress.Interval)
	assert.Equal(t, int64(10<<20), cfg.Server.MaxUploadBytes)
	assert.Equal(t, "bilinear", cfg.Preprocess.Resampler)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, "dermscan.yaml", `
model:
  url: https://models.example.com/lesion.onnx
  classes: [nevus, melanoma, keratosis]
  max_attempts: 5
  retry_base_delay: 250ms
runtime:
  backend: cpu
  optimization_level: all
preprocess:
  resampler: lanczos3
policy:
  confidence_floor: 80
  rules:
    melanoma:
      risk: high
      findings: [Irregular pigmentation detected]
progress:
  interval: 100ms
server:
  addr: 127.0.0.1:9000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://models.example.com/lesion.onnx", cfg.Model.URL)
	assert.Equal(t, []string{"nevus", "melanoma", "keratosis"}, cfg.Model.Classes)
	assert.Equal(t, 5, cfg.Model.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Model.RetryBaseDelay)
	assert.Equal(t, "all", cfg.Runtime.OptimizationLevel)
	assert.Equal(t, "lanczos3", cfg.Preprocess.Resampler)
	assert.Equal(t, 100*time.Millisecond, cfg.Progress.Interval)
	assert.Equal(t, 5, cfg.Progress.Step, "unset keys keep defaults")
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)

	policy := cfg.ClassifyPolicy()
	assert.Equal(t, 80.0, policy.ConfidenceFloor)
	assert.Equal(t, classify.RiskHigh, policy.Rule("Melanoma").Risk)
	assert.Equal(t, classify.RiskModerate, policy.Rule("nevus").Risk, "unlisted classes use the fallback")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DERMSCAN_MODEL_URL", "file:///srv/models/lesion.onnx")
	t.Setenv("DERMSCAN_MODEL_MAX_ATTEMPTS", "7")
	t.Setenv("DERMSCAN_POLICY_CONFIDENCE_FLOOR", "65.5")
	t.Setenv("DERMSCAN_SERVER_ADDR", ":9999")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "file:///srv/models/lesion.onnx", cfg.Model.URL)
	assert.Equal(t, 7, cfg.Model.MaxAttempts)
	assert.Equal(t, 65.5, cfg.Policy.ConfidenceFloor)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty url", func(c *Config) { c.Model.URL = " " }, "model.url"},
		{"one class", func(c *Config) { c.Model.Classes = []string{"benign"} }, "model.classes"},
		{"blank class", func(c *Config) { c.Model.Classes = []string{"benign", ""} }, "model.classes[1]"},
		{"probe above min", func(c *Config) { c.Model.ProbeMinBytes = 2 << 20 }, "probe_min_bytes"},
		{"zero attempts", func(c *Config) { c.Model.MaxAttempts = 0 }, "max_attempts"},
		{"short mean", func(c *Config) { c.Preprocess.Mean = []float64{0.5} }, "preprocess.mean"},
		{"zero std", func(c *Config) { c.Preprocess.Std = []float64{0.2, 0, 0.2} }, "std[1]"},
		{"bad resampler", func(c *Config) { c.Preprocess.Resampler = "sinc" }, "resampler"},
		{"floor above 100", func(c *Config) { c.Policy.ConfidenceFloor = 101 }, "confidence_floor"},
		{"progress cap", func(c *Config) { c.Progress.Cap = 100 }, "progress"},
		{"upload limit", func(c *Config) { c.Server.MaxUploadBytes = 0 }, "max_upload_bytes"},
		{"backend", func(c *Config) { c.Runtime.Backend = "tpu" }, "runtime"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestConverters(t *testing.T) {
	cfg := Default()

	fc := cfg.FetcherConfig()
	assert.Equal(t, cfg.Model.URL, fc.URL)
	assert.Equal(t, cfg.Model.MaxAttempts, fc.MaxAttempts)
	assert.Equal(t, cfg.Model.RetryBaseDelay, fc.BaseDelay)

	rc, err := cfg.RuntimeConfig()
	require.NoError(t, err)
	assert.Equal(t, providers.CPUBackend, rc.Backend())

	pc, err := cfg.PreprocessConfig()
	require.NoError(t, err)
	assert.Equal(t, 224, pc.TargetSize)
	assert.Equal(t, [3]float32{0.485, 0.456, 0.406}, pc.Mean)
	assert.Equal(t, [3]float32{0.229, 0.224, 0.225}, pc.Std)
	assert.Equal(t, "bilinear", pc.Resampler.Name())

	assert.Equal(t, classify.DefaultPolicy(), cfg.ClassifyPolicy())
	assert.Equal(t, cfg.Progress, cfg.ProgressConfig())
}
