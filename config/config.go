// Package config - Layered configuration for the CLI and HTTP server:
// defaults, an optional file, then DERMSCAN_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/nvr-ai/derm-screen/assets"
	"github.com/nvr-ai/derm-screen/classify"
	"github.com/nvr-ai/derm-screen/images"
	"github.com/nvr-ai/derm-screen/inference/providers"
	"github.com/nvr-ai/derm-screen/metrics"
	"github.com/nvr-ai/derm-screen/pipeline"
)

// EnvPrefix prefixes every environment override, e.g. DERMSCAN_MODEL_URL.
const EnvPrefix = "DERMSCAN"

// AppConfig holds process-wide settings.
type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

// ModelConfig locates the classifier and bounds its download.
type ModelConfig struct {
	URL            string        `mapstructure:"url"`
	Classes        []string      `mapstructure:"classes"`
	ProbeMinBytes  int64         `mapstructure:"probe_min_bytes"`
	MinBytes       int64         `mapstructure:"min_bytes"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// PreprocessSection configures image preprocessing.
type PreprocessSection struct {
	TargetSize       int       `mapstructure:"target_size"`
	Mean             []float64 `mapstructure:"mean"`
	Std              []float64 `mapstructure:"std"`
	MaxPixels        int       `mapstructure:"max_pixels"`
	Resampler        string    `mapstructure:"resampler"`
	BatchConcurrency int       `mapstructure:"batch_concurrency"`
}

// PolicySection overrides parts of classify.DefaultPolicy.
type PolicySection struct {
	ConfidenceFloor      float64                  `mapstructure:"confidence_floor"`
	Rules                map[string]classify.Rule `mapstructure:"rules"`
	LowConfidenceFinding string                   `mapstructure:"low_confidence_finding"`
	SecondOpinion        string                   `mapstructure:"second_opinion"`
	Disclaimer           string                   `mapstructure:"disclaimer"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Warm            bool          `mapstructure:"warm"`
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN              string  `mapstructure:"dsn"`
	Environment      string  `mapstructure:"environment"`
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"`
}

// Config is the complete configuration.
type Config struct {
	App        AppConfig               `mapstructure:"app"`
	Model      ModelConfig             `mapstructure:"model"`
	Runtime    providers.RuntimeArgs   `mapstructure:"runtime"`
	Preprocess PreprocessSection       `mapstructure:"preprocess"`
	Policy     PolicySection           `mapstructure:"policy"`
	Progress   pipeline.ProgressConfig `mapstructure:"progress"`
	Server     ServerConfig            `mapstructure:"server"`
	Metrics    metrics.Config          `mapstructure:"metrics"`
	Sentry     SentryConfig            `mapstructure:"sentry"`
}

// Load reads the configuration.
//
// Order of operations:
//  1. Defaults for every key.
//  2. The file at path, when path is not empty (YAML, JSON or TOML by extension).
//  3. DERMSCAN_* environment variables, with "." replaced by "_".
//
// Arguments:
//   - path: Optional configuration file.
//
// Returns:
//   - *Config: The validated configuration.
//   - error: If the file cannot be read, decoded or validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration Load produces with no file and no
// environment overrides.
func Default() *Config {
	pre := images.DefaultPreprocessConfig()
	fetch := assets.DefaultFetcherConfig()
	policy := classify.DefaultPolicy()
	return &Config{
		App: AppConfig{Name: "dermscan", LogLevel: "info"},
		Model: ModelConfig{
			URL:            "models/lesion_classifier.onnx",
			Classes:        []string{"benign", "malignant"},
			ProbeMinBytes:  fetch.ProbeMinBytes,
			MinBytes:       fetch.MinBytes,
			MaxAttempts:    fetch.MaxAttempts,
			RetryBaseDelay: fetch.BaseDelay,
			Timeout:        fetch.Timeout,
		},
		Runtime: providers.DefaultRuntimeArgs(),
		Preprocess: PreprocessSection{
			TargetSize:       pre.TargetSize,
			Mean:             toFloat64(pre.Mean),
			Std:              toFloat64(pre.Std),
			MaxPixels:        pre.MaxPixels,
			Resampler:        pre.Resampler.Name(),
			BatchConcurrency: 4,
		},
		Policy: PolicySection{
			ConfidenceFloor:      policy.ConfidenceFloor,
			LowConfidenceFinding: policy.LowConfidenceFinding,
			SecondOpinion:        policy.SecondOpinion,
			Disclaimer:           policy.Disclaimer,
		},
		Progress: pipeline.DefaultProgressConfig(),
		Server: ServerConfig{
			Addr:            ":8080",
			MaxUploadBytes:  10 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
			Warm:            true,
		},
		Metrics: metrics.Config{
			Enabled:      false,
			Address:      "127.0.0.1:8125",
			SamplingRate: 1,
			Namespace:    "dermscan.",
		},
		Sentry: SentryConfig{TracesSampleRate: 0},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("app.name", d.App.Name)
	v.SetDefault("app.log_level", d.App.LogLevel)

	v.SetDefault("model.url", d.Model.URL)
	v.SetDefault("model.classes", d.Model.Classes)
	v.SetDefault("model.probe_min_bytes", d.Model.ProbeMinBytes)
	v.SetDefault("model.min_bytes", d.Model.MinBytes)
	v.SetDefault("model.max_attempts", d.Model.MaxAttempts)
	v.SetDefault("model.retry_base_delay", d.Model.RetryBaseDelay)
	v.SetDefault("model.timeout", d.Model.Timeout)

	v.SetDefault("runtime.backend", d.Runtime.Backend)
	v.SetDefault("runtime.shared_lib_path", d.Runtime.SharedLibPath)
	v.SetDefault("runtime.intra_op_threads", d.Runtime.IntraOpThreads)
	v.SetDefault("runtime.inter_op_threads", d.Runtime.InterOpThreads)
	v.SetDefault("runtime.optimization_level", d.Runtime.OptimizationLevel)

	v.SetDefault("preprocess.target_size", d.Preprocess.TargetSize)
	v.SetDefault("preprocess.mean", d.Preprocess.Mean)
	v.SetDefault("preprocess.std", d.Preprocess.Std)
	v.SetDefault("preprocess.max_pixels", d.Preprocess.MaxPixels)
	v.SetDefault("preprocess.resampler", d.Preprocess.Resampler)
	v.SetDefault("preprocess.batch_concurrency", d.Preprocess.BatchConcurrency)

	v.SetDefault("policy.confidence_floor", d.Policy.ConfidenceFloor)
	v.SetDefault("policy.low_confidence_finding", d.Policy.LowConfidenceFinding)
	v.SetDefault("policy.second_opinion", d.Policy.SecondOpinion)
	v.SetDefault("policy.disclaimer", d.Policy.Disclaimer)

	v.SetDefault("progress.interval", d.Progress.Interval)
	v.SetDefault("progress.step", d.Progress.Step)
	v.SetDefault("progress.cap", d.Progress.Cap)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.max_upload_bytes", d.Server.MaxUploadBytes)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.warm", d.Server.Warm)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("metrics.sampling_rate", d.Metrics.SamplingRate)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
	v.SetDefault("metrics.tags", []string{})

	v.SetDefault("sentry.dsn", d.Sentry.DSN)
	v.SetDefault("sentry.environment", d.Sentry.Environment)
	v.SetDefault("sentry.traces_sample_rate", d.Sentry.TracesSampleRate)
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	m := c.Model
	switch {
	case strings.TrimSpace(m.URL) == "":
		return errors.New("model.url is required")
	case len(m.Classes) < 2:
		return fmt.Errorf("model.classes needs at least 2 entries, got %d", len(m.Classes))
	case m.ProbeMinBytes < 0 || m.MinBytes <= 0:
		return fmt.Errorf("model size thresholds must be positive (probe=%d, min=%d)", m.ProbeMinBytes, m.MinBytes)
	case m.ProbeMinBytes > m.MinBytes:
		return fmt.Errorf("model.probe_min_bytes (%d) must not exceed model.min_bytes (%d)", m.ProbeMinBytes, m.MinBytes)
	case m.MaxAttempts < 1:
		return fmt.Errorf("model.max_attempts must be >= 1, got %d", m.MaxAttempts)
	case m.RetryBaseDelay < 0:
		return fmt.Errorf("model.retry_base_delay must not be negative, got %s", m.RetryBaseDelay)
	}
	for i, class := range m.Classes {
		if strings.TrimSpace(class) == "" {
			return fmt.Errorf("model.classes[%d] is empty", i)
		}
	}

	p := c.Preprocess
	if len(p.Mean) != 3 || len(p.Std) != 3 {
		return fmt.Errorf("preprocess.mean and preprocess.std need 3 entries, got %d and %d", len(p.Mean), len(p.Std))
	}
	for i, s := range p.Std {
		if s == 0 {
			return fmt.Errorf("preprocess.std[%d] must not be zero", i)
		}
	}
	if p.TargetSize <= 0 {
		return fmt.Errorf("preprocess.target_size must be positive, got %d", p.TargetSize)
	}
	if _, err := images.ParseResampler(p.Resampler); err != nil {
		return errors.Wrap(err, "preprocess.resampler")
	}

	if f := c.Policy.ConfidenceFloor; f < 0 || f > 100 {
		return fmt.Errorf("policy.confidence_floor must be within [0, 100], got %v", f)
	}
	if err := c.Progress.Validate(); err != nil {
		return errors.Wrap(err, "progress")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	if _, err := providers.NewRuntimeConfig(c.Runtime); err != nil {
		return errors.Wrap(err, "runtime")
	}
	return nil
}

// FetcherConfig returns the asset fetcher settings.
func (c *Config) FetcherConfig() assets.FetcherConfig {
	return assets.FetcherConfig{
		URL:           c.Model.URL,
		ProbeMinBytes: c.Model.ProbeMinBytes,
		MinBytes:      c.Model.MinBytes,
		MaxAttempts:   c.Model.MaxAttempts,
		BaseDelay:     c.Model.RetryBaseDelay,
		Timeout:       c.Model.Timeout,
	}
}

// RuntimeConfig freezes the runtime settings.
func (c *Config) RuntimeConfig() (providers.RuntimeConfig, error) {
	return providers.NewRuntimeConfig(c.Runtime)
}

// PreprocessConfig returns the preprocessing settings.
func (c *Config) PreprocessConfig() (images.PreprocessConfig, error) {
	r, err := images.ParseResampler(c.Preprocess.Resampler)
	if err != nil {
		return images.PreprocessConfig{}, err
	}
	cfg := images.PreprocessConfig{
		TargetSize: c.Preprocess.TargetSize,
		MaxPixels:  c.Preprocess.MaxPixels,
		Resampler:  r,
	}
	for i := 0; i < 3 && i < len(c.Preprocess.Mean); i++ {
		cfg.Mean[i] = float32(c.Preprocess.Mean[i])
	}
	for i := 0; i < 3 && i < len(c.Preprocess.Std); i++ {
		cfg.Std[i] = float32(c.Preprocess.Std[i])
	}
	return cfg, nil
}

// ClassifyPolicy returns classify.DefaultPolicy with the configured overrides.
func (c *Config) ClassifyPolicy() classify.Policy {
	p := classify.DefaultPolicy()
	p.ConfidenceFloor = c.Policy.ConfidenceFloor
	if len(c.Policy.Rules) > 0 {
		p.Rules = c.Policy.Rules
	}
	if c.Policy.LowConfidenceFinding != "" {
		p.LowConfidenceFinding = c.Policy.LowConfidenceFinding
	}
	if c.Policy.SecondOpinion != "" {
		p.SecondOpinion = c.Policy.SecondOpinion
	}
	if c.Policy.Disclaimer != "" {
		p.Disclaimer = c.Policy.Disclaimer
	}
	return p.Normalize()
}

// ProgressConfig returns the progress ticker settings.
func (c *Config) ProgressConfig() pipeline.ProgressConfig { return c.Progress }

func toFloat64(v [3]float32) []float64 {
	return []float64{float64(v[0]), float64(v[1]), float64(v[2])}
}
