// Package metrics - StatsD reporting for fetches and pipeline stages.
package metrics

import (
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Config controls the StatsD client.
type Config struct {
	// Enabled switches from the no-op client to a real one.
	Enabled bool `mapstructure:"enabled"`
	// Address is the host:port of the StatsD / Telegraf agent.
	Address string `mapstructure:"address"`
	// SamplingRate is passed to every call; 1 means every event.
	SamplingRate float64 `mapstructure:"sampling_rate"`
	// Namespace prefixes every metric name.
	Namespace string `mapstructure:"namespace"`
	// Tags are attached to every metric.
	Tags []string `mapstructure:"tags"`
}

var (
	mu           sync.RWMutex
	client       statsd.ClientInterface = &statsd.NoOpClient{}
	samplingRate float64                = 1
)

// Init installs a real StatsD client when cfg.Enabled is set. A disabled
// config resets to the no-op client.
//
// Arguments:
//   - cfg: The metrics configuration.
//
// Returns:
//   - error: If the client could not be created.
func Init(cfg Config) error {
	if !cfg.Enabled {
		Use(&statsd.NoOpClient{}, 1)
		return nil
	}

	opts := []statsd.Option{statsd.WithTags(cfg.Tags)}
	if cfg.Namespace != "" {
		opts = append(opts, statsd.WithNamespace(cfg.Namespace))
	}
	c, err := statsd.New(cfg.Address, opts...)
	if err != nil {
		return errors.Wrapf(err, "creating statsd client for %s", cfg.Address)
	}

	rate := cfg.SamplingRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	Use(c, rate)
	log.Info().Str("address", cfg.Address).Float64("sampling_rate", rate).Msg("metrics client initialized")
	return nil
}

// Use swaps the active client. Tests use it to install a recorder.
func Use(c statsd.ClientInterface, rate float64) {
	mu.Lock()
	defer mu.Unlock()
	client = c
	samplingRate = rate
}

// Close flushes and closes the active client.
func Close() error {
	mu.RLock()
	defer mu.RUnlock()
	return client.Close()
}

func active() (statsd.ClientInterface, float64) {
	mu.RLock()
	defer mu.RUnlock()
	return client, samplingRate
}

// Timing records a duration.
func Timing(name string, value time.Duration, tags []string) {
	c, rate := active()
	if err := c.Timing(name, value, tags, rate); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("statsd timing failed")
	}
}

// Count adds value to a counter.
func Count(name string, value int64, tags []string) {
	c, rate := active()
	if err := c.Count(name, value, tags, rate); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("statsd count failed")
	}
}

// Incr adds one to a counter.
func Incr(name string, tags []string) {
	Count(name, 1, tags)
}

// Gauge records a point-in-time value.
func Gauge(name string, value float64, tags []string) {
	c, rate := active()
	if err := c.Gauge(name, value, tags, rate); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("statsd gauge failed")
	}
}

// Since records the time elapsed from start.
func Since(name string, start time.Time, tags []string) {
	Timing(name, time.Since(start), tags)
}
