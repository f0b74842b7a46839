package assets

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog/log"

	"github.com/nvr-ai/derm-screen/errs"
	"github.com/nvr-ai/derm-screen/metrics"
)

// FetcherConfig bounds how the model is located, downloaded and validated.
type FetcherConfig struct {
	// URL is the single well-known model location.
	URL string `mapstructure:"url"`
	// ProbeMinBytes is the smallest declared size the metadata probe accepts.
	ProbeMinBytes int64 `mapstructure:"probe_min_bytes"`
	// MinBytes is the stricter floor applied to the downloaded payload.
	MinBytes int64 `mapstructure:"min_bytes"`
	// MaxAttempts is the total number of download attempts.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BaseDelay is multiplied by the attempt number to get the wait before the next attempt.
	BaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// Timeout bounds a single probe or download attempt; zero means no bound.
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultFetcherConfig returns the production thresholds: 200 KiB probe
// floor, 1 MiB payload floor, 3 attempts, 1s linear backoff.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		ProbeMinBytes: 200 << 10,
		MinBytes:      1 << 20,
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		Timeout:       2 * time.Minute,
	}
}

// Fetcher retrieves a ModelAsset. It holds no mutable state and may be
// called repeatedly; callers cache the result.
type Fetcher struct {
	cfg    FetcherConfig
	source Source
}

// Option customizes a Fetcher.
type Option func(*fetcherOptions)

type fetcherOptions struct {
	source Source
	client *http.Client
}

// WithSource replaces the source derived from the configured URL.
func WithSource(s Source) Option {
	return func(o *fetcherOptions) { o.source = s }
}

// WithHTTPClient sets the client used for http(s) locations.
func WithHTTPClient(c *http.Client) Option {
	return func(o *fetcherOptions) { o.client = c }
}

// NewFetcher creates a Fetcher.
//
// Arguments:
//   - cfg: Thresholds and retry bounds.
//   - opts: Optional source or HTTP client overrides.
//
// Returns:
//   - *Fetcher: The fetcher.
//   - error: If the location cannot be turned into a Source.
func NewFetcher(cfg FetcherConfig, opts ...Option) (*Fetcher, error) {
	o := fetcherOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}

	src := o.source
	if src == nil {
		var err error
		src, err = NewSource(cfg.URL, o.client)
		if err != nil {
			return nil, err
		}
	}
	return &Fetcher{cfg: cfg, source: src}, nil
}

// Config returns the fetcher's configuration.
func (f *Fetcher) Config() FetcherConfig { return f.cfg }

// Source returns the location being fetched.
func (f *Fetcher) Source() Source { return f.source }

// Backoff is the wait after the given failed attempt (1-based): base × attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return base * time.Duration(attempt)
}

// Probe runs the metadata-only check. It is not retried.
//
// Returns:
//   - int64: The declared size, or UnknownSize.
//   - error: AssetUnreachable when the source cannot be reached, AssetTooSmall
//     when the declared size is under ProbeMinBytes.
func (f *Fetcher) Probe(ctx context.Context) (int64, error) {
	pctx, cancel := f.attemptContext(ctx)
	defer cancel()

	size, err := f.source.Probe(pctx)
	if err != nil {
		return UnknownSize, f.timeoutAsUnreachable(ctx, pctx, "assets.probe", err)
	}
	if size != UnknownSize && size < f.cfg.ProbeMinBytes {
		return size, errs.Errorf(errs.AssetTooSmall, "assets.probe",
			"%s declares %d bytes, need at least %d", f.source, size, f.cfg.ProbeMinBytes)
	}
	return size, nil
}

// Fetch probes the source, then downloads and validates the payload under a
// bounded retry policy. Only the error of the final attempt is surfaced.
//
// Arguments:
//   - ctx: Cancels the probe, any attempt in flight, and waits between attempts.
//
// Returns:
//   - *ModelAsset: The validated payload.
//   - error: A kinded error from errs.
func (f *Fetcher) Fetch(ctx context.Context) (*ModelAsset, error) {
	start := time.Now()
	tags := []string{"source:" + f.source.String()}

	declared, err := f.Probe(ctx)
	if err != nil {
		metrics.Incr("assets.fetch.failed", append(tags, "kind:"+errs.KindOf(err).String()))
		log.Warn().Err(err).Str("source", f.source.String()).Msg("model probe failed")
		return nil, err
	}
	log.Debug().Str("source", f.source.String()).Int64("declared_bytes", declared).Msg("model probe passed")

	var attempts atomic.Int64
	policy := retrypolicy.Builder[[]byte]().
		HandleIf(func(_ []byte, err error) bool { return errs.IsRetryable(err) }).
		WithMaxAttempts(f.cfg.MaxAttempts).
		WithDelayFunc(func(failsafe.ExecutionAttempt[[]byte]) time.Duration {
			return Backoff(f.cfg.BaseDelay, int(attempts.Load()))
		}).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[[]byte]) {
			metrics.Incr("assets.fetch.retry", tags)
			log.Warn().Err(e.LastError()).Int64("attempt", attempts.Load()).
				Str("source", f.source.String()).Msg("retrying model download")
		}).
		Build()

	data, err := failsafe.NewExecutor[[]byte](policy).WithContext(ctx).Get(func() ([]byte, error) {
		n := attempts.Add(1)
		return f.download(ctx, int(n))
	})
	metrics.Count("assets.fetch.attempts", attempts.Load(), tags)
	if err != nil {
		if ctx.Err() != nil {
			err = errs.FromContext("assets.fetch", ctx.Err())
		}
		metrics.Incr("assets.fetch.failed", append(tags, "kind:"+errs.KindOf(err).String()))
		log.Error().Err(err).Int64("attempts", attempts.Load()).Str("source", f.source.String()).Msg("model download failed")
		return nil, err
	}

	asset := NewModelAsset(data, f.cfg.MinBytes, f.source.String())
	metrics.Since("assets.fetch.duration", start, tags)
	metrics.Gauge("assets.model.bytes", float64(asset.Size()), tags)
	log.Info().Str("source", asset.Source).Int64("bytes", asset.Size()).Str("sha256", asset.SHA256).
		Int64("attempts", attempts.Load()).Msg("model downloaded")
	return asset, nil
}

// download performs one attempt. A short payload is reported as
// AssetTooSmall so the retry policy treats it as transient.
func (f *Fetcher) download(ctx context.Context, attempt int) ([]byte, error) {
	actx, cancel := f.attemptContext(ctx)
	defer cancel()

	data, err := f.source.Fetch(actx)
	if err != nil {
		return nil, f.timeoutAsUnreachable(ctx, actx, "assets.download", err)
	}
	if int64(len(data)) < f.cfg.MinBytes {
		return nil, errs.Errorf(errs.AssetTooSmall, "assets.download",
			"attempt %d: %s delivered %d bytes, need at least %d", attempt, f.source, len(data), f.cfg.MinBytes)
	}
	return data, nil
}

func (f *Fetcher) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, f.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// timeoutAsUnreachable reports an expired per-attempt deadline as an
// unreachable source; only the caller's own cancellation stays Canceled.
func (f *Fetcher) timeoutAsUnreachable(parent, attempt context.Context, op string, err error) error {
	if parent.Err() == nil && attempt.Err() != nil {
		return errs.Errorf(errs.AssetUnreachable, op, "%s did not answer within %s", f.source, f.cfg.Timeout)
	}
	return err
}
