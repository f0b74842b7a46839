package main

import (
	"errors"
	"io"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/nvr-ai/derm-screen/assets"
	"github.com/nvr-ai/derm-screen/config"
	"github.com/nvr-ai/derm-screen/errs"
	"github.com/nvr-ai/derm-screen/images"
	"github.com/nvr-ai/derm-screen/inference"
	"github.com/nvr-ai/derm-screen/logger"
	"github.com/nvr-ai/derm-screen/metrics"
	"github.com/nvr-ai/derm-screen/pipeline"
)

// app is the wired pipeline for one CLI invocation.
type app struct {
	cfg          *config.Config
	fetcher      *assets.Fetcher
	pre          *images.Preprocessor
	slot         *inference.Slot
	orchestrator *pipeline.Orchestrator
	sentry       bool
}

// loadConfig reads the configuration and initializes logging and metrics.
func loadConfig(opts *rootOptions, stderr io.Writer) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, &HintedError{Err: err, Hint: "Check --config and the DERMSCAN_* environment variables."}
	}
	level := cfg.App.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	if err := logger.Init(level, cfg.App.Name, stderr); err != nil {
		return nil, err
	}
	if err := metrics.Init(cfg.Metrics); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp wires fetcher, session slot, preprocessor and orchestrator from
// the configuration.
func newApp(opts *rootOptions, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig(opts, stderr)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.Sentry.Environment,
			Release:          "dermscan@" + version,
			TracesSampleRate: cfg.Sentry.TracesSampleRate,
		})
		if err != nil {
			log.Warn().Err(err).Msg("sentry disabled")
		} else {
			a.sentry = true
		}
	}

	a.fetcher, err = assets.NewFetcher(cfg.FetcherConfig())
	if err != nil {
		return nil, err
	}
	rc, err := cfg.RuntimeConfig()
	if err != nil {
		return nil, err
	}
	pc, err := cfg.PreprocessConfig()
	if err != nil {
		return nil, err
	}
	a.pre, err = images.NewPreprocessor(pc)
	if err != nil {
		return nil, err
	}

	sessionCfg := inference.SessionConfig{
		Runtime:    rc,
		ClassNames: cfg.Model.Classes,
		InputShape: []int{1, 3, pc.TargetSize, pc.TargetSize},
	}
	a.slot = inference.NewSlot(inference.FetchAndOpen(a.fetcher, inference.SessionOpener(sessionCfg)))

	policy := cfg.ClassifyPolicy()
	progress := cfg.ProgressConfig()
	a.orchestrator, err = pipeline.New(a.slot, a.pre, pipeline.Options{Policy: &policy, Progress: &progress})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("model", cfg.Model.URL).Str("runtime", rc.String()).Msg("pipeline configured")
	return a, nil
}

// capture reports err to Sentry unless it is a user input problem.
func (a *app) capture(err error, path string) {
	if !a.sentry || err == nil {
		return
	}
	kind := errs.KindOf(err)
	if kind == errs.Decode || kind == errs.Canceled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", kind.String())
		var se *pipeline.StageError
		if errors.As(err, &se) {
			scope.SetTag("stage", string(se.Stage))
		}
		if path != "" {
			scope.SetContext("input", sentry.Context{"path": path})
		}
		sentry.CaptureException(err)
	})
}

// close releases the session and flushes reporters.
func (a *app) close() {
	if err := a.slot.Discard(); err != nil {
		log.Warn().Err(err).Msg("closing session")
	}
	if err := metrics.Close(); err != nil {
		log.Warn().Err(err).Msg("closing metrics")
	}
	if a.sentry {
		sentry.Flush(2 * time.Second)
	}
}
