package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/nvr-ai/derm-screen/classify"
	"github.com/nvr-ai/derm-screen/errs"
	"github.com/nvr-ai/derm-screen/images"
	"github.com/nvr-ai/derm-screen/inference"
	"github.com/nvr-ai/derm-screen/metrics"
)

// Sessions hands out the shared classifier. *inference.Slot implements it.
type Sessions interface {
	Get(ctx context.Context) (inference.Runner, error)
	Loaded() bool
}

// Options configures an Orchestrator.
type Options struct {
	// Policy maps predictions to verdicts; the zero value means classify.DefaultPolicy.
	Policy *classify.Policy
	// Progress controls the ticker; the zero value means DefaultProgressConfig.
	Progress *ProgressConfig
}

// Orchestrator sequences the stages of a run. It is safe for concurrent use;
// runs share only the session.
type Orchestrator struct {
	sessions Sessions
	pre      *images.Preprocessor
	policy   classify.Policy
	progress ProgressConfig
}

// New creates an orchestrator.
//
// Arguments:
//   - sessions: The shared session slot.
//   - pre: The image preprocessor.
//   - opts: Policy and progress settings.
//
// Returns:
//   - *Orchestrator: The orchestrator.
//   - error: If a dependency is missing or a setting is invalid.
func New(sessions Sessions, pre *images.Preprocessor, opts Options) (*Orchestrator, error) {
	if sessions == nil {
		return nil, errors.New("pipeline: sessions is required")
	}
	if pre == nil {
		return nil, errors.New("pipeline: preprocessor is required")
	}

	policy := classify.DefaultPolicy()
	if opts.Policy != nil {
		policy = opts.Policy.Normalize()
	}
	if err := policy.Validate(); err != nil {
		return nil, errors.Wrap(err, "pipeline: invalid policy")
	}

	progress := DefaultProgressConfig()
	if opts.Progress != nil {
		progress = *opts.Progress
	}
	if err := progress.Validate(); err != nil {
		return nil, errors.Wrap(err, "pipeline: invalid progress config")
	}

	return &Orchestrator{sessions: sessions, pre: pre, policy: policy, progress: progress}, nil
}

// Ready reports whether the session is loaded.
func (o *Orchestrator) Ready() bool { return o.sessions.Loaded() }

// Warm loads the session ahead of the first run.
func (o *Orchestrator) Warm(ctx context.Context) error {
	start := time.Now()
	if _, err := o.sessions.Get(ctx); err != nil {
		return &StageError{Stage: StateLoading, Err: err}
	}
	log.Info().Dur("took", time.Since(start)).Msg("session warmed")
	return nil
}

type outcome struct {
	verdict *classify.Verdict
	stage   State
	err     error
}

// Run classifies one encoded image.
//
// Order of operations:
//  1. Sniff the header; a non-image fails at preprocessing without loading the session.
//  2. Load (or reuse) the session.
//  3. Preprocess the image into a tensor.
//  4. Run the classifier.
//  5. Turn the logits into a verdict.
//
// Progress is reported to observe throughout. When ctx is canceled Run
// returns promptly with a Canceled StageError and observe receives nothing
// further.
//
// Arguments:
//   - ctx: Bounds the run.
//   - data: The encoded image.
//   - observe: Receives progress; may be nil.
//
// Returns:
//   - *classify.Verdict: The verdict, nil on failure.
//   - error: A *StageError.
func (o *Orchestrator) Run(ctx context.Context, data []byte, observe Observer) (*classify.Verdict, error) {
	const op = "pipeline.run"
	id := uuid.NewString()
	rep := newReporter(id, observe, o.progress)
	start := time.Now()
	logger := log.With().Str("run_id", id).Logger()

	if err := ctx.Err(); err != nil {
		rep.finish(nil)
		return nil, o.report(id, start, &StageError{Stage: StateIdle, Err: errs.FromContext(op, err)})
	}

	rep.enter(StateIdle)
	if _, err := images.Sniff(data, o.pre.Config().MaxPixels); err != nil {
		se := &StageError{Stage: StatePreprocessing, Err: err}
		rep.finish(&Update{State: StateFailed, Stage: se.Stage, Err: se})
		return nil, o.report(id, start, se)
	}

	rep.start()
	done := make(chan outcome, 1)
	go func() {
		done <- o.stages(ctx, rep, data)
	}()

	select {
	case out := <-done:
		if out.err != nil {
			se := &StageError{Stage: out.stage, Err: out.err}
			if cerr := ctx.Err(); cerr != nil {
				rep.finish(nil)
				se.Err = errs.FromContext(op, cerr)
				return nil, o.report(id, start, se)
			}
			if errs.Is(out.err, errs.Canceled) {
				rep.finish(nil)
				return nil, o.report(id, start, se)
			}
			rep.finish(&Update{State: StateFailed, Stage: se.Stage, Err: se})
			logger.Warn().Err(out.err).Str("stage", string(se.Stage)).Msg("run failed")
			return nil, o.report(id, start, se)
		}
		rep.finish(&Update{State: StateDone})
		logger.Info().Str("class", out.verdict.PredictedClass).Str("risk", string(out.verdict.RiskLevel)).
			Float64("confidence", out.verdict.ConfidencePercent).Dur("took", time.Since(start)).Msg("run done")
		o.report(id, start, nil)
		return out.verdict, nil

	case <-ctx.Done():
		stage := rep.current()
		rep.finish(nil)
		return nil, o.report(id, start, &StageError{Stage: stage, Err: errs.FromContext(op, ctx.Err())})
	}
}

// stages runs the work after the header check. The returned stage names
// where a failure happened.
func (o *Orchestrator) stages(ctx context.Context, rep *reporter, data []byte) outcome {
	rep.enter(StateLoading)
	t := time.Now()
	runner, err := o.sessions.Get(ctx)
	timeStage(StateLoading, t)
	if err != nil {
		return outcome{stage: StateLoading, err: err}
	}

	rep.enter(StatePreprocessing)
	t = time.Now()
	in, err := o.pre.Process(data)
	timeStage(StatePreprocessing, t)
	if err != nil {
		return outcome{stage: StatePreprocessing, err: err}
	}

	rep.enter(StateInferring)
	t = time.Now()
	logits, err := runner.Run(ctx, in)
	timeStage(StateInferring, t)
	if err != nil {
		return outcome{stage: StateInferring, err: err}
	}

	rep.enter(StatePostprocessing)
	t = time.Now()
	v, err := classify.Classify(logits, runner.Classes(), o.policy)
	timeStage(StatePostprocessing, t)
	if err != nil {
		return outcome{stage: StatePostprocessing, err: err}
	}
	return outcome{verdict: v}
}

func timeStage(s State, start time.Time) {
	metrics.Since("pipeline.stage.duration", start, []string{"stage:" + string(s)})
}

// report records the run outcome and passes err through.
func (o *Orchestrator) report(id string, start time.Time, err *StageError) error {
	if err == nil {
		metrics.Incr("pipeline.run", []string{"outcome:done"})
		metrics.Since("pipeline.run.duration", start, nil)
		return nil
	}
	metrics.Incr("pipeline.run", []string{"outcome:failed", "kind:" + err.Kind().String(), "stage:" + string(err.Stage)})
	log.Debug().Str("run_id", id).Err(err).Msg("run ended")
	return err
}
