package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/derm-screen/assets"
	"github.com/nvr-ai/derm-screen/classify"
	"github.com/nvr-ai/derm-screen/errs"
	"github.com/nvr-ai/derm-screen/images"
	"github.com/nvr-ai/derm-screen/inference"
)

type fakeRunner struct {
	logits  inference.Logits
	classes []string
	run     func(ctx context.Context) error
	runs    atomic.Int64
}

func (f *fakeRunner) Run(ctx context.Context, in *inference.InputTensor) (inference.Logits, error) {
	f.runs.Add(1)
	if in.Len() != 3*inference.InputSize*inference.InputSize {
		return nil, errs.Errorf(errs.ShapeMismatch, "fake.run", "got %v", in.Shape())
	}
	if f.run != nil {
		if err := f.run(ctx); err != nil {
			return nil, err
		}
	}
	return append(inference.Logits(nil), f.logits...), nil
}

func (f *fakeRunner) Classes() []string {
	return f.classes
}

func (f *fakeRunner) Close() error {
	return nil
}

// recorder collects updates.
type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) observe(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func uniformPNG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 196, G: 150, B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func benignRunner() *fakeRunner {
	return &fakeRunner{
		logits:  inference.Logits{float32(math.Log(0.92 / 0.08)), 0},
		classes: []string{"benign", "malignant"},
	}
}

func newOrchestrator(t *testing.T, load inference.Loader, progress ProgressConfig) (*Orchestrator, *inference.Slot) {
	t.Helper()
	pre, err := images.NewPreprocessor(images.DefaultPreprocessConfig())
	require.NoError(t, err)
	slot := inference.NewSlot(load)
	o, err := New(slot, pre, Options{Progress: &progress})
	require.NoError(t, err)
	return o, slot
}

func staticLoader(r inference.Runner, calls *atomic.Int64) inference.Loader {
	return func(context.Context) (inference.Runner, error) {
		if calls != nil {
			calls.Add(1)
		}
		return r, nil
	}
}

func quietProgress() ProgressConfig {
	return ProgressConfig{Interval: 0, Step: 5, Cap: 95}
}

func assertMonotonic(t *testing.T, updates []Update) {
	t.Helper()
	for i := 1; i < len(updates); i++ {
		assert.GreaterOrEqual(t, updates[i].Progress, updates[i-1].Progress,
			"progress went backwards at update %d: %+v", i, updates)
	}
}

func TestRunUniformBenignImage(t *testing.T) {
	var loads atomic.Int64
	o, _ := newOrchestrator(t, staticLoader(benignRunner(), &loads), quietProgress())
	rec := &recorder{}

	v, err := o.Run(context.Background(), uniformPNG(t, 500, 300), rec.observe)
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, classify.RiskLow, v.RiskLevel)
	assert.Equal(t, 92.0, v.ConfidencePercent)
	assert.Equal(t, "benign", v.PredictedClass)
	assert.Equal(t, int64(1), loads.Load())

	updates := rec.all()
	require.NotEmpty(t, updates)
	var states []State
	for _, u := range updates {
		states = append(states, u.State)
		assert.NotEmpty(t, u.RunID)
		assert.Equal(t, updates[0].RunID, u.RunID, "one run id per run")
	}
	assert.Equal(t, []State{StateIdle, StateLoading, StatePreprocessing, StateInferring, StatePostprocessing, StateDone}, states)
	last := updates[len(updates)-1]
	assert.Equal(t, 100, last.Progress)
	assert.NoError(t, last.Err)
	assertMonotonic(t, updates)
}

func TestRunNonImageFailsWithoutLoading(t *testing.T) {
	var loads atomic.Int64
	o, slot := newOrchestrator(t, staticLoader(benignRunner(), &loads), quietProgress())
	rec := &recorder{}

	v, err := o.Run(context.Background(), []byte("definitely not an image"), rec.observe)
	assert.Nil(t, v)
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se), "want *StageError, got %T", err)
	assert.Equal(t, StatePreprocessing, se.Stage)
	assert.Equal(t, errs.Decode, se.Kind())
	assert.True(t, errs.Is(err, errs.Decode))

	assert.Zero(t, loads.Load(), "slot must not be touched")
	assert.False(t, slot.Loaded())

	updates := rec.all()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, StateFailed, last.State)
	assert.Equal(t, StatePreprocessing, last.Stage)
	assert.Error(t, last.Err)
}

func TestRunStubAssetNeverOpensSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{1}, 10), 0o600))

	fetcher, err := assets.NewFetcher(assets.FetcherConfig{
		URL:           path,
		ProbeMinBytes: 64,
		MinBytes:      256,
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		Timeout:       time.Second,
	})
	require.NoError(t, err)

	var opened atomic.Int64
	load := inference.FetchAndOpen(fetcher, func(*assets.ModelAsset) (inference.Runner, error) {
		opened.Add(1)
		return benignRunner(), nil
	})
	o, slot := newOrchestrator(t, load, quietProgress())
	rec := &recorder{}

	v, err := o.Run(context.Background(), uniformPNG(t, 64, 64), rec.observe)
	assert.Nil(t, v)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.AssetTooSmall), "got %v", err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StateLoading, se.Stage)
	assert.Zero(t, opened.Load(), "session must never be created from a stub")
	assert.False(t, slot.Loaded())

	updates := rec.all()
	assert.Equal(t, StateFailed, updates[len(updates)-1].State)
}

func TestRunStageFailures(t *testing.T) {
	broken := benignRunner()
	broken.run = func(context.Context) error {
		return errs.Errorf(errs.InferenceRuntime, "fake.run", "boom")
	}
	mismatched := &fakeRunner{logits: inference.Logits{1, 2, 3}, classes: []string{"benign", "malignant"}}

	cases := []struct {
		name   string
		runner *fakeRunner
		stage  State
		kind   errs.Kind
	}{
		{"inference", broken, StateInferring, errs.InferenceRuntime},
		{"postprocessing", mismatched, StatePostprocessing, errs.Internal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, _ := newOrchestrator(t, staticLoader(tc.runner, nil), quietProgress())
			rec := &recorder{}
			v, err := o.Run(context.Background(), uniformPNG(t, 32, 32), rec.observe)
			assert.Nil(t, v, "no partial verdict")

			var se *StageError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.Equal(t, tc.stage, se.Stage)
			assert.Equal(t, tc.kind, se.Kind())

			updates := rec.all()
			last := updates[len(updates)-1]
			assert.Equal(t, StateFailed, last.State)
			assert.Equal(t, tc.stage, last.Stage)
			assert.Less(t, last.Progress, 100)
			assertMonotonic(t, updates)
		})
	}
}

func TestRunFailedLoadIsRetriedNextRun(t *testing.T) {
	var calls atomic.Int64
	load := func(context.Context) (inference.Runner, error) {
		if calls.Add(1) == 1 {
			return nil, errs.Errorf(errs.ModelLoad, "fake.load", "corrupt")
		}
		return benignRunner(), nil
	}
	o, _ := newOrchestrator(t, load, quietProgress())
	img := uniformPNG(t, 40, 40)

	_, err := o.Run(context.Background(), img, nil)
	assert.True(t, errs.Is(err, errs.ModelLoad), "got %v", err)

	v, err := o.Run(context.Background(), img, nil)
	require.NoError(t, err)
	assert.Equal(t, "benign", v.PredictedClass)
	assert.Equal(t, int64(2), calls.Load())
}

func TestRunTickerProgress(t *testing.T) {
	slow := benignRunner()
	slow.run = func(context.Context) error {
		time.Sleep(80 * time.Millisecond)
		return nil
	}
	o, _ := newOrchestrator(t, staticLoader(slow, nil), ProgressConfig{Interval: 5 * time.Millisecond, Step: 5, Cap: 95})
	rec := &recorder{}

	_, err := o.Run(context.Background(), uniformPNG(t, 32, 32), rec.observe)
	require.NoError(t, err)
	final := len(rec.all())

	time.Sleep(30 * time.Millisecond)
	updates := rec.all()
	assert.Len(t, updates, final, "no update after the terminal one")

	ticks := 0
	for i, u := range updates {
		if u.State == StateDone {
			assert.Equal(t, len(updates)-1, i, "done is last")
			continue
		}
		assert.LessOrEqual(t, u.Progress, 95)
		if i > 0 && u.State == updates[i-1].State {
			ticks++
		}
	}
	assert.Positive(t, ticks, "ticker should raise progress while inferring")
	assertMonotonic(t, updates)
}

func TestRunCanceled(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := benignRunner()
	blocking.run = func(context.Context) error {
		close(entered)
		<-release
		return nil
	}
	o, _ := newOrchestrator(t, staticLoader(blocking, nil), ProgressConfig{Interval: 2 * time.Millisecond, Step: 1, Cap: 95})
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		v   *classify.Verdict
		err error
	}
	res := make(chan result, 1)
	go func() {
		v, err := o.Run(ctx, uniformPNG(t, 32, 32), rec.observe)
		res <- result{v, err}
	}()

	<-entered
	cancel()
	var r result
	select {
	case r = <-res:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Nil(t, r.v)
	assert.True(t, errs.Is(r.err, errs.Canceled), "got %v", r.err)
	assert.ErrorIs(t, r.err, context.Canceled)
	var se *StageError
	require.True(t, errors.As(r.err, &se))
	assert.Equal(t, StateInferring, se.Stage)

	seen := len(rec.all())
	close(release)
	time.Sleep(20 * time.Millisecond)
	updates := rec.all()
	assert.Len(t, updates, seen, "observer must receive nothing after cancellation")
	for _, u := range updates {
		assert.False(t, u.State.Terminal(), "no terminal update on cancellation: %+v", u)
	}
}

func TestRunAlreadyCanceled(t *testing.T) {
	var loads atomic.Int64
	o, _ := newOrchestrator(t, staticLoader(benignRunner(), &loads), quietProgress())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}

	_, err := o.Run(ctx, uniformPNG(t, 32, 32), rec.observe)
	assert.True(t, errs.Is(err, errs.Canceled), "got %v", err)
	assert.Empty(t, rec.all())
	assert.Zero(t, loads.Load())
}

func TestConcurrentRunsLoadOnce(t *testing.T) {
	var loads atomic.Int64
	load := func(context.Context) (inference.Runner, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return benignRunner(), nil
	}
	o, slot := newOrchestrator(t, load, quietProgress())
	img := uniformPNG(t, 48, 48)

	var wg sync.WaitGroup
	failures := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Run(context.Background(), img, nil); err != nil {
				failures <- err
			}
		}()
	}
	wg.Wait()
	close(failures)
	for err := range failures {
		t.Errorf("run failed: %v", err)
	}
	assert.Equal(t, int64(1), loads.Load())
	assert.Equal(t, int64(1), slot.Loads())
	assert.True(t, o.Ready())
}

func TestWarm(t *testing.T) {
	var loads atomic.Int64
	o, _ := newOrchestrator(t, staticLoader(benignRunner(), &loads), quietProgress())
	assert.False(t, o.Ready())
	require.NoError(t, o.Warm(context.Background()))
	assert.True(t, o.Ready())

	_, err := o.Run(context.Background(), uniformPNG(t, 32, 32), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loads.Load())

	failing, _ := newOrchestrator(t, func(context.Context) (inference.Runner, error) {
		return nil, errs.Errorf(errs.AssetUnreachable, "fake.fetch", "offline")
	}, quietProgress())
	err = failing.Warm(context.Background())
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StateLoading, se.Stage)
	assert.Equal(t, errs.AssetUnreachable, se.Kind())
}

func TestNewValidatesOptions(t *testing.T) {
	pre, err := images.NewPreprocessor(images.DefaultPreprocessConfig())
	require.NoError(t, err)
	slot := inference.NewSlot(staticLoader(benignRunner(), nil))

	_, err = New(nil, pre, Options{})
	assert.Error(t, err)
	_, err = New(slot, nil, Options{})
	assert.Error(t, err)

	bad := classify.DefaultPolicy()
	bad.ConfidenceFloor = -1
	_, err = New(slot, pre, Options{Policy: &bad})
	assert.Error(t, err)

	_, err = New(slot, pre, Options{Progress: &ProgressConfig{Interval: time.Millisecond, Step: 5, Cap: 100}})
	assert.Error(t, err)

	o, err := New(slot, pre, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultProgressConfig(), o.progress)
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	for _, s := range []State{StateIdle, StateLoading, StatePreprocessing, StateInferring, StatePostprocessing} {
		assert.False(t, s.Terminal(), "%s", s)
	}
}
