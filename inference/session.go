package inference

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/derm-screen/assets"
	"github.com/nvr-ai/derm-screen/errs"
	"github.com/nvr-ai/derm-screen/inference/providers"
	"github.com/nvr-ai/derm-screen/metrics"
)

// SessionConfig describes the model contract a session is built against.
type SessionConfig struct {
	// Runtime is the immutable execution configuration.
	Runtime providers.RuntimeConfig
	// ClassNames are the output classes in model order; at least two.
	ClassNames []string
	// InputShape is the expected input shape; nil means DefaultInputShape.
	InputShape []int
	// Environment initializes ONNX Runtime; nil means providers.Default().
	Environment *providers.Environment
}

// Session is a loaded classifier bound to preallocated input and output
// tensors. Runs are serialized because the bound tensors are shared.
type Session struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	inputName  string
	outputName string
	inputShape []int
	classes    []string
	backend    providers.Backend
}

// NewSession creates an ONNX Runtime session from an in-memory model.
//
// Order of operations:
//  1. Asset validation: a truncated payload is never handed to the runtime.
//  2. Environment setup: once per process.
//  3. Model introspection: the declared input and output must match the contract.
//  4. Tensor allocation: fixed-shape buffers for input and output data.
//  5. Session options and execution provider from the runtime configuration.
//  6. Session creation binding the tensors.
//
// Arguments:
//   - asset: The fetched model.
//   - cfg: The model contract and runtime configuration.
//
// Returns:
//   - *Session: The ready session; the caller must Close it.
//   - error: AssetTooSmall for an invalid asset, ModelLoad for anything else.
func NewSession(asset *assets.ModelAsset, cfg SessionConfig) (*Session, error) {
	const op = "inference.session"
	start := time.Now()

	if err := asset.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.ClassNames) < 2 {
		return nil, errs.Errorf(errs.ModelLoad, op, "need at least 2 class names, got %d", len(cfg.ClassNames))
	}
	shape := cfg.InputShape
	if len(shape) == 0 {
		shape = DefaultInputShape
	}
	env := cfg.Environment
	if env == nil {
		env = providers.Default()
	}
	if err := env.Init(cfg.Runtime); err != nil {
		return nil, errs.E(errs.ModelLoad, op, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(asset.Data)
	if err != nil {
		return nil, errs.E(errs.ModelLoad, op, errors.Wrap(err, "error reading model inputs and outputs"))
	}
	inName, outName, err := ValidateModelIO(inputs, outputs, shape, len(cfg.ClassNames))
	if err != nil {
		return nil, errs.E(errs.ModelLoad, op, err)
	}

	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(dims...))
	if err != nil {
		return nil, errs.E(errs.ModelLoad, op, errors.Wrap(err, "error creating input tensor"))
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(cfg.ClassNames))))
	if err != nil {
		input.Destroy()
		return nil, errs.E(errs.ModelLoad, op, errors.Wrap(err, "error creating output tensor"))
	}

	options, err := providers.NewSessionOptions(cfg.Runtime)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errs.E(errs.ModelLoad, op, err)
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSessionWithONNXData(
		asset.Data,
		[]string{inName},
		[]string{outName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errs.E(errs.ModelLoad, op, errors.Wrap(err, "error creating ORT session"))
	}

	s := &Session{
		session:    session,
		input:      input,
		output:     output,
		inputName:  inName,
		outputName: outName,
		inputShape: slices.Clone(shape),
		classes:    slices.Clone(cfg.ClassNames),
		backend:    cfg.Runtime.Backend(),
	}
	metrics.Since("inference.session.load", start, []string{"backend:" + string(s.backend)})
	log.Info().
		Str("input", inName).
		Str("output", outName).
		Ints("shape", shape).
		Strs("classes", s.classes).
		Str("backend", string(s.backend)).
		Str("sha256", asset.SHA256).
		Dur("took", time.Since(start)).
		Msg("inference session created")
	return s, nil
}

// ValidateModelIO checks the model's declared inputs and outputs against the
// classifier contract. Dynamic dimensions (-1) are accepted.
//
// Arguments:
//   - inputs: The model's declared inputs.
//   - outputs: The model's declared outputs.
//   - shape: The expected input shape.
//   - classes: The number of configured classes.
//
// Returns:
//   - string: The input name.
//   - string: The output name (the first declared output).
//   - error: Describing the first mismatch.
func ValidateModelIO(inputs, outputs []ort.InputOutputInfo, shape []int, classes int) (string, string, error) {
	if len(inputs) != 1 {
		return "", "", errors.Errorf("model declares %d inputs, want 1", len(inputs))
	}
	in := inputs[0]
	if in.OrtValueType != ort.ONNXTypeTensor || in.DataType != ort.TensorElementDataTypeFloat {
		return "", "", errors.Errorf("model input %q is not a float tensor", in.Name)
	}
	if len(in.Dimensions) != len(shape) {
		return "", "", errors.Errorf("model input %q has shape %v, want %v", in.Name, in.Dimensions, shape)
	}
	for i, d := range in.Dimensions {
		if d >= 0 && d != int64(shape[i]) {
			return "", "", errors.Errorf("model input %q has shape %v, want %v", in.Name, in.Dimensions, shape)
		}
	}

	if len(outputs) == 0 {
		return "", "", errors.New("model declares no outputs")
	}
	out := outputs[0]
	if out.OrtValueType != ort.ONNXTypeTensor || out.DataType != ort.TensorElementDataTypeFloat {
		return "", "", errors.Errorf("model output %q is not a float tensor", out.Name)
	}
	if len(out.Dimensions) == 0 {
		return "", "", errors.Errorf("model output %q is a scalar", out.Name)
	}
	if last := out.Dimensions[len(out.Dimensions)-1]; last >= 0 && last != int64(classes) {
		return "", "", errors.Errorf("model output %q has %d classes, configured %d", out.Name, last, classes)
	}
	return in.Name, out.Name, nil
}

// Run classifies one tensor.
//
// Arguments:
//   - ctx: Checked before the run starts; a native run cannot be interrupted.
//   - in: The preprocessed image.
//
// Returns:
//   - Logits: A fresh slice with one score per class.
//   - error: ShapeMismatch, InferenceRuntime or Canceled.
func (s *Session) Run(ctx context.Context, in *InputTensor) (Logits, error) {
	const op = "inference.run"
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(op, err)
	}
	if in == nil {
		return nil, errs.Errorf(errs.ShapeMismatch, op, "no input tensor")
	}
	if got := in.Shape(); !slices.Equal(got, s.inputShape) {
		return nil, errs.Errorf(errs.ShapeMismatch, op, "input shape %v, model expects %v", got, s.inputShape)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, errs.Errorf(errs.InferenceRuntime, op, "session is closed")
	}

	start := time.Now()
	copy(s.input.GetData(), in.Data())
	if err := s.session.Run(); err != nil {
		return nil, errs.E(errs.InferenceRuntime, op, err)
	}
	logits := Logits(slices.Clone(s.output.GetData()))
	metrics.Since("inference.run", start, []string{"backend:" + string(s.backend)})

	if i, ok := CheckFinite(logits); !ok {
		return nil, errs.Errorf(errs.InferenceRuntime, op, "output %d is not finite (%v)", i, logits[i])
	}
	return logits, nil
}

// Classes returns a copy of the class names.
func (s *Session) Classes() []string { return slices.Clone(s.classes) }

// InputShape returns a copy of the bound input shape.
func (s *Session) InputShape() []int { return slices.Clone(s.inputShape) }

// Close releases the native session and tensors. It is safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.input != nil {
		s.input.Destroy()
		s.input = nil
	}
	if s.output != nil {
		s.output.Destroy()
		s.output = nil
	}
	if s.session != nil {
		err := s.session.Destroy()
		s.session = nil
		if err != nil {
			return errors.Wrap(err, "error destroying ORT session")
		}
	}
	return nil
}
