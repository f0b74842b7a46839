package providers

import (
	"strconv"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// NewSessionOptions builds ONNX Runtime session options from the runtime
// configuration. The caller owns the result and must Destroy it.
//
// Order of operations:
//  1. Threading: intra-op and inter-op parallelism.
//  2. Graph optimization level.
//  3. Execution provider for the configured backend. The CPU provider needs
//     no explicit registration.
//
// Arguments:
//   - cfg: The immutable runtime configuration.
//
// Returns:
//   - *ort.SessionOptions: Configured session options.
//   - error: If the options cannot be created or the provider cannot be enabled.
func NewSessionOptions(cfg RuntimeConfig) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating ORT session options")
	}

	if err := configure(options, cfg); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func configure(options *ort.SessionOptions, cfg RuntimeConfig) error {
	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads()); err != nil {
		return errors.Wrap(err, "error setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpThreads()); err != nil {
		return errors.Wrap(err, "error setting inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(cfg.OptimizationLevel()); err != nil {
		return errors.Wrap(err, "error setting graph optimization level")
	}

	opts := cfg.ProviderOptions()
	switch cfg.Backend() {
	case CPUBackend:
	case CoreMLBackend:
		flags, err := coreMLFlags(opts)
		if err != nil {
			return err
		}
		if err := options.AppendExecutionProviderCoreML(flags); err != nil {
			return errors.Wrap(err, "error enabling CoreML")
		}
	case OpenVINOBackend:
		if err := options.AppendExecutionProviderOpenVINO(opts); err != nil {
			return errors.Wrap(err, "error enabling OpenVINO")
		}
	case CUDABackend:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "error creating CUDA provider options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(opts); err != nil {
			return errors.Wrap(err, "error applying CUDA provider options")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "error enabling CUDA")
		}
	default:
		return errors.Errorf("unsupported execution provider: %s", cfg.Backend())
	}
	return nil
}

// coreMLFlags reads the CoreML bit flags from the "flags" option, defaulting to 0.
func coreMLFlags(opts map[string]string) (uint32, error) {
	raw, ok := opts["flags"]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid CoreML flags %q", raw)
	}
	return uint32(v), nil
}
