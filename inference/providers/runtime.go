package providers

import (
	"fmt"
	"maps"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// RuntimeArgs are the raw inputs to NewRuntimeConfig.
type RuntimeArgs struct {
	// Backend selects the execution provider.
	Backend string `mapstructure:"backend"`
	// SharedLibPath points at the ONNX Runtime shared library; empty uses DefaultSharedLibPath.
	SharedLibPath string `mapstructure:"shared_lib_path"`
	// IntraOpThreads parallelizes work inside a node; 0 lets the runtime decide.
	IntraOpThreads int `mapstructure:"intra_op_threads"`
	// InterOpThreads parallelizes independent nodes; 0 lets the runtime decide.
	InterOpThreads int `mapstructure:"inter_op_threads"`
	// OptimizationLevel is one of disable, basic, extended, all.
	OptimizationLevel string `mapstructure:"optimization_level"`
	// ProviderOptions overrides DefaultProviderOptions for the backend.
	ProviderOptions map[string]string `mapstructure:"provider_options"`
}

// DefaultRuntimeArgs returns CPU execution with extended graph optimization
// and half the logical CPUs for intra-op work.
func DefaultRuntimeArgs() RuntimeArgs {
	return RuntimeArgs{
		Backend:           string(CPUBackend),
		IntraOpThreads:    max(1, runtime.NumCPU()/2),
		InterOpThreads:    1,
		OptimizationLevel: "extended",
	}
}

// RuntimeConfig is the process-wide inference runtime configuration. It is
// built once before the first session load and never changes afterwards.
type RuntimeConfig struct {
	backend         Backend
	sharedLibPath   string
	intraOpThreads  int
	interOpThreads  int
	level           ort.GraphOptimizationLevel
	levelName       string
	providerOptions map[string]string
}

// NewRuntimeConfig validates the arguments and freezes them.
//
// Arguments:
//   - args: The raw runtime settings.
//
// Returns:
//   - RuntimeConfig: The immutable configuration.
//   - error: If the backend, thread counts or optimization level are invalid.
func NewRuntimeConfig(args RuntimeArgs) (RuntimeConfig, error) {
	backend, err := ParseBackend(args.Backend)
	if err != nil {
		return RuntimeConfig{}, err
	}
	if args.IntraOpThreads < 0 {
		return RuntimeConfig{}, fmt.Errorf("intra_op_threads must be >= 0, got %d", args.IntraOpThreads)
	}
	if args.InterOpThreads < 0 {
		return RuntimeConfig{}, fmt.Errorf("inter_op_threads must be >= 0, got %d", args.InterOpThreads)
	}
	levelName := strings.ToLower(strings.TrimSpace(args.OptimizationLevel))
	if levelName == "" {
		levelName = "extended"
	}
	level, err := ParseOptimizationLevel(levelName)
	if err != nil {
		return RuntimeConfig{}, err
	}

	libPath := args.SharedLibPath
	if libPath == "" {
		libPath = DefaultSharedLibPath()
	}
	opts := DefaultProviderOptions(backend)
	maps.Copy(opts, args.ProviderOptions)

	return RuntimeConfig{
		backend:         backend,
		sharedLibPath:   libPath,
		intraOpThreads:  args.IntraOpThreads,
		interOpThreads:  args.InterOpThreads,
		level:           level,
		levelName:       levelName,
		providerOptions: opts,
	}, nil
}

// ParseOptimizationLevel maps a level name to the ONNX Runtime constant.
func ParseOptimizationLevel(name string) (ort.GraphOptimizationLevel, error) {
	switch strings.ToLower(name) {
	case "disable", "none":
		return ort.GraphOptimizationLevelDisableAll, nil
	case "basic":
		return ort.GraphOptimizationLevelEnableBasic, nil
	case "extended":
		return ort.GraphOptimizationLevelEnableExtended, nil
	case "all":
		return ort.GraphOptimizationLevelEnableAll, nil
	default:
		return 0, errors.Errorf("unknown graph optimization level %q", name)
	}
}

// Backend returns the execution provider.
func (c RuntimeConfig) Backend() Backend { return c.backend }

// SharedLibPath returns the ONNX Runtime shared library location.
func (c RuntimeConfig) SharedLibPath() string { return c.sharedLibPath }

// IntraOpThreads returns the intra-op thread count.
func (c RuntimeConfig) IntraOpThreads() int { return c.intraOpThreads }

// InterOpThreads returns the inter-op thread count.
func (c RuntimeConfig) InterOpThreads() int { return c.interOpThreads }

// OptimizationLevel returns the graph optimization level.
func (c RuntimeConfig) OptimizationLevel() ort.GraphOptimizationLevel { return c.level }

// ProviderOptions returns a copy of the provider-specific options.
func (c RuntimeConfig) ProviderOptions() map[string]string { return maps.Clone(c.providerOptions) }

// String summarizes the configuration for logs.
func (c RuntimeConfig) String() string {
	return fmt.Sprintf("backend=%s optimization=%s intra_op=%d inter_op=%d lib=%s",
		c.backend, c.levelName, c.intraOpThreads, c.interOpThreads, c.sharedLibPath)
}
